package engine

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/transport"
	"github.com/bamsammich/iblocksync/internal/transport/remote"
)

const testBlockSize = 4096

// randomDevice writes size random bytes to a file under dir.
func randomDevice(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

// mutateBlock overwrites the first bytes of block index in the file at path.
func mutateBlock(t *testing.T, path string, index int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	patch := make([]byte, 16)
	_, err = rand.Read(patch)
	require.NoError(t, err)
	_, err = f.WriteAt(patch, index*testBlockSize)
	require.NoError(t, err)
}

// localConfig returns a Config whose channels talk to in-process agents.
func localConfig(t *testing.T, src, dst string) Config {
	t.Helper()
	srcCh := remote.NewLocal(t.Context(), "source")
	dstCh := remote.NewLocal(t.Context(), "destination")
	t.Cleanup(func() {
		srcCh.Close()
		dstCh.Close()
	})
	return Config{
		Src:       srcCh,
		Dst:       dstCh,
		SrcPath:   src,
		DstPath:   dst,
		BlockSize: testBlockSize,
		Hash:      checksum.BLAKE3,
		Events:    drainEvents(t),
	}
}

// effectiveState reads the destination as the next run would see it: the
// base copy with every committed image applied.
func effectiveState(t *testing.T, dst string) []byte {
	t.Helper()
	ov, err := iimg.OpenOverlay(dst, testBlockSize, checksum.BLAKE3)
	require.NoError(t, err)
	defer ov.Close()

	var out, buf []byte
	for i := range ov.BlockCount() {
		buf, err = ov.ReadBlock(i, buf)
		require.NoError(t, err)
		out = append(out, buf...)
	}
	return out
}

// drainEvents creates a buffered event channel, spawns a goroutine to drain
// it, and registers cleanup. Returns the channel for use in engine.Config.
func drainEvents(t *testing.T) chan<- event.Event {
	t.Helper()
	ch := make(chan event.Event, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		//nolint:revive // empty-block: intentionally draining event channel
		for range ch {
		}
	}()
	t.Cleanup(func() {
		close(ch)
		<-done
	})
	return ch
}

// collectEvents creates a buffered event channel that records all events.
// The getter closes the channel and waits for the drain goroutine, so it is
// safe to read the slice. It may be called at most once.
func collectEvents(t *testing.T) (chan<- event.Event, func() []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 4096)
	var collected []event.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			collected = append(collected, ev)
		}
	}()
	var once sync.Once
	drain := func() {
		once.Do(func() { close(ch) })
		<-done
	}
	t.Cleanup(drain)
	return ch, func() []event.Event {
		drain()
		return collected
	}
}

// memChannel is an in-memory transport.Channel with injectable faults.
type memChannel struct {
	mu        sync.Mutex
	data      []byte
	alg       checksum.Algorithm
	blockSize int

	// sumLimit truncates the checksum stream after this many blocks when
	// positive.
	sumLimit int64
	// shortRead trims this block's payload on ReadBlock.
	shortRead int64
	writeErr  error
	writes    []int64
	finished  bool
}

var _ transport.Channel = (*memChannel)(nil)

func newMemChannel(data []byte) *memChannel {
	return &memChannel{data: data, shortRead: -1}
}

func (m *memChannel) Hello(_ context.Context, opts transport.HelloOpts) (transport.DeviceInfo, error) {
	m.alg = opts.Hash
	m.blockSize = opts.BlockSize
	size := int64(len(m.data))
	return transport.DeviceInfo{
		Size:       size,
		BlockCount: blockdev.BlockCount(size, opts.BlockSize),
		Sequence:   -1,
	}, nil
}

func (m *memChannel) block(index int64) []byte {
	off, length := blockdev.BlockRange(index, m.blockSize, int64(len(m.data)))
	return m.data[off : off+int64(length)]
}

func (m *memChannel) Checksums(_ context.Context, start int64, count int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := min(start+int64(count), blockdev.BlockCount(int64(len(m.data)), m.blockSize))
	if m.sumLimit > 0 {
		end = min(end, m.sumLimit)
	}
	var sums [][]byte
	for i := start; i < end; i++ {
		sums = append(sums, m.alg.Sum(m.block(i)))
	}
	return sums, nil
}

func (m *memChannel) ReadBlock(_ context.Context, index int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.block(index)
	if index == m.shortRead {
		b = b[:len(b)/2]
	}
	return append([]byte(nil), b...), nil
}

func (m *memChannel) WriteBlock(_ context.Context, index int64, _, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	off, _ := blockdev.BlockRange(index, m.blockSize, int64(len(m.data)))
	copy(m.data[off:], data)
	m.writes = append(m.writes, index)
	return nil
}

func (m *memChannel) Finish(context.Context) (transport.FinishInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	return transport.FinishInfo{Sequence: -1}, nil
}

func (m *memChannel) Close() error { return nil }
