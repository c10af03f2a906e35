package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport"
)

func countRecords(t *testing.T, path string) int {
	t.Helper()
	r, err := iimg.Open(path)
	require.NoError(t, err)
	defer r.Close()
	var n int
	for {
		_, err := r.NextMeta()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return n
		}
		n++
	}
}

func TestEngine_IdenticalDevicesWriteHeaderOnlyImage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, data := randomDevice(t, dir, "src.img", 10*testBlockSize+100)
	dst := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dst, data, 0o600))

	result := Run(t.Context(), localConfig(t, src, dst))
	require.NoError(t, result.Err)

	assert.Equal(t, 0, result.Image.Sequence)
	assert.Equal(t, iimg.Path(dst, 0), result.Image.Path)
	assert.Zero(t, result.Image.Records)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, int64(11), result.Stats.BlocksTotal)
	assert.Equal(t, int64(11), result.Stats.BlocksCompared)
	assert.Equal(t, int64(11), result.Stats.BlocksSame)
	assert.Zero(t, result.Stats.BlocksChanged)
	assert.Zero(t, result.Stats.BlocksTransferred)

	hdr, err := iimg.ReadHeaderFile(iimg.Path(dst, 0))
	require.NoError(t, err)
	assert.Equal(t, src, hdr.SourcePath)
	assert.Equal(t, result.RunID, hdr.RunID)
	assert.Zero(t, countRecords(t, iimg.Path(dst, 0)))

	// The base copy is never touched.
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngine_ChangedBlocksOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, data := randomDevice(t, dir, "src.img", 16*testBlockSize)
	dst := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dst, data, 0o600))

	mutateBlock(t, src, 3)
	mutateBlock(t, src, 11)

	cfg := localConfig(t, src, dst)
	cfg.Comment = "nightly"
	result := Run(t.Context(), cfg)
	require.NoError(t, result.Err)

	assert.Equal(t, int64(2), result.Stats.BlocksChanged)
	assert.Equal(t, int64(14), result.Stats.BlocksSame)
	assert.Equal(t, int64(2), result.Stats.BlocksTransferred)
	assert.Equal(t, int64(2*testBlockSize), result.Stats.BytesTransferred)
	assert.Equal(t, int64(2), result.Image.Records)

	r, err := iimg.Open(result.Image.Path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "nightly", r.Header().Comment)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	for _, index := range []int64{3, 11} {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, index, rec.Index(testBlockSize))
		assert.Equal(t, want[index*testBlockSize:(index+1)*testBlockSize], rec.Data)
		assert.Equal(t, checksum.BLAKE3.Sum(rec.Data), rec.Digest)
	}
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, want, effectiveState(t, dst))
}

func TestEngine_SecondRunSeesPreviousImages(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, data := randomDevice(t, dir, "src.img", 8*testBlockSize)
	dst := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dst, data, 0o600))
	mutateBlock(t, src, 5)

	first := Run(t.Context(), localConfig(t, src, dst))
	require.NoError(t, first.Err)
	assert.Equal(t, int64(1), first.Image.Records)

	// Nothing changed since: the overlay already holds block 5.
	second := Run(t.Context(), localConfig(t, src, dst))
	require.NoError(t, second.Err)
	assert.Equal(t, 1, second.Image.Sequence)
	assert.Zero(t, second.Image.Records)
	assert.Zero(t, second.Stats.BlocksChanged)
}

func TestEngine_Mirror(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, _ := randomDevice(t, dir, "src.img", 6*testBlockSize+17)
	dst, _ := randomDevice(t, dir, "dst.img", 6*testBlockSize+17)

	cfg := localConfig(t, src, dst)
	cfg.Role = transport.RoleMirror
	result := Run(t.Context(), cfg)
	require.NoError(t, result.Err)

	assert.Equal(t, -1, result.Image.Sequence)
	assert.Equal(t, int64(7), result.Stats.BlocksChanged)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	matches, err := filepath.Glob(dst + ".iimg*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEngine_PipelinedTransfer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, _ := randomDevice(t, dir, "src.img", 40*testBlockSize+1)
	dst, _ := randomDevice(t, dir, "dst.img", 40*testBlockSize+1)

	cfg := localConfig(t, src, dst)
	cfg.Window = 4
	cfg.BatchSize = 7
	result := Run(t.Context(), cfg)
	require.NoError(t, result.Err)

	assert.Equal(t, int64(41), result.Stats.BlocksTransferred)
	assert.Equal(t, int64(41), result.Image.Records)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, want, effectiveState(t, dst))
}

// peakSource records how many ReadBlock calls overlap.
type peakSource struct {
	*memChannel
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (p *peakSource) ReadBlock(ctx context.Context, index int64) ([]byte, error) {
	p.mu.Lock()
	p.inFlight++
	p.peak = max(p.peak, p.inFlight)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	time.Sleep(2 * time.Millisecond)
	return p.memChannel.ReadBlock(ctx, index)
}

func TestEngine_WindowBoundsSourceReads(t *testing.T) {
	t.Parallel()

	for _, window := range []int{2, 3, 5} {
		data := make([]byte, 32*testBlockSize)
		for i := range data {
			data[i] = byte(i / testBlockSize)
		}
		src := &peakSource{memChannel: newMemChannel(data)}
		dst := newMemChannel(make([]byte, len(data)))

		result := Run(t.Context(), Config{
			Src:       src,
			Dst:       dst,
			Role:      transport.RoleMirror,
			BlockSize: testBlockSize,
			Window:    window,
			Events:    drainEvents(t),
		})
		require.NoError(t, result.Err, "window %d", window)
		assert.Equal(t, data, dst.data, "window %d", window)
		assert.LessOrEqual(t, src.peak, window, "window %d", window)
		assert.Greater(t, src.peak, 1, "window %d pipelines reads", window)
	}
}

func TestEngine_XXH3(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, data := randomDevice(t, dir, "src.img", 4*testBlockSize)
	dst := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dst, data, 0o600))
	mutateBlock(t, src, 0)

	cfg := localConfig(t, src, dst)
	cfg.Hash = checksum.XXH3
	result := Run(t.Context(), cfg)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Image.Records)

	hdr, err := iimg.ReadHeaderFile(result.Image.Path)
	require.NoError(t, err)
	assert.Equal(t, "xxh3", hdr.Hash)
	assert.Equal(t, 16, hdr.DigestSize)
}

func TestEngine_Events(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, data := randomDevice(t, dir, "src.img", 3*testBlockSize)
	dst := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dst, data, 0o600))
	mutateBlock(t, src, 1)

	events, collected := collectEvents(t)
	cfg := localConfig(t, src, dst)
	cfg.Events = events
	result := Run(t.Context(), cfg)
	require.NoError(t, result.Err)

	evs := collected()
	require.NotEmpty(t, evs)
	assert.Equal(t, event.RunStarted, evs[0].Type)
	assert.Equal(t, int64(3), evs[0].Total)
	assert.Equal(t, event.RunCompleted, evs[len(evs)-1].Type)
	require.NoError(t, evs[len(evs)-1].Error)

	pos := map[event.Type]int{}
	for i, ev := range evs {
		pos[ev.Type] = i
		switch ev.Type {
		case event.BlockChanged, event.BlockTransferred:
			assert.Equal(t, int64(1), ev.Index)
			assert.Equal(t, int64(testBlockSize), ev.Size)
		case event.BatchCompared:
			assert.Equal(t, int64(3), ev.Count)
		case event.ImageCommitted:
			assert.Equal(t, int64(1), ev.Count)
			assert.Equal(t, result.Image.Path, ev.Path)
		}
	}
	assert.Less(t, pos[event.BlockChanged], pos[event.BlockTransferred])
	assert.Less(t, pos[event.BlockTransferred], pos[event.ImageCommitted])
	assert.Less(t, pos[event.BatchCompared], pos[event.ImageCommitted])
}

func TestEngine_Pause(t *testing.T) {
	t.Parallel()
	src := newMemChannel(make([]byte, 3*testBlockSize))
	dst := newMemChannel(make([]byte, 3*testBlockSize))
	for i := range src.data {
		src.data[i] = 1
	}

	start := time.Now()
	result := Run(t.Context(), Config{
		Src: src, Dst: dst, SrcPath: "mem:src", DstPath: "mem:dst",
		BlockSize: testBlockSize, Pause: 30 * time.Millisecond,
	})
	require.NoError(t, result.Err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, []int64{0, 1, 2}, dst.writes)
	assert.Equal(t, src.data, dst.data)
	assert.True(t, src.finished)
	assert.True(t, dst.finished)
}

func TestEngine_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(src, dst *memChannel)
		wantErr   error
		wantFails int64
	}{
		{
			name:    "destination checksum stream ends early",
			setup:   func(_, dst *memChannel) { dst.sumLimit = 2 },
			wantErr: syncerr.ErrSizeMismatch,
		},
		{
			name:    "source checksum stream ends early",
			setup:   func(src, _ *memChannel) { src.sumLimit = 3 },
			wantErr: syncerr.ErrSizeMismatch,
		},
		{
			name:      "write rejected",
			setup:     func(_, dst *memChannel) { dst.writeErr = errors.New("disk full") },
			wantErr:   syncerr.ErrTransferFailed,
			wantFails: 1,
		},
		{
			name:      "source block shrank",
			setup:     func(src, _ *memChannel) { src.shortRead = 2 },
			wantErr:   syncerr.ErrShortRead,
			wantFails: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srcData := make([]byte, 4*testBlockSize)
			for i := range srcData {
				srcData[i] = byte(i)
			}
			src := newMemChannel(srcData)
			dst := newMemChannel(make([]byte, 4*testBlockSize))
			tt.setup(src, dst)

			result := Run(t.Context(), Config{
				Src: src, Dst: dst, SrcPath: "mem:src", DstPath: "mem:dst",
				BlockSize: testBlockSize, BatchSize: 2,
			})
			require.ErrorIs(t, result.Err, tt.wantErr)
			assert.Equal(t, tt.wantFails, result.Stats.BlocksFailed)
			assert.False(t, dst.finished, "a failed run must not finish the destination")
		})
	}
}

func TestEngine_SizeMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, _ := randomDevice(t, dir, "src.img", 4*testBlockSize)
	dst, _ := randomDevice(t, dir, "dst.img", 5*testBlockSize)

	result := Run(t.Context(), localConfig(t, src, dst))
	require.ErrorIs(t, result.Err, syncerr.ErrSizeMismatch)

	matches, err := filepath.Glob(dst + ".iimg[0-9]*")
	require.NoError(t, err)
	assert.Empty(t, matches, "no image may be started for a mismatched destination")
}

func TestEngine_OversizedCommentRejectedUpFront(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src, _ := randomDevice(t, dir, "src.img", 4*testBlockSize)
	dst, _ := randomDevice(t, dir, "dst.img", 4*testBlockSize)

	cfg := localConfig(t, src, dst)
	cfg.Comment = strings.Repeat("c", 70*1024)
	result := Run(t.Context(), cfg)
	require.ErrorIs(t, result.Err, syncerr.ErrFormat)

	matches, err := filepath.Glob(dst + ".iimg[0-9]*")
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The chain stays usable for the next run.
	result = Run(t.Context(), localConfig(t, src, dst))
	require.NoError(t, result.Err)
	assert.Equal(t, 0, result.Image.Sequence)
}

func TestEngine_MissingSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dst, _ := randomDevice(t, dir, "dst.img", testBlockSize)

	result := Run(t.Context(), localConfig(t, filepath.Join(dir, "nope"), dst))
	require.ErrorIs(t, result.Err, syncerr.ErrDeviceUnavailable)
}

func TestEngine_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	src := newMemChannel(make([]byte, 64*testBlockSize))
	for i := range src.data {
		src.data[i] = 0xff
	}
	dst := newMemChannel(make([]byte, 64*testBlockSize))

	events := make(chan event.Event, 4096)
	go func() {
		for ev := range events {
			if ev.Type == event.BlockTransferred {
				cancel()
			}
		}
	}()
	t.Cleanup(func() { close(events) })

	result := Run(ctx, Config{
		Src: src, Dst: dst, SrcPath: "mem:src", DstPath: "mem:dst",
		BlockSize: testBlockSize, Pause: 10 * time.Millisecond, Events: events,
	})
	require.ErrorIs(t, result.Err, context.Canceled)
	assert.Less(t, result.Stats.BlocksTransferred, int64(64))
	assert.False(t, dst.finished)
}
