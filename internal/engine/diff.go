package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport"
)

// batch is a run of consecutive block digests starting at start.
type batch struct {
	digests [][]byte
	start   int64
}

// fetchChecksums pulls every digest of ch in ascending batches and sends
// them on out. The channel is never closed; compare counts blocks instead,
// so a failed fetcher surfaces through the errgroup and not as a short
// stream.
func (r *run) fetchChecksums(ctx context.Context, ch transport.Channel, side string, out chan<- batch) error {
	for start := int64(0); start < r.blocks; {
		want := int(min(int64(r.cfg.BatchSize), r.blocks-start))
		sums, err := ch.Checksums(ctx, start, want)
		if err != nil {
			return fmt.Errorf("%s checksums: %w", side, err)
		}
		if len(sums) < want {
			return fmt.Errorf("%s checksum stream ended at block %d of %d: %w",
				side, start+int64(len(sums)), r.blocks, syncerr.ErrSizeMismatch)
		}

		select {
		case out <- batch{start: start, digests: sums}:
		case <-ctx.Done():
			return ctx.Err()
		}
		start += int64(want)
	}
	return nil
}

// compare walks both checksum streams in lock-step and sends the index of
// every block whose digests differ, in ascending order.
func (r *run) compare(ctx context.Context, srcSums, dstSums <-chan batch, changed chan<- int64) error {
	for next := int64(0); next < r.blocks; {
		var s, d batch
		select {
		case s = <-srcSums:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case d = <-dstSums:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.start != next || d.start != next || len(s.digests) != len(d.digests) {
			return fmt.Errorf("checksum batches out of step at block %d (source %d+%d, destination %d+%d)",
				next, s.start, len(s.digests), d.start, len(d.digests))
		}

		var same, diff int64
		for i := range s.digests {
			index := s.start + int64(i)
			if bytes.Equal(s.digests[i], d.digests[i]) {
				same++
				continue
			}
			diff++
			_, length := blockdev.BlockRange(index, r.cfg.BlockSize, r.size)
			event.Emit(r.cfg.Events, event.Event{
				Type:  event.BlockChanged,
				Path:  r.cfg.DstPath,
				Index: index,
				Size:  int64(length),
			})
			select {
			case changed <- index:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n := int64(len(s.digests))
		span := r.span(s.start, n)
		r.stats.AddCompared(n, span)
		r.stats.AddSame(same)
		r.stats.AddChanged(diff)
		event.Emit(r.cfg.Events, event.Event{
			Type:  event.BatchCompared,
			Path:  r.cfg.DstPath,
			Index: s.start,
			Count: n,
			Size:  span,
		})
		next += n
	}
	return nil
}

// span returns the bytes covered by n blocks starting at start.
func (r *run) span(start, n int64) int64 {
	bs := int64(r.cfg.BlockSize)
	return min(r.size, (start+n)*bs) - start*bs
}
