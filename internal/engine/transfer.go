package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// fetched is a source block read, possibly still in flight.
type fetched struct {
	err   error
	data  []byte
	index int64
}

// transferSerial fetches and stores one changed block at a time.
func (r *run) transferSerial(ctx context.Context, changed <-chan int64) error {
	for {
		index, ok, err := receive(ctx, changed)
		if err != nil || !ok {
			return err
		}
		data, err := r.fetch(ctx, index)
		if err != nil {
			return err
		}
		if err := r.store(ctx, index, data); err != nil {
			return err
		}
	}
}

// transferPipelined keeps up to Window source reads in flight. Results are
// consumed in the order they were requested, so destination writes stay
// sequential and ascending. A slot is held from the start of a read until
// its block is stored, which also bounds buffered payloads to Window.
func (r *run) transferPipelined(ctx context.Context, changed <-chan int64) error {
	g, ctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, r.cfg.Window)
	pending := make(chan chan fetched, r.cfg.Window)

	g.Go(func() error {
		defer close(pending)
		for {
			index, ok, err := receive(ctx, changed)
			if err != nil || !ok {
				return err
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			result := make(chan fetched, 1)
			pending <- result // never blocks: len(pending) <= len(slots)
			go func() {
				data, err := r.fetch(ctx, index)
				result <- fetched{index: index, data: data, err: err}
			}()
		}
	})

	g.Go(func() error {
		for result := range pending {
			var f fetched
			select {
			case f = <-result:
			case <-ctx.Done():
				return ctx.Err()
			}
			if f.err != nil {
				return f.err
			}
			if err := r.store(ctx, f.index, f.data); err != nil {
				return err
			}
			<-slots
		}
		return nil
	})

	return g.Wait()
}

func receive(ctx context.Context, ch <-chan int64) (int64, bool, error) {
	select {
	case index, ok := <-ch:
		return index, ok, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// fetch reads a changed block from the source agent.
func (r *run) fetch(ctx context.Context, index int64) ([]byte, error) {
	data, err := r.cfg.Src.ReadBlock(ctx, index)
	if err != nil {
		r.fail(index, err)
		return nil, fmt.Errorf("source block %d: %w", index, err)
	}
	if _, length := blockdev.BlockRange(index, r.cfg.BlockSize, r.size); len(data) != length {
		err := fmt.Errorf("source block %d of %s: got %d of %d bytes: %w",
			index, r.cfg.SrcPath, len(data), length, syncerr.ErrShortRead)
		r.fail(index, err)
		return nil, err
	}
	return data, nil
}

// store writes a fetched block through the destination agent, then honors
// the bandwidth limit and the inter-block pause.
func (r *run) store(ctx context.Context, index int64, data []byte) error {
	if err := throttle(ctx, r.limiter, len(data)); err != nil {
		return err
	}

	digest := r.cfg.Hash.Sum(data)
	if err := r.cfg.Dst.WriteBlock(ctx, index, digest, data); err != nil {
		if !errors.Is(err, syncerr.ErrTransferFailed) {
			err = fmt.Errorf("%w: %w", syncerr.ErrTransferFailed, err)
		}
		r.fail(index, err)
		return fmt.Errorf("block %d of %s: %w", index, r.cfg.DstPath, err)
	}

	r.stats.AddTransferred(int64(len(data)))
	slog.Debug("block transferred", "index", index, "bytes", len(data), "path", r.cfg.DstPath)
	event.Emit(r.cfg.Events, event.Event{
		Type:  event.BlockTransferred,
		Path:  r.cfg.DstPath,
		Index: index,
		Size:  int64(len(data)),
	})

	if r.cfg.Pause > 0 {
		timer := time.NewTimer(r.cfg.Pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *run) fail(index int64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.stats.AddFailed(1)
	event.Emit(r.cfg.Events, event.Event{
		Type:  event.BlockFailed,
		Path:  r.cfg.DstPath,
		Index: index,
		Error: err,
	})
}
