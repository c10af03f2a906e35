// Package engine runs one sync: it compares the source and destination
// checksum streams block by block and sends every changed block from the
// source agent to the destination agent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/stats"
	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport"
	"github.com/bamsammich/iblocksync/internal/transport/proto"
)

// DefaultBatchSize is how many checksums are requested per round trip.
const DefaultBatchSize = 256

// Config describes a sync run. Src and Dst must be fresh channels; Run
// says Hello on both and Finishes both on success. The caller closes them.
type Config struct {
	Src transport.Channel
	Dst transport.Channel

	SrcPath string
	DstPath string
	Role    transport.Role

	BlockSize int
	Hash      checksum.Algorithm
	Comment   string

	// Pause is slept after every transferred block.
	Pause time.Duration
	// Window is how many source block reads may be in flight. Values
	// below 2 transfer one block at a time.
	Window int
	// BatchSize is the number of checksums pulled per request.
	BatchSize int
	// BWLimit caps transferred block bytes per second. Zero is unlimited.
	BWLimit int64

	Events chan<- event.Event
	Stats  *stats.Collector
}

// Result is the outcome of a sync run.
type Result struct {
	Stats stats.Snapshot
	RunID string
	// Image describes what the destination committed. Sequence is -1 in
	// mirror mode.
	Image transport.FinishInfo
	Err   error
}

type run struct {
	cfg     Config
	stats   *stats.Collector
	limiter *rate.Limiter
	size    int64
	blocks  int64
}

// Run executes a sync, blocking until complete.
func Run(ctx context.Context, cfg Config) Result {
	cfg = withDefaults(cfg)
	if err := blockdev.ValidateBlockSize(cfg.BlockSize); err != nil {
		return Result{Err: err}
	}
	if cfg.Role == transport.RoleIncremental {
		if err := iimg.ValidateComment(cfg.Comment); err != nil {
			return Result{Err: err}
		}
	}

	r := &run{cfg: cfg, stats: cfg.Stats}
	if cfg.BWLimit > 0 {
		r.limiter = NewBWLimiter(cfg.BWLimit)
	}
	runID := uuid.NewString()

	res := Result{RunID: runID, Image: transport.FinishInfo{Sequence: -1}}
	res.Image, res.Err = r.execute(ctx, runID)
	res.Stats = r.stats.Snapshot()

	if res.Err != nil {
		event.Emit(cfg.Events, event.Event{Type: event.RunCompleted, Path: cfg.DstPath, Error: res.Err})
		return res
	}
	event.Emit(cfg.Events, event.Event{Type: event.RunCompleted, Path: cfg.DstPath})
	return res
}

func withDefaults(cfg Config) Config {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = blockdev.DefaultBlockSize
	}
	if cfg.Hash == "" {
		cfg.Hash = checksum.Default
	}
	if cfg.Role == "" {
		cfg.Role = transport.RoleIncremental
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.BatchSize = min(cfg.BatchSize, proto.MaxChecksumBatch)
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	return cfg
}

func (r *run) execute(ctx context.Context, runID string) (transport.FinishInfo, error) {
	cfg := r.cfg
	none := transport.FinishInfo{Sequence: -1}

	src, err := cfg.Src.Hello(ctx, transport.HelloOpts{
		Role:      transport.RoleSource,
		Path:      cfg.SrcPath,
		Hash:      cfg.Hash,
		BlockSize: cfg.BlockSize,
	})
	if err != nil {
		return none, fmt.Errorf("source: %w", err)
	}

	dst, err := cfg.Dst.Hello(ctx, transport.HelloOpts{
		Role:        cfg.Role,
		Path:        cfg.DstPath,
		Hash:        cfg.Hash,
		BlockSize:   cfg.BlockSize,
		Comment:     cfg.Comment,
		SourcePath:  cfg.SrcPath,
		SourceBlkid: src.Blkid,
		RunID:       runID,
		SourceSize:  src.Size,
	})
	if err != nil {
		return none, fmt.Errorf("destination: %w", err)
	}

	if src.Size != dst.Size || src.BlockCount != dst.BlockCount {
		return none, fmt.Errorf("source %s is %d bytes (%d blocks), destination %s is %d bytes (%d blocks): %w",
			cfg.SrcPath, src.Size, src.BlockCount, cfg.DstPath, dst.Size, dst.BlockCount, syncerr.ErrSizeMismatch)
	}
	r.size = src.Size
	r.blocks = src.BlockCount

	slog.Debug("sync started", "source", cfg.SrcPath, "destination", cfg.DstPath,
		"role", cfg.Role, "size", r.size, "blocks", r.blocks, "sequence", dst.Sequence, "run_id", runID)
	r.stats.SetTotals(r.blocks, r.size)
	event.Emit(cfg.Events, event.Event{
		Type:      event.RunStarted,
		Path:      cfg.DstPath,
		Total:     r.blocks,
		TotalSize: r.size,
		Sequence:  dst.Sequence,
	})

	if err := r.sync(ctx); err != nil {
		return none, err
	}

	img, err := cfg.Dst.Finish(ctx)
	if err != nil {
		return none, fmt.Errorf("destination: %w", err)
	}
	if _, err := cfg.Src.Finish(ctx); err != nil {
		// The destination is already committed; a source that fails to
		// finish cleanly does not undo that.
		slog.Warn("source did not finish cleanly", "path", cfg.SrcPath, "error", err)
	}

	if img.Sequence >= 0 {
		slog.Debug("image committed", "path", img.Path, "sequence", img.Sequence, "records", img.Records)
		event.Emit(cfg.Events, event.Event{
			Type:     event.ImageCommitted,
			Path:     img.Path,
			Count:    img.Records,
			Sequence: img.Sequence,
		})
	}
	return img, nil
}

// sync runs the diff and transfer stages concurrently. The two checksum
// fetchers run independently so neither agent waits on the other.
func (r *run) sync(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srcSums := make(chan batch, 2)
	dstSums := make(chan batch, 2)
	changed := make(chan int64, r.cfg.BatchSize)

	g.Go(func() error { return r.fetchChecksums(gctx, r.cfg.Src, "source", srcSums) })
	g.Go(func() error { return r.fetchChecksums(gctx, r.cfg.Dst, "destination", dstSums) })
	g.Go(func() error {
		defer close(changed)
		return r.compare(gctx, srcSums, dstSums, changed)
	})
	g.Go(func() error {
		if r.cfg.Window > 1 {
			return r.transferPipelined(gctx, changed)
		}
		return r.transferSerial(gctx, changed)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync interrupted: %w", ctx.Err())
	}
	return err
}
