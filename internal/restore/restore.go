// Package restore rebuilds the state of a destination as of one sync run
// by replaying its image chain onto the base copy.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// Options describes a restore.
type Options struct {
	// Image is the last image to apply, <base>.iimgNNN. Its sequence
	// number selects images 0..NNN; the base copy is the unsuffixed path.
	Image string
	// Output receives the reconstructed device. It may be a regular file
	// or an existing block device.
	Output string
	// Force overwrites an existing Output instead of failing with
	// ErrOutputExists.
	Force bool
	// Verify checks each record's payload against its stored digest
	// before applying it.
	Verify bool
	// Progress, if set, is called after the base copy and after each
	// applied image with the bytes written so far.
	Progress func(written int64)
}

// Result summarizes a restore.
type Result struct {
	Base     string
	Sequence int
	Size     int64
	Records  int64
	Bytes    int64 // payload bytes replayed from images
}

// Plan is the validated chain a restore will replay.
type Plan struct {
	Base      string
	Images    []string
	Headers   []iimg.Header
	BlockSize int
	Size      int64
}

// Prepare locates and validates the base copy and images 0..N named by
// image, without touching any output.
func Prepare(image string) (Plan, error) {
	base, seq, err := iimg.ParsePath(image)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{Base: base}
	for i := 0; i <= seq; i++ {
		path := iimg.Path(base, i)
		hdr, err := iimg.ReadHeaderFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return Plan{}, fmt.Errorf("increment %03d (%s) not found: %w", i, path, syncerr.ErrMissingIncrement)
		}
		if err != nil {
			return Plan{}, err
		}

		if i == 0 {
			p.BlockSize = hdr.BlockSize
			p.Size = hdr.DeviceSize
		}
		if hdr.BlockSize != p.BlockSize {
			return Plan{}, fmt.Errorf("%s: block size %d does not match %d in %s: %w",
				path, hdr.BlockSize, p.BlockSize, iimg.Path(base, 0), syncerr.ErrFormat)
		}
		if hdr.DeviceSize != p.Size {
			return Plan{}, fmt.Errorf("%s: device size %d does not match %d in %s: %w",
				path, hdr.DeviceSize, p.Size, iimg.Path(base, 0), syncerr.ErrSizeMismatch)
		}
		p.Images = append(p.Images, path)
		p.Headers = append(p.Headers, hdr)
	}

	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return Plan{}, fmt.Errorf("base copy %s not found: %w", base, syncerr.ErrMissingBase)
	}
	return p, nil
}

// Sequence returns the number of the last image in the plan.
func (p Plan) Sequence() int { return len(p.Images) - 1 }

// Run reconstructs the destination as of opts.Image into opts.Output.
func Run(ctx context.Context, opts Options) (Result, error) {
	plan, err := Prepare(opts.Image)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, plan, opts)
}

// Apply writes the base copy of plan to opts.Output and replays every
// image in order. opts.Image is ignored.
func Apply(ctx context.Context, plan Plan, opts Options) (res Result, err error) {
	res = Result{Base: plan.Base, Sequence: plan.Sequence(), Size: plan.Size}

	base, err := blockdev.Open(plan.Base, plan.BlockSize)
	if err != nil {
		return res, fmt.Errorf("base copy: %w", err)
	}
	defer base.Close()
	if base.Size() != plan.Size {
		return res, fmt.Errorf("base copy %s is %d bytes, images record %d: %w",
			plan.Base, base.Size(), plan.Size, syncerr.ErrSizeMismatch)
	}

	out, created, err := openOutput(opts.Output, opts.Force, plan)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", opts.Output, cerr)
		}
		if err != nil && created {
			os.Remove(opts.Output)
		}
	}()

	if err := copyBase(ctx, base, out); err != nil {
		return res, fmt.Errorf("copy base %s to %s: %w", plan.Base, opts.Output, err)
	}
	slog.Debug("base copied", "base", plan.Base, "output", opts.Output, "size", plan.Size)
	if opts.Progress != nil {
		opts.Progress(plan.Size)
	}

	for seq, path := range plan.Images {
		records, payload, err := replay(ctx, path, out, opts.Verify)
		if err != nil {
			return res, err
		}
		res.Records += records
		res.Bytes += payload
		slog.Debug("image applied", "path", path, "sequence", seq, "records", records)
		if opts.Progress != nil {
			opts.Progress(plan.Size + res.Bytes)
		}
	}

	if err := out.Sync(); err != nil {
		return res, fmt.Errorf("sync %s: %w", opts.Output, err)
	}
	return res, nil
}

// openOutput opens the restore target. Regular files are truncated and
// preallocated to the device size; block devices are written in place and
// must be large enough.
func openOutput(path string, force bool, plan Plan) (f *os.File, created bool, err error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, false, fmt.Errorf("create %s: %w", path, err)
		}
		blockdev.Preallocate(f, plan.Size)
		return f, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	case !force:
		return nil, false, fmt.Errorf("%s: %w", path, syncerr.ErrOutputExists)
	}

	if err := refuseChainMember(info, plan); err != nil {
		return nil, false, err
	}

	if info.Mode()&fs.ModeDevice != 0 {
		f, err = os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return nil, false, fmt.Errorf("open %s: %w: %w", path, syncerr.ErrDeviceUnavailable, err)
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil || size < plan.Size {
			f.Close()
			return nil, false, fmt.Errorf("%s holds %d bytes, need %d: %w", path, size, plan.Size, syncerr.ErrSizeMismatch)
		}
		return f, false, nil
	}

	f, err = os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	blockdev.Preallocate(f, plan.Size)
	return f, false, nil
}

// refuseChainMember rejects an output that is the base copy or one of the
// images being read.
func refuseChainMember(out fs.FileInfo, plan Plan) error {
	for _, p := range append([]string{plan.Base}, plan.Images...) {
		if info, err := os.Stat(p); err == nil && os.SameFile(out, info) {
			return fmt.Errorf("output is %s, which the restore reads from", p)
		}
	}
	return nil
}

func copyBase(ctx context.Context, base *blockdev.Device, out *os.File) error {
	var buf []byte
	for i := range base.BlockCount() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		buf, err = base.ReadBlock(i, buf)
		if err != nil {
			return err
		}
		offset, _ := blockdev.BlockRange(i, base.BlockSize(), base.Size())
		if _, err := out.WriteAt(buf, offset); err != nil {
			return err
		}
	}
	return nil
}

// replay writes every record of the image at path onto out in file order.
func replay(ctx context.Context, path string, out io.WriterAt, verify bool) (records, payload int64, err error) {
	r, err := iimg.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	alg, err := r.Header().Algorithm()
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w: %w", path, syncerr.ErrFormat, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return records, payload, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, payload, nil
		}
		if err != nil {
			return records, payload, err
		}
		if verify && !bytes.Equal(alg.Sum(rec.Data), rec.Digest) {
			return records, payload, fmt.Errorf("%s: record for block %d fails its digest: %w",
				path, rec.Index(r.Header().BlockSize), syncerr.ErrFormat)
		}
		if _, err := out.WriteAt(rec.Data, rec.Offset); err != nil {
			return records, payload, fmt.Errorf("apply block %d from %s: %w", rec.Index(r.Header().BlockSize), path, err)
		}
		records++
		payload += int64(rec.Length)
	}
}
