package iimg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// Overlay is the effective content of a destination: the base copy with
// every committed image replayed on top. Blocks are served from the newest
// record that holds them, falling back to the base.
type Overlay struct {
	base   *blockdev.Device
	alg    checksum.Algorithm
	images []*Reader
	latest map[int64]overlayRef
}

type overlayRef struct {
	rec Record
	img int
}

// OpenOverlay opens the base copy at path and indexes images 0..N-1. Every
// image must match blockSize and the base size.
func OpenOverlay(path string, blockSize int, alg checksum.Algorithm) (*Overlay, error) {
	base, err := blockdev.Open(path, blockSize)
	if err != nil {
		return nil, err
	}

	o := &Overlay{base: base, alg: alg, latest: make(map[int64]overlayRef)}
	seqs, err := Sequences(path)
	if err != nil {
		o.Close()
		return nil, err
	}
	if err := Contiguous(path, seqs); err != nil {
		o.Close()
		return nil, err
	}

	for _, seq := range seqs {
		if err := o.index(Path(path, seq)); err != nil {
			o.Close()
			return nil, err
		}
	}
	return o, nil
}

func (o *Overlay) index(path string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	o.images = append(o.images, r)

	hdr := r.Header()
	if hdr.BlockSize != o.base.BlockSize() {
		return fmt.Errorf("%s: block size %d, this run uses %d: %w",
			path, hdr.BlockSize, o.base.BlockSize(), syncerr.ErrFormat)
	}
	if hdr.DeviceSize != o.base.Size() {
		return fmt.Errorf("%s: device size %d, base copy is %d: %w",
			path, hdr.DeviceSize, o.base.Size(), syncerr.ErrSizeMismatch)
	}

	img := len(o.images) - 1
	for {
		rec, err := r.NextMeta()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		o.latest[rec.Index(hdr.BlockSize)] = overlayRef{img: img, rec: rec}
	}
}

// Size returns the device size.
func (o *Overlay) Size() int64 { return o.base.Size() }

// BlockCount returns the number of blocks.
func (o *Overlay) BlockCount() int64 { return o.base.BlockCount() }

// Images returns the number of images replayed on the base.
func (o *Overlay) Images() int { return len(o.images) }

// Changed returns the number of distinct blocks the images override.
func (o *Overlay) Changed() int { return len(o.latest) }

// ReadBlock returns the effective content of block index, using buf as
// scratch space.
func (o *Overlay) ReadBlock(index int64, buf []byte) ([]byte, error) {
	ref, ok := o.latest[index]
	if !ok {
		return o.base.ReadBlock(index, buf)
	}
	return o.images[ref.img].ReadPayload(ref.rec, buf)
}

// Checksum returns the digest of the effective content of block index.
// A record written with the overlay's algorithm supplies its stored digest;
// anything else is hashed.
func (o *Overlay) Checksum(index int64, buf []byte) ([]byte, error) {
	ref, ok := o.latest[index]
	if ok && o.images[ref.img].Header().Hash == o.alg.String() {
		return bytes.Clone(ref.rec.Digest), nil
	}
	data, err := o.ReadBlock(index, buf)
	if err != nil {
		return nil, err
	}
	return o.alg.Sum(data), nil
}

func (o *Overlay) Close() error {
	var errs []error
	for _, r := range o.images {
		errs = append(errs, r.Close())
	}
	errs = append(errs, o.base.Close())
	return errors.Join(errs...)
}
