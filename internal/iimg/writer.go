package iimg

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// PartialSuffix marks an image that is still being written.
const PartialSuffix = ".partial"

// Writer appends block records to a new image. Records land in
// <path>.partial and become visible under path only on Commit.
type Writer struct {
	f       *os.File
	bw      *bufio.Writer
	path    string
	hdr     Header
	records int64
	payload int64
	last    int64
	rec     [RecordHeaderSize]byte
}

// Create starts a new image at path, writing the header immediately. A
// stale partial file from an aborted run is overwritten; callers serialize
// runs per destination with Lock.
func Create(path string, hdr Header) (*Writer, error) {
	if hdr.Format == "" {
		hdr.Format = FormatName
	}
	if hdr.Version == 0 {
		hdr.Version = FormatVersion
	}
	if hdr.Layout == "" {
		hdr.Layout = layoutDescription
	}
	if hdr.Created.IsZero() {
		hdr.Created = time.Now().UTC()
	}
	alg, err := checksum.Parse(hdr.Hash)
	if err != nil {
		return nil, err
	}
	hdr.Hash = alg.String()
	if hdr.DigestSize == 0 {
		hdr.DigestSize = alg.Size()
	}
	if hdr.BlockSize > 0 && hdr.BlockCount == 0 {
		hdr.BlockCount = (hdr.DeviceSize + int64(hdr.BlockSize) - 1) / int64(hdr.BlockSize)
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateComment(hdr.Comment); err != nil {
		return nil, err
	}

	line, err := hdr.MarshalLine()
	if err != nil {
		return nil, err
	}

	partial := path + PartialSuffix
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", partial, err)
	}

	w := &Writer{
		f:    f,
		bw:   bufio.NewWriterSize(f, 1024*1024),
		path: path,
		hdr:  hdr,
		last: -1,
	}
	if _, err := w.bw.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header to %s: %w", partial, err)
	}
	return w, nil
}

// Path returns the final path of the image.
func (w *Writer) Path() string { return w.path }

// Header returns the header written at the top of the image.
func (w *Writer) Header() Header { return w.hdr }

// Records returns the number of records appended so far.
func (w *Writer) Records() int64 { return w.records }

// PayloadBytes returns the sum of appended payload lengths.
func (w *Writer) PayloadBytes() int64 { return w.payload }

// Append records the content of block index. Blocks must be appended in
// strictly ascending index order.
func (w *Writer) Append(index int64, digest, payload []byte) error {
	if index <= w.last {
		return fmt.Errorf("block %d appended after block %d to %s", index, w.last, w.path)
	}
	if index >= w.hdr.BlockCount {
		return fmt.Errorf("block %d beyond block count %d of %s: %w",
			index, w.hdr.BlockCount, w.path, syncerr.ErrSizeMismatch)
	}
	if len(digest) != w.hdr.DigestSize {
		return fmt.Errorf("digest of block %d is %d bytes, want %d", index, len(digest), w.hdr.DigestSize)
	}
	offset := index * int64(w.hdr.BlockSize)
	want := min(int64(w.hdr.BlockSize), w.hdr.DeviceSize-offset)
	if int64(len(payload)) != want {
		return fmt.Errorf("block %d payload is %d bytes, want %d: %w",
			index, len(payload), want, syncerr.ErrSizeMismatch)
	}

	binary.LittleEndian.PutUint64(w.rec[0:8], uint64(offset))        //nolint:gosec // G115: offset is non-negative
	binary.LittleEndian.PutUint32(w.rec[8:12], uint32(len(payload))) //nolint:gosec // G115: bounded by block size
	for _, b := range [][]byte{w.rec[:], digest, payload} {
		if _, err := w.bw.Write(b); err != nil {
			return fmt.Errorf("append block %d to %s: %w: %w", index, w.path, syncerr.ErrTransferFailed, err)
		}
	}

	w.last = index
	w.records++
	w.payload += int64(len(payload))
	return nil
}

// Commit flushes the image to stable storage and renames it into place.
func (w *Writer) Commit() error {
	partial := w.path + PartialSuffix
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush %s: %w", partial, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync %s: %w", partial, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, w.path); err != nil {
		return fmt.Errorf("commit image %s: %w", w.path, err)
	}
	syncDir(filepath.Dir(w.path))
	return nil
}

// Abort closes the image without committing it. The partial file is left
// behind; the next run overwrites it.
func (w *Writer) Abort() error {
	w.bw.Flush() //nolint:errcheck // best-effort; the partial file is never read
	return w.f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync() //nolint:errcheck // directory fsync is advisory on some filesystems
	d.Close()
}
