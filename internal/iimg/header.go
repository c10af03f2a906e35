// Package iimg reads and writes incremental image files.
//
// An image records the blocks that changed during one sync run. The file
// starts with a single JSON header line followed by zero or more binary
// records, each holding one block:
//
//	offset  uint64 little-endian  byte offset of the block on the device
//	length  uint32 little-endian  payload length (blocksize, or less for the tail)
//	digest  [digest_size]byte     block digest using the header's hash
//	payload [length]byte          block content at sync time
//
// Images are named <destination>.iimgNNN; the unsuffixed destination is the
// base copy the chain is replayed onto.
package iimg

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

const (
	// FormatName identifies image files in the header.
	FormatName = "iimg"
	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 1

	// RecordHeaderSize is the fixed part of a record before the digest.
	RecordHeaderSize = 8 + 4

	// MaxComment bounds the free-text comment so the header line always
	// fits the reader's buffer.
	MaxComment = 4 * 1024

	maxHeaderLine = 64 * 1024

	layoutDescription = "<JSON header>\\n [<offset uint64 LE> <length uint32 LE> <digest> <payload>]..."
)

// Header is the metadata line at the top of every image.
type Header struct {
	Created     time.Time `json:"created"`
	Format      string    `json:"format"`
	Comment     string    `json:"comment"`
	Hash        string    `json:"hash"`
	RunID       string    `json:"run_id,omitempty"`
	SourcePath  string    `json:"source_path,omitempty"`
	SourceBlkid string    `json:"source_blkid,omitempty"`
	Layout      string    `json:"layout"`
	DeviceSize  int64     `json:"device_size"`
	BlockCount  int64     `json:"block_count"`
	Version     int       `json:"version"`
	BlockSize   int       `json:"block_size"`
	DigestSize  int       `json:"digest_size"`
	Sequence    int       `json:"sequence"`
}

// Algorithm returns the digest algorithm named in the header.
func (h Header) Algorithm() (checksum.Algorithm, error) {
	return checksum.Parse(h.Hash)
}

// Validate checks the fields a reader depends on.
func (h Header) Validate() error {
	if h.Format != FormatName {
		return fmt.Errorf("format %q is not %q: %w", h.Format, FormatName, syncerr.ErrFormat)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("unsupported image version %d: %w", h.Version, syncerr.ErrFormat)
	}
	if h.BlockSize <= 0 {
		return fmt.Errorf("non-positive block size %d: %w", h.BlockSize, syncerr.ErrFormat)
	}
	if h.DeviceSize < 0 {
		return fmt.Errorf("negative device size %d: %w", h.DeviceSize, syncerr.ErrFormat)
	}
	alg, err := h.Algorithm()
	if err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrFormat, err)
	}
	if h.DigestSize != alg.Size() {
		return fmt.Errorf("digest size %d does not match %s: %w", h.DigestSize, alg, syncerr.ErrFormat)
	}
	return nil
}

// ValidateComment rejects comments too long to store in a header.
func ValidateComment(comment string) error {
	if len(comment) > MaxComment {
		return fmt.Errorf("comment is %d bytes, limit %d: %w", len(comment), MaxComment, syncerr.ErrFormat)
	}
	return nil
}

// MarshalLine encodes the header as a single JSON line including the
// trailing newline. Lines a reader could not load back are refused.
func (h Header) MarshalLine() ([]byte, error) {
	if h.Format == "" {
		h.Format = FormatName
	}
	if h.Version == 0 {
		h.Version = FormatVersion
	}
	if h.Layout == "" {
		h.Layout = layoutDescription
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode image header: %w", err)
	}
	if len(line)+1 > maxHeaderLine {
		return nil, fmt.Errorf("image header is %d bytes, limit %d: %w", len(line)+1, maxHeaderLine, syncerr.ErrFormat)
	}
	return append(line, '\n'), nil
}

// ReadHeader reads and validates the header line from r. The reader is left
// positioned at the first record.
func ReadHeader(r *bufio.Reader) (Header, int, error) {
	line, err := r.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return Header{}, 0, fmt.Errorf("header line longer than %d bytes: %w", r.Size(), syncerr.ErrFormat)
	case errors.Is(err, io.EOF) && len(line) == 0:
		return Header{}, 0, fmt.Errorf("empty file: %w", syncerr.ErrFormat)
	case errors.Is(err, io.EOF):
		return Header{}, 0, fmt.Errorf("header line not terminated: %w", syncerr.ErrFormat)
	case err != nil:
		return Header{}, 0, fmt.Errorf("read header: %w", err)
	}

	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return Header{}, 0, fmt.Errorf("parse header %q: %w: %w", sanitize(line, 300), syncerr.ErrFormat, err)
	}
	if err := h.Validate(); err != nil {
		return Header{}, 0, err
	}
	return h, len(line), nil
}

// sanitize keeps printable ASCII and trims to max bytes for error messages.
func sanitize(b []byte, limit int) string {
	out := make([]byte, 0, min(len(b), limit))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		return string(out[:limit-3]) + "..."
	}
	return string(out)
}
