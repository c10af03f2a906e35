package iimg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// Record is one block stored in an image.
type Record struct {
	Digest []byte
	Data   []byte // nil when read with NextMeta

	Offset int64
	// Pos is the file offset of the payload within the image.
	Pos    int64
	Length int
}

// Index returns the block index of the record.
func (r Record) Index(blockSize int) int64 {
	return r.Offset / int64(blockSize)
}

// Reader iterates the records of an image in file order.
type Reader struct {
	f    *os.File
	br   *bufio.Reader
	path string
	hdr  Header
	pos  int64
	rec  [RecordHeaderSize]byte
}

// Open opens an image and parses its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}

	br := bufio.NewReaderSize(f, maxHeaderLine)
	hdr, n, err := ReadHeader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Reader{f: f, br: br, path: path, hdr: hdr, pos: int64(n)}, nil
}

// ReadHeaderFile returns the header of the image at path.
func ReadHeaderFile(path string) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()
	return r.Header(), nil
}

func (r *Reader) Header() Header { return r.hdr }
func (r *Reader) Path() string   { return r.path }

// Next returns the next record including its payload, or io.EOF after the
// last record.
func (r *Reader) Next() (Record, error) {
	rec, err := r.next()
	if err != nil {
		return Record{}, err
	}
	rec.Data = make([]byte, rec.Length)
	if _, err := io.ReadFull(r.br, rec.Data); err != nil {
		return Record{}, r.truncated(err)
	}
	r.pos += int64(rec.Length)
	return rec, nil
}

// NextMeta returns the next record without reading its payload. Use
// ReadPayload to fetch the payload later.
func (r *Reader) NextMeta() (Record, error) {
	rec, err := r.next()
	if err != nil {
		return Record{}, err
	}
	if _, err := r.br.Discard(rec.Length); err != nil {
		return Record{}, r.truncated(err)
	}
	r.pos += int64(rec.Length)
	return rec, nil
}

// ReadPayload reads the payload of rec into buf (grown if needed).
// It is safe to call concurrently with itself but not with Next.
func (r *Reader) ReadPayload(rec Record, buf []byte) ([]byte, error) {
	if cap(buf) < rec.Length {
		buf = make([]byte, rec.Length)
	}
	buf = buf[:rec.Length]
	if _, err := r.f.ReadAt(buf, rec.Pos); err != nil {
		return nil, fmt.Errorf("read payload at %d of %s: %w", rec.Pos, r.path, r.truncated(err))
	}
	return buf, nil
}

func (r *Reader) next() (Record, error) {
	n, err := io.ReadFull(r.br, r.rec[:])
	if errors.Is(err, io.EOF) && n == 0 {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, r.truncated(err)
	}

	rec := Record{
		Offset: int64(binary.LittleEndian.Uint64(r.rec[0:8])), //nolint:gosec // G115: validated below
		Length: int(binary.LittleEndian.Uint32(r.rec[8:12])),
		Digest: make([]byte, r.hdr.DigestSize),
	}
	if _, err := io.ReadFull(r.br, rec.Digest); err != nil {
		return Record{}, r.truncated(err)
	}
	r.pos += int64(RecordHeaderSize + r.hdr.DigestSize)
	rec.Pos = r.pos

	if err := r.validate(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Reader) validate(rec Record) error {
	bs := int64(r.hdr.BlockSize)
	switch {
	case rec.Offset < 0 || rec.Offset%bs != 0:
		return fmt.Errorf("%s: record offset %d not aligned to block size %d: %w",
			r.path, rec.Offset, bs, syncerr.ErrFormat)
	case rec.Offset >= r.hdr.DeviceSize:
		return fmt.Errorf("%s: record at offset %d lies past device size %d: %w",
			r.path, rec.Offset, r.hdr.DeviceSize, syncerr.ErrFormat)
	}
	// Only the tail block of an unaligned device may be short.
	if want := min(bs, r.hdr.DeviceSize-rec.Offset); int64(rec.Length) != want {
		return fmt.Errorf("%s: record at offset %d has length %d, want %d: %w",
			r.path, rec.Offset, rec.Length, want, syncerr.ErrFormat)
	}
	return nil
}

func (r *Reader) truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: truncated record: %w", r.path, syncerr.ErrFormat)
	}
	return err
}

func (r *Reader) Close() error {
	return r.f.Close()
}
