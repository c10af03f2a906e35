// Package blockdev presents a block device or flat file as an ordered,
// finite sequence of fixed-size blocks.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/iblocksync/internal/syncerr"
)

// DefaultBlockSize is 1 MiB.
const DefaultBlockSize = 1024 * 1024

// MaxBlockSize bounds a single block so it fits in one protocol frame.
const MaxBlockSize = 32 * 1024 * 1024

// BlockCount returns ceil(size / blockSize).
func BlockCount(size int64, blockSize int) int64 {
	if size <= 0 {
		return 0
	}
	bs := int64(blockSize)
	return (size + bs - 1) / bs
}

// BlockRange returns the byte offset and length of block index on a device
// of the given size. The final block may be shorter than blockSize.
func BlockRange(index int64, blockSize int, size int64) (offset int64, length int) {
	offset = index * int64(blockSize)
	remaining := size - offset
	if remaining <= 0 {
		return offset, 0
	}
	if remaining < int64(blockSize) {
		return offset, int(remaining)
	}
	return offset, blockSize
}

// ValidateBlockSize rejects block sizes the engine cannot carry.
func ValidateBlockSize(blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if blockSize > MaxBlockSize {
		return fmt.Errorf("block size %d exceeds maximum %d", blockSize, MaxBlockSize)
	}
	return nil
}

// Device is an open block device or file.
type Device struct {
	f         *os.File
	path      string
	size      int64
	blockSize int
	writable  bool
}

// Open opens path read-only.
func Open(path string, blockSize int) (*Device, error) {
	return open(path, blockSize, os.O_RDONLY)
}

// OpenWritable opens path for in-place block writes. The device must already
// exist; its size is never changed.
func OpenWritable(path string, blockSize int) (*Device, error) {
	return open(path, blockSize, os.O_RDWR)
}

func open(path string, blockSize, flag int) (*Device, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, syncerr.ErrDeviceUnavailable, err)
	}

	// Seeking to the end works for regular files and block devices alike.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size of %s: %w: %w", path, syncerr.ErrDeviceUnavailable, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind %s: %w: %w", path, syncerr.ErrDeviceUnavailable, err)
	}

	return &Device{
		f:         f,
		path:      path,
		size:      size,
		blockSize: blockSize,
		writable:  flag&os.O_RDWR != 0,
	}, nil
}

func (d *Device) Path() string      { return d.path }
func (d *Device) Size() int64       { return d.size }
func (d *Device) BlockSize() int    { return d.blockSize }
func (d *Device) BlockCount() int64 { return BlockCount(d.size, d.blockSize) }

// ReadBlock reads block index into buf (grown if needed) and returns the
// filled slice. A block that comes back shorter than the recorded size
// allows fails with ErrShortRead.
func (d *Device) ReadBlock(index int64, buf []byte) ([]byte, error) {
	if index < 0 || index >= d.BlockCount() {
		return nil, fmt.Errorf("block %d out of range [0, %d) on %s", index, d.BlockCount(), d.path)
	}

	offset, length := BlockRange(index, d.blockSize, d.size)
	if cap(buf) < length {
		buf = make([]byte, length)
	}
	buf = buf[:length]

	n, err := d.f.ReadAt(buf, offset)
	if n < length {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("block %d of %s: got %d of %d bytes: %w",
				index, d.path, n, length, syncerr.ErrShortRead)
		}
		return nil, fmt.Errorf("read block %d of %s: %w", index, d.path, err)
	}
	return buf, nil
}

// WriteBlock writes data at the offset of block index. data must be exactly
// the length of that block.
func (d *Device) WriteBlock(index int64, data []byte) error {
	if !d.writable {
		return fmt.Errorf("%s opened read-only", d.path)
	}
	if index < 0 || index >= d.BlockCount() {
		return fmt.Errorf("block %d out of range [0, %d) on %s", index, d.BlockCount(), d.path)
	}

	offset, length := BlockRange(index, d.blockSize, d.size)
	if len(data) != length {
		return fmt.Errorf("block %d of %s: payload is %d bytes, want %d: %w",
			index, d.path, len(data), length, syncerr.ErrSizeMismatch)
	}

	n, err := d.f.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("write block %d of %s: %w: %w", index, d.path, syncerr.ErrTransferFailed, err)
	}
	if n != length {
		return fmt.Errorf("write block %d of %s: wrote %d of %d bytes: %w",
			index, d.path, n, length, syncerr.ErrTransferFailed)
	}
	return nil
}

// Sync flushes written blocks to stable storage.
func (d *Device) Sync() error {
	return d.f.Sync()
}

func (d *Device) Close() error {
	return d.f.Close()
}
