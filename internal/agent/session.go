package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bamsammich/iblocksync/internal/blockdev"
	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport/proto"
)

func openSession(req proto.HelloReq) (session, error) {
	if err := blockdev.ValidateBlockSize(req.BlockSize); err != nil {
		return nil, err
	}
	alg, err := checksum.Parse(req.Hash)
	if err != nil {
		return nil, err
	}

	switch req.Role {
	case proto.RoleSource:
		return openSource(req, alg)
	case proto.RoleMirror:
		return openMirror(req, alg)
	case proto.RoleIncremental:
		return openIncremental(req, alg)
	default:
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}
}

// blockSource is what every role hashes and reads from.
type blockSource interface {
	ReadBlock(index int64, buf []byte) ([]byte, error)
	BlockCount() int64
}

// sumRange concatenates the digests of blocks [start, start+count) clipped
// to the end of the device.
func sumRange(src blockSource, alg checksum.Algorithm, blockSize int, start int64, count int) ([]byte, error) {
	if start < 0 {
		return nil, fmt.Errorf("negative start block %d", start)
	}
	end := min(start+int64(count), src.BlockCount())
	if start >= end {
		return nil, nil
	}

	out := make([]byte, 0, int(end-start)*alg.Size())
	buf := make([]byte, blockSize)
	for i := start; i < end; i++ {
		data, err := src.ReadBlock(i, buf)
		if err != nil {
			return nil, err
		}
		out = alg.AppendSum(out, data)
	}
	return out, nil
}

func checkSize(path string, size, sourceSize int64) error {
	if size != sourceSize {
		return fmt.Errorf("%s is %d bytes, source is %d: %w", path, size, sourceSize, syncerr.ErrSizeMismatch)
	}
	return nil
}

// sourceSession serves a read-only device.
type sourceSession struct {
	dev   *blockdev.Device
	alg   checksum.Algorithm
	blkid string
}

func openSource(req proto.HelloReq, alg checksum.Algorithm) (*sourceSession, error) {
	dev, err := blockdev.Open(req.Path, req.BlockSize)
	if err != nil {
		return nil, err
	}
	blkid := blockdev.ProbeBlkid(context.Background(), req.Path)
	return &sourceSession{dev: dev, alg: alg, blkid: blkid}, nil
}

func (s *sourceSession) hello() proto.HelloResp {
	return proto.HelloResp{
		Size:       s.dev.Size(),
		BlockCount: s.dev.BlockCount(),
		Blkid:      s.blkid,
		Sequence:   -1,
	}
}

func (s *sourceSession) digestSize() int { return s.alg.Size() }

func (s *sourceSession) checksums(start int64, count int) ([]byte, error) {
	return sumRange(s.dev, s.alg, s.dev.BlockSize(), start, count)
}

func (s *sourceSession) readBlock(index int64) ([]byte, error) {
	return s.dev.ReadBlock(index, nil)
}

func (s *sourceSession) writeBlock(int64, []byte, []byte) error {
	return errors.New("source device is read-only")
}

func (s *sourceSession) finish() (proto.FinishResp, error) {
	return proto.FinishResp{Sequence: -1}, nil
}

func (s *sourceSession) close() error { return s.dev.Close() }

// mirrorSession patches a destination device in place.
type mirrorSession struct {
	dev     *blockdev.Device
	alg     checksum.Algorithm
	written int64
}

func openMirror(req proto.HelloReq, alg checksum.Algorithm) (*mirrorSession, error) {
	dev, err := blockdev.OpenWritable(req.Path, req.BlockSize)
	if err != nil {
		return nil, err
	}
	if err := checkSize(req.Path, dev.Size(), req.SourceSize); err != nil {
		dev.Close()
		return nil, err
	}
	return &mirrorSession{dev: dev, alg: alg}, nil
}

func (s *mirrorSession) hello() proto.HelloResp {
	return proto.HelloResp{Size: s.dev.Size(), BlockCount: s.dev.BlockCount(), Sequence: -1}
}

func (s *mirrorSession) digestSize() int { return s.alg.Size() }

func (s *mirrorSession) checksums(start int64, count int) ([]byte, error) {
	return sumRange(s.dev, s.alg, s.dev.BlockSize(), start, count)
}

func (s *mirrorSession) readBlock(index int64) ([]byte, error) {
	return s.dev.ReadBlock(index, nil)
}

func (s *mirrorSession) writeBlock(index int64, digest, data []byte) error {
	if err := verifyDigest(s.alg, index, digest, data); err != nil {
		return err
	}
	if err := s.dev.WriteBlock(index, data); err != nil {
		return err
	}
	s.written++
	return nil
}

func (s *mirrorSession) finish() (proto.FinishResp, error) {
	if err := s.dev.Sync(); err != nil {
		return proto.FinishResp{}, fmt.Errorf("sync %s: %w: %w", s.dev.Path(), syncerr.ErrTransferFailed, err)
	}
	return proto.FinishResp{Sequence: -1, Records: s.written, Path: s.dev.Path()}, nil
}

func (s *mirrorSession) close() error { return s.dev.Close() }

// incrementalSession keeps the destination as a base copy and appends every
// written block to the next image of its chain.
type incrementalSession struct {
	overlay *iimg.Overlay
	writer  *iimg.Writer
	lock    *iimg.Lock
	alg     checksum.Algorithm
	seq     int
	bs      int
}

func openIncremental(req proto.HelloReq, alg checksum.Algorithm) (_ *incrementalSession, err error) {
	if err := iimg.ValidateComment(req.Comment); err != nil {
		return nil, err
	}
	lock, err := iimg.AcquireLock(req.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lock.Release() //nolint:errcheck // already failing
		}
	}()

	seq, err := iimg.NextSequence(req.Path)
	if err != nil {
		return nil, err
	}

	overlay, err := iimg.OpenOverlay(req.Path, req.BlockSize, alg)
	if err != nil {
		return nil, err
	}
	if err := checkSize(req.Path, overlay.Size(), req.SourceSize); err != nil {
		overlay.Close()
		return nil, err
	}

	w, err := iimg.Create(iimg.Path(req.Path, seq), iimg.Header{
		Comment:     req.Comment,
		Hash:        alg.String(),
		RunID:       req.RunID,
		SourcePath:  req.SourcePath,
		SourceBlkid: req.SourceBlkid,
		DeviceSize:  overlay.Size(),
		BlockSize:   req.BlockSize,
		Sequence:    seq,
	})
	if err != nil {
		overlay.Close()
		return nil, err
	}

	return &incrementalSession{
		overlay: overlay,
		writer:  w,
		lock:    lock,
		alg:     alg,
		seq:     seq,
		bs:      req.BlockSize,
	}, nil
}

func (s *incrementalSession) hello() proto.HelloResp {
	return proto.HelloResp{
		Size:       s.overlay.Size(),
		BlockCount: s.overlay.BlockCount(),
		Sequence:   s.seq,
	}
}

func (s *incrementalSession) digestSize() int { return s.alg.Size() }

func (s *incrementalSession) checksums(start int64, count int) ([]byte, error) {
	if start < 0 {
		return nil, fmt.Errorf("negative start block %d", start)
	}
	end := min(start+int64(count), s.overlay.BlockCount())
	if start >= end {
		return nil, nil
	}

	out := make([]byte, 0, int(end-start)*s.alg.Size())
	buf := make([]byte, s.bs)
	for i := start; i < end; i++ {
		sum, err := s.overlay.Checksum(i, buf)
		if err != nil {
			return nil, err
		}
		out = append(out, sum...)
	}
	return out, nil
}

func (s *incrementalSession) readBlock(index int64) ([]byte, error) {
	return s.overlay.ReadBlock(index, nil)
}

func (s *incrementalSession) writeBlock(index int64, digest, data []byte) error {
	if err := verifyDigest(s.alg, index, digest, data); err != nil {
		return err
	}
	return s.writer.Append(index, digest, data)
}

func (s *incrementalSession) finish() (proto.FinishResp, error) {
	w := s.writer
	s.writer = nil // Commit closes the file whether or not it succeeds
	if err := w.Commit(); err != nil {
		return proto.FinishResp{}, fmt.Errorf("%w: %w", syncerr.ErrTransferFailed, err)
	}
	return proto.FinishResp{Sequence: s.seq, Records: w.Records(), Path: w.Path()}, nil
}

func (s *incrementalSession) close() error {
	var errs []error
	if s.writer != nil {
		errs = append(errs, s.writer.Abort())
	}
	errs = append(errs, s.overlay.Close(), s.lock.Release())
	return errors.Join(errs...)
}

// verifyDigest rejects a block whose payload does not match the digest the
// controller sent with it.
func verifyDigest(alg checksum.Algorithm, index int64, digest, data []byte) error {
	if !bytes.Equal(alg.Sum(data), digest) {
		return fmt.Errorf("block %d: payload does not match its %s digest: %w",
			index, alg, syncerr.ErrTransferFailed)
	}
	return nil
}
