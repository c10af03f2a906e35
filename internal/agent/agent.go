// Package agent implements the Remote Checksum Agent: the only code that
// runs on the hosts holding the devices. It serves one session per
// connection over the framed protocol.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinylib/msgp/msgp"

	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport/proto"
)

// Serve runs the agent protocol on conn until the peer disconnects or ctx
// is cancelled. An unfinished session is abandoned: an incremental image
// stays in its partial file and the destination lock is released.
func Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	s := &server{}
	mux := proto.NewMux(conn, s.handle)

	stop := context.AfterFunc(ctx, func() { mux.Close() })
	defer stop()

	err := mux.Run()
	s.abandon()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type server struct {
	mu   sync.Mutex
	sess session
	done bool
}

// session is an opened device in one of the agent roles.
type session interface {
	hello() proto.HelloResp
	digestSize() int
	checksums(start int64, count int) ([]byte, error)
	readBlock(index int64) ([]byte, error)
	writeBlock(index int64, digest, data []byte) error
	finish() (proto.FinishResp, error)
	close() error
}

// handle serves one request. Failures go back to the controller as an
// ErrorResp carrying the wire code of the underlying sentinel.
func (s *server) handle(req proto.Frame) proto.Frame {
	resp, err := s.dispatch(req)
	if err != nil {
		slog.Debug("request failed", "stream", req.StreamID, "msg_type", req.MsgType, "error", err)
		return errorFrame(err)
	}
	return resp
}

func (s *server) dispatch(f proto.Frame) (proto.Frame, error) {
	if f.MsgType == proto.MsgHelloReq {
		return s.handleHello(f.Payload)
	}

	sess, err := s.session()
	if err != nil {
		return proto.Frame{}, err
	}

	switch f.MsgType {
	case proto.MsgChecksumsReq:
		return handleChecksums(sess, f.Payload)
	case proto.MsgReadBlockReq:
		return handleReadBlock(sess, f.Payload)
	case proto.MsgWriteBlockReq:
		return handleWriteBlock(sess, f.Payload)
	case proto.MsgFinishReq:
		return s.handleFinish(sess)
	default:
		return proto.Frame{}, fmt.Errorf("unknown message type: 0x%02x", f.MsgType)
	}
}

func (s *server) session() (session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.done:
		return nil, errors.New("session already finished")
	case s.sess == nil:
		return nil, errors.New("no device open (Hello not received)")
	}
	return s.sess, nil
}

func (s *server) handleHello(data []byte) (proto.Frame, error) {
	var req proto.HelloReq
	if _, err := req.UnmarshalMsg(data); err != nil {
		return proto.Frame{}, fmt.Errorf("decode HelloReq: %w", err)
	}
	if req.Version != proto.ProtocolVersion {
		return proto.Frame{}, fmt.Errorf("agent speaks version %d, controller %d: %w",
			proto.ProtocolVersion, req.Version, syncerr.ErrVersionMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return proto.Frame{}, errors.New("device already open")
	}

	sess, err := openSession(req)
	if err != nil {
		return proto.Frame{}, err
	}
	s.sess = sess

	resp := sess.hello()
	resp.Version = proto.ProtocolVersion
	slog.Info("opened device", "role", req.Role, "path", req.Path,
		"size", resp.Size, "block_size", req.BlockSize, "sequence", resp.Sequence)
	return reply(proto.MsgHelloResp, resp)
}

func handleChecksums(sess session, data []byte) (proto.Frame, error) {
	var req proto.ChecksumsReq
	if _, err := req.UnmarshalMsg(data); err != nil {
		return proto.Frame{}, fmt.Errorf("decode ChecksumsReq: %w", err)
	}
	if req.Count <= 0 || req.Count > proto.MaxChecksumBatch {
		return proto.Frame{}, fmt.Errorf("checksum batch of %d outside [1, %d]", req.Count, proto.MaxChecksumBatch)
	}

	digests, err := sess.checksums(req.Start, req.Count)
	if err != nil {
		return proto.Frame{}, err
	}
	return reply(proto.MsgChecksumsResp, proto.ChecksumsResp{
		Start:      req.Start,
		DigestSize: sess.digestSize(),
		Digests:    digests,
	})
}

func handleReadBlock(sess session, data []byte) (proto.Frame, error) {
	var req proto.ReadBlockReq
	if _, err := req.UnmarshalMsg(data); err != nil {
		return proto.Frame{}, fmt.Errorf("decode ReadBlockReq: %w", err)
	}

	block, err := sess.readBlock(req.Index)
	if err != nil {
		return proto.Frame{}, err
	}
	return reply(proto.MsgBlockData, proto.BlockData{Index: req.Index, Data: block})
}

func handleWriteBlock(sess session, data []byte) (proto.Frame, error) {
	var req proto.WriteBlockReq
	if _, err := req.UnmarshalMsg(data); err != nil {
		return proto.Frame{}, fmt.Errorf("decode WriteBlockReq: %w", err)
	}

	if err := sess.writeBlock(req.Index, req.Digest, req.Data); err != nil {
		return proto.Frame{}, err
	}
	return reply(proto.MsgAckResp, proto.AckResp{})
}

func (s *server) handleFinish(sess session) (proto.Frame, error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return proto.Frame{}, errors.New("session already finished")
	}
	s.done = true
	s.mu.Unlock()

	resp, err := sess.finish()
	if cerr := sess.close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return proto.Frame{}, err
	}
	slog.Info("finished", "sequence", resp.Sequence, "records", resp.Records, "path", resp.Path)
	return reply(proto.MsgFinishResp, resp)
}

// abandon closes a session the controller never finished.
func (s *server) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.done {
		return
	}
	s.done = true
	slog.Warn("connection closed before finish, abandoning session")
	if err := s.sess.close(); err != nil {
		slog.Warn("close session", "error", err)
	}
}

func reply(msgType byte, m msgp.Marshaler) (proto.Frame, error) {
	payload, err := m.MarshalMsg(nil)
	if err != nil {
		return proto.Frame{}, fmt.Errorf("encode response 0x%02x: %w", msgType, err)
	}
	return proto.Frame{MsgType: msgType, Payload: payload}, nil
}

func errorFrame(origErr error) proto.Frame {
	resp := proto.ErrorResp{Message: origErr.Error(), Code: syncerr.Code(origErr)}
	payload, err := resp.MarshalMsg(nil)
	if err != nil {
		slog.Error("failed to marshal error response", "error", err)
	}
	return proto.Frame{MsgType: proto.MsgErrorResp, Payload: payload}
}
