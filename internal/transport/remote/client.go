// Package remote implements transport.Channel over the agent protocol, for
// agents running in-process, behind sudo, or on another host via SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinylib/msgp/msgp"

	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/transport"
	"github.com/bamsammich/iblocksync/internal/transport/proto"
)

// Compile-time interface check.
var _ transport.Channel = (*Client)(nil)

// Client is a session with one agent over a multiplexed connection.
type Client struct {
	mux        *proto.Mux
	cleanup    func() error
	name       string
	digestSize int
	runErr     chan error
}

// NewClient starts the protocol on conn. cleanup, if non-nil, runs after
// the connection closes and releases whatever carries it (an SSH client,
// a child process, an in-process agent).
func NewClient(name string, conn io.ReadWriteCloser, cleanup func() error) *Client {
	c := &Client{
		mux:     proto.NewMux(conn, nil),
		cleanup: cleanup,
		name:    name,
		runErr:  make(chan error, 1),
	}
	go func() { c.runErr <- c.mux.Run() }()
	return c
}

func (c *Client) String() string { return c.name }

func (c *Client) Hello(ctx context.Context, opts transport.HelloOpts) (transport.DeviceInfo, error) {
	req := proto.HelloReq{
		Version:     proto.ProtocolVersion,
		Role:        string(opts.Role),
		Path:        opts.Path,
		BlockSize:   opts.BlockSize,
		Hash:        opts.Hash.String(),
		Comment:     opts.Comment,
		SourcePath:  opts.SourcePath,
		SourceBlkid: opts.SourceBlkid,
		SourceSize:  opts.SourceSize,
		RunID:       opts.RunID,
	}
	var resp proto.HelloResp
	if err := c.roundTrip(ctx, proto.MsgHelloReq, req, proto.MsgHelloResp, &resp); err != nil {
		return transport.DeviceInfo{}, fmt.Errorf("%s: open %s: %w", c.name, opts.Path, err)
	}
	if resp.Version != proto.ProtocolVersion {
		return transport.DeviceInfo{}, fmt.Errorf("%s: agent speaks version %d, want %d: %w",
			c.name, resp.Version, proto.ProtocolVersion, syncerr.ErrVersionMismatch)
	}
	c.digestSize = opts.Hash.Size()

	return transport.DeviceInfo{
		Size:       resp.Size,
		BlockCount: resp.BlockCount,
		Blkid:      resp.Blkid,
		Sequence:   resp.Sequence,
	}, nil
}

func (c *Client) Checksums(ctx context.Context, start int64, count int) ([][]byte, error) {
	var resp proto.ChecksumsResp
	if err := c.roundTrip(ctx, proto.MsgChecksumsReq,
		proto.ChecksumsReq{Start: start, Count: count}, proto.MsgChecksumsResp, &resp); err != nil {
		return nil, fmt.Errorf("%s: checksums from block %d: %w", c.name, start, err)
	}

	size := resp.DigestSize
	switch {
	case resp.Start != start:
		return nil, fmt.Errorf("%s: asked for checksums from block %d, got %d", c.name, start, resp.Start)
	case size <= 0 || size != c.digestSize || len(resp.Digests)%size != 0 || len(resp.Digests)/size > count:
		return nil, fmt.Errorf("%s: malformed checksum batch (%d bytes of %d-byte digests)",
			c.name, len(resp.Digests), size)
	}

	sums := make([][]byte, len(resp.Digests)/size)
	for i := range sums {
		sums[i] = resp.Digests[i*size : (i+1)*size : (i+1)*size]
	}
	return sums, nil
}

func (c *Client) ReadBlock(ctx context.Context, index int64) ([]byte, error) {
	var resp proto.BlockData
	if err := c.roundTrip(ctx, proto.MsgReadBlockReq,
		proto.ReadBlockReq{Index: index}, proto.MsgBlockData, &resp); err != nil {
		return nil, fmt.Errorf("%s: read block %d: %w", c.name, index, err)
	}
	if resp.Index != index {
		return nil, fmt.Errorf("%s: asked for block %d, got %d", c.name, index, resp.Index)
	}
	return resp.Data, nil
}

func (c *Client) WriteBlock(ctx context.Context, index int64, digest, data []byte) error {
	var resp proto.AckResp
	if err := c.roundTrip(ctx, proto.MsgWriteBlockReq,
		proto.WriteBlockReq{Index: index, Digest: digest, Data: data}, proto.MsgAckResp, &resp); err != nil {
		return fmt.Errorf("%s: write block %d: %w", c.name, index, err)
	}
	return nil
}

func (c *Client) Finish(ctx context.Context) (transport.FinishInfo, error) {
	var resp proto.FinishResp
	if err := c.roundTrip(ctx, proto.MsgFinishReq,
		proto.FinishReq{}, proto.MsgFinishResp, &resp); err != nil {
		return transport.FinishInfo{}, fmt.Errorf("%s: finish: %w", c.name, err)
	}
	return transport.FinishInfo{Sequence: resp.Sequence, Records: resp.Records, Path: resp.Path}, nil
}

// Close drops the connection. An agent that has not seen Finish abandons
// its session.
func (c *Client) Close() error {
	c.mux.Close()
	err := <-c.runErr
	c.runErr <- err // keep Close idempotent
	if c.cleanup != nil {
		cleanup := c.cleanup
		c.cleanup = nil
		if cerr := cleanup(); cerr != nil {
			return cerr
		}
	}
	return err
}

func (c *Client) roundTrip(
	ctx context.Context,
	reqType byte, req msgp.Marshaler,
	respType byte, resp msgp.Unmarshaler,
) error {
	payload, err := req.MarshalMsg(nil)
	if err != nil {
		return err
	}
	f, err := c.mux.Call(ctx, reqType, payload)
	if err != nil {
		return connErr(err)
	}

	switch f.MsgType {
	case respType:
		if _, err := resp.UnmarshalMsg(f.Payload); err != nil {
			return fmt.Errorf("decode response 0x%02x: %w", respType, err)
		}
		return nil
	case proto.MsgErrorResp:
		return decodeError(f.Payload)
	default:
		return fmt.Errorf("unexpected message type 0x%02x (want 0x%02x)", f.MsgType, respType)
	}
}

// connErr explains a request that failed because the connection went away.
func connErr(err error) error {
	if errors.Is(err, proto.ErrMuxClosed) {
		return fmt.Errorf("agent connection lost: %w", err)
	}
	return err
}

func decodeError(payload []byte) error {
	var errResp proto.ErrorResp
	if _, err := errResp.UnmarshalMsg(payload); err != nil {
		slog.Debug("undecodable error response", "error", err)
		return errors.New("protocol error (could not decode)")
	}
	return &syncerr.RemoteError{Message: errResp.Message, Code: errResp.Code}
}
