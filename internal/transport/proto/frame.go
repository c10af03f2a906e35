package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A frame on the wire:
//
//	length  uint32 big-endian  bytes that follow this field
//	stream  uint32 big-endian  pairs a response with its request
//	type    byte               one of the Msg constants
//	payload [length-5]byte     MessagePack-encoded message
const (
	// FrameHeaderSize is the fixed part of a frame before the payload.
	FrameHeaderSize = 4 + 4 + 1

	// MaxPayload fits a BlockData message for the largest block size.
	MaxPayload = 32*1024*1024 + 64*1024

	streamAndType = FrameHeaderSize - 4
)

// Frame is a single protocol message on the wire.
type Frame struct {
	Payload  []byte
	StreamID uint32
	MsgType  byte
}

// ErrFrameTooLarge is returned for payloads above MaxPayload.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes f to w. The header and payload are separate writes;
// callers batch them with a bufio.Writer.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d-byte payload", ErrFrameTooLarge, len(f.Payload))
	}

	var hdr [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(streamAndType+len(f.Payload))) //nolint:gosec // bounded by MaxPayload
	binary.BigEndian.PutUint32(hdr[4:8], f.StreamID)
	hdr[8] = f.MsgType

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. The length is checked before the
// payload is allocated.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(hdr[0:4])
	switch {
	case n < streamAndType:
		return Frame{}, fmt.Errorf("frame too small: length %d", n)
	case n-streamAndType > MaxPayload:
		return Frame{}, fmt.Errorf("%w: length %d", ErrFrameTooLarge, n)
	}

	f := Frame{
		StreamID: binary.BigEndian.Uint32(hdr[4:8]),
		MsgType:  hdr[8],
	}
	if size := n - streamAndType; size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}
