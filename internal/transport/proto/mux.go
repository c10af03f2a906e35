package proto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// ErrMuxClosed is returned by Send and Call once the connection is gone.
var ErrMuxClosed = errors.New("mux closed")

// RequestHandler serves one request frame and returns the response. It
// runs in its own goroutine; the response goes back on the request's
// stream.
type RequestHandler func(req Frame) Frame

// Mux multiplexes request/response exchanges over a single byte stream:
// an SSH session, the stdio of a child process, or an in-process pipe.
// Every exchange uses its own stream ID, so a slow request (a block read)
// never holds up a fast one (a checksum batch).
//
// A single reader goroutine routes responses to their waiting Call and
// hands requests to the handler. A single writer goroutine serializes
// outgoing frames.
type Mux struct {
	conn    io.ReadWriteCloser
	handler RequestHandler
	writeCh chan Frame
	done    chan struct{}

	mu      sync.Mutex
	pending map[uint32]chan Frame
	nextID  uint32
	closed  bool
	err     error
}

// NewMux wraps conn. handler serves requests from the peer; it is nil on
// the calling side. Call Run to start the read/write loops.
func NewMux(conn io.ReadWriteCloser, handler RequestHandler) *Mux {
	return &Mux{
		conn:    conn,
		handler: handler,
		writeCh: make(chan Frame, 256),
		pending: make(map[uint32]chan Frame),
		done:    make(chan struct{}),
	}
}

// Call sends a request on a fresh stream and waits for its response.
func (m *Mux) Call(ctx context.Context, msgType byte, payload []byte) (Frame, error) {
	id, ch, err := m.register()
	if err != nil {
		return Frame{}, err
	}
	defer m.unregister(id)

	if err := m.Send(Frame{StreamID: id, MsgType: msgType, Payload: payload}); err != nil {
		return Frame{}, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-m.done:
		select {
		case f := <-ch:
			return f, nil
		default:
			return Frame{}, m.closedErr()
		}
	}
}

func (m *Mux) register() (uint32, chan Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, m.closedErrLocked()
	}
	m.nextID++
	ch := make(chan Frame, 1)
	m.pending[m.nextID] = ch
	return m.nextID, ch, nil
}

func (m *Mux) unregister(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Send queues a frame for writing.
//
// Run may close writeCh between the closed check and the channel send; the
// deferred recover turns the resulting panic into ErrMuxClosed without
// holding the mutex across the send.
func (m *Mux) Send(f Frame) (sendErr error) {
	defer func() {
		if recover() != nil {
			sendErr = ErrMuxClosed
		}
	}()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	m.mu.Unlock()

	select {
	case m.writeCh <- f:
		return nil
	case <-m.done:
		return ErrMuxClosed
	}
}

// Run starts the reader and writer goroutines. Blocks until the connection
// is closed or an error occurs. Returns the first error; a clean close of
// either side returns nil.
func (m *Mux) Run() error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Go(func() {
		errCh <- m.writeLoop()
	})
	wg.Go(func() {
		errCh <- m.readLoop()
	})

	err := <-errCh

	// Close conn to unblock both loops.
	m.conn.Close()

	m.mu.Lock()
	m.err = err
	if !m.closed {
		m.closed = true
		close(m.writeCh)
	}
	m.mu.Unlock()
	close(m.done)

	wg.Wait()

	if isClosed(err) {
		return nil
	}
	return err
}

// Err returns the error that stopped the mux. Valid after Done is closed.
func (m *Mux) Err() error {
	<-m.done
	if isClosed(m.err) {
		return nil
	}
	return m.err
}

func (m *Mux) closedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedErrLocked()
}

func (m *Mux) closedErrLocked() error {
	if m.err != nil && !isClosed(m.err) {
		return fmt.Errorf("%w: %w", ErrMuxClosed, m.err)
	}
	return ErrMuxClosed
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

// Close drops the connection immediately.
func (m *Mux) Close() error {
	return m.conn.Close()
}

// Done returns a channel that is closed when the mux has stopped.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

func (m *Mux) readLoop() error {
	for {
		f, err := ReadFrame(m.conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		m.mu.Lock()
		ch, ok := m.pending[f.StreamID]
		if ok {
			delete(m.pending, f.StreamID)
		}
		m.mu.Unlock()

		switch {
		case ok:
			ch <- f // buffered; one response per stream
		case m.handler != nil:
			go m.serve(f)
		default:
			slog.Debug("dropping frame for unknown stream", "stream", f.StreamID, "msg_type", f.MsgType)
		}
	}
}

func (m *Mux) serve(req Frame) {
	resp := m.handler(req)
	resp.StreamID = req.StreamID
	if err := m.Send(resp); err != nil {
		slog.Debug("response not sent", "stream", req.StreamID, "error", err)
	}
}

func (m *Mux) writeLoop() error {
	bw := bufio.NewWriterSize(m.conn, 256*1024)
	for f := range m.writeCh {
		if err := WriteFrame(bw, f); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		// Flush once the queue drains so bursts of small checksum
		// requests share a write.
		if len(m.writeCh) == 0 {
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
		}
	}
	return bw.Flush()
}
