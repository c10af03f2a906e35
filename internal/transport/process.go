package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// pipeConn joins a reader and a writer into one byte stream.
type pipeConn struct {
	r     io.Reader
	w     io.Writer
	close func() error
	once  sync.Once
	err   error
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	p.once.Do(func() { p.err = p.close() })
	return p.err
}

// StartCommand runs argv locally and returns its stdio as a byte stream.
// The child's stderr is shared with ours. Closing the stream closes the
// child's stdin and waits for it to exit.
func StartCommand(ctx context.Context, argv []string) (io.ReadWriteCloser, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	//nolint:gosec // G204: argv is our own executable, optionally behind sudo
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", ShellJoin(argv), err)
	}

	return &pipeConn{
		r: stdout,
		w: stdin,
		close: func() error {
			stdin.Close()
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", ShellJoin(argv), err)
			}
			return nil
		},
	}, nil
}

// Stdio returns this process's stdin and stdout as a byte stream. Closing
// it closes stdout.
func Stdio() io.ReadWriteCloser {
	return &pipeConn{r: os.Stdin, w: os.Stdout, close: os.Stdout.Close}
}
