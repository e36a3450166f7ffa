package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
)

// DefaultBrokerCommand spawns a privileged broker speaking the protocol on
// its standard streams.
var DefaultBrokerCommand = []string{"pkexec", "upgraderd", "serve", "--stdio"}

// LocalTransport spawns the broker as a child process.
type LocalTransport struct {
	// Command is the broker command line. DefaultBrokerCommand is used when
	// empty.
	Command []string

	// Stderr receives the broker's standard error. It is discarded when nil.
	Stderr io.Writer

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Start spawns the broker.
func (t *LocalTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	argv := t.Command
	if len(argv) == 0 {
		argv = DefaultBrokerCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.mu.Unlock()
	return stdin, stdout, nil
}

// Close waits for the broker process to exit. A non-zero exit status is not
// an error here: the broker reports its outcome in EXIT.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// SocketTransport connects to a broker listening on a Unix socket.
type SocketTransport struct {
	Path string

	conn net.Conn
}

// Start dials the socket.
func (t *SocketTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", t.Path, err)
	}
	t.conn = conn
	return halfCloser{conn}, io.NopCloser(conn), nil
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// halfCloser closes only the write side of a socket so the broker's EXIT
// can still be read.
type halfCloser struct {
	net.Conn
}

func (h halfCloser) Close() error {
	if uc, ok := h.Conn.(*net.UnixConn); ok {
		return uc.CloseWrite()
	}
	return h.Conn.Close()
}
