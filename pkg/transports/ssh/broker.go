package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultBrokerCommand runs the broker on the remote host over the
// session's standard streams.
var DefaultBrokerCommand = []string{"sudo", "-n", "upgraderd", "serve", "--stdio"}

// BrokerTransport runs the broker on a remote host. It satisfies the
// pkg/client Transport interface.
type BrokerTransport struct {
	// Client is the connection the broker runs over. It is connected on
	// Start if needed and closed by Close.
	Client *Client

	// Command is the remote broker command line. DefaultBrokerCommand is
	// used when empty.
	Command []string

	// Logger receives the broker's standard error.
	Logger zerolog.Logger

	mu      sync.Mutex
	session *ssh.Session
	stderr  chan struct{}
}

// Start connects if needed and executes the broker command. No PTY is
// requested so the protocol stream stays byte exact.
func (t *BrokerTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if err := t.Client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := t.Client.sshClient("exec")
	if err != nil {
		return nil, nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	argv := t.Command
	if len(argv) == 0 {
		argv = DefaultBrokerCommand
	}
	cmd := shellJoin(argv)

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start %q: %w", cmd, err)}
	}

	done := make(chan struct{})
	go t.logStderr(stderr, done)

	t.mu.Lock()
	t.session = session
	t.stderr = done
	t.mu.Unlock()

	t.Logger.Debug().Str("host", t.Client.config.Host).Str("command", cmd).Msg("Remote broker started")
	return stdin, io.NopCloser(stdout), nil
}

func (t *BrokerTransport) logStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.Logger.Info().Str("host", t.Client.config.Host).Msg(scanner.Text())
	}
}

// Close waits for the remote broker to exit and closes the connection. The
// broker's exit status is reported through EXIT, not here.
func (t *BrokerTransport) Close() error {
	t.mu.Lock()
	session, stderr := t.session, t.stderr
	t.session = nil
	t.mu.Unlock()

	var errs []error
	if session != nil {
		err := session.Wait()
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			errs = append(errs, &TransportError{Op: "exec", Err: err})
		}
		<-stderr
		if err := session.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, &TransportError{Op: "exec", Err: err})
		}
	}
	if err := t.Client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// shellJoin quotes argv for the remote shell.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg != "" && strings.IndexFunc(arg, needsQuote) < 0 {
			quoted[i] = arg
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:@%+,", r)
}
