package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// DefaultSocketMode lets any local user connect; the authority decides who
// may drive the session.
const DefaultSocketMode os.FileMode = 0o666

// ServeStdio runs the session over a single stream, normally the broker's
// stdin and stdout.
func (s *Service) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) ExitStatus {
	c := s.newConnection(r, w, nil, StdioPeer(), TransportStdio)
	go s.serveConn(c)
	return s.Run(ctx)
}

// ServeSocket listens on a Unix socket at path and runs the session. Every
// connection gets its own identity and READY; the first to authorize owns
// the session. The socket file is removed on return.
func (s *Service) ServeSocket(ctx context.Context, path string, mode os.FileMode) (ExitStatus, error) {
	if err := removeStaleSocket(path); err != nil {
		return ExitStatus{}, err
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return ExitStatus{}, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	l.SetUnlinkOnClose(true)
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return ExitStatus{}, fmt.Errorf("failed to set socket mode: %w", err)
	}

	s.logger.Info().Str("socket", path).Msg("Listening")
	go s.acceptLoop(l)

	status := s.Run(ctx)
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn().Err(err).Msg("Failed to close listener")
	}
	return status, nil
}

func (s *Service) acceptLoop(l *net.UnixListener) {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}

		peer, err := peerCredentials(conn)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Refusing connection without peer credentials")
			conn.Close()
			continue
		}

		c := s.newConnection(conn, conn, conn, peer, TransportSocket)
		go s.serveConn(c)
	}
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}
