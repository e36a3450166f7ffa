package broker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/authority"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

// Transport names recorded for a connection.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
)

// Peer holds the credentials of the process on the other end of a
// connection.
type Peer struct {
	UID    int
	GID    int
	PID    int
	Remote bool
}

// StdioPeer describes the process that spawned the broker. When a root
// broker was started through sudo or pkexec the invoking user is reported
// instead of root.
func StdioPeer() Peer {
	p := resolveStdioPeer(os.Getenv, os.Geteuid())
	p.PID = os.Getppid()
	return p
}

// resolveStdioPeer trusts the variables of the escalation tool that ran the
// broker: sudo marks itself with SUDO_COMMAND, pkexec clears the environment
// and sets PKEXEC_UID. Without root privileges nothing was escalated and the
// variables are ignored.
func resolveStdioPeer(getenv func(string) string, euid int) Peer {
	p := Peer{
		UID:    os.Getuid(),
		GID:    os.Getgid(),
		Remote: getenv("SSH_CONNECTION") != "",
	}
	if euid != 0 {
		return p
	}

	if getenv("SUDO_COMMAND") != "" {
		if uid, err := strconv.Atoi(getenv("SUDO_UID")); err == nil {
			p.UID = uid
		}
		if gid, err := strconv.Atoi(getenv("SUDO_GID")); err == nil {
			p.GID = gid
		}
		return p
	}
	if uid, err := strconv.Atoi(getenv("PKEXEC_UID")); err == nil {
		p.UID = uid
	}
	return p
}

// connection is one client stream. Its encoder is shared by the reader
// goroutine (ACK, REJECTED, Answer replies), the worker and the signal
// emitters.
type connection struct {
	identity  string
	transport string
	peer      Peer
	enc       *protocol.Encoder
	dec       *protocol.Decoder
	closer    io.Closer
	logger    zerolog.Logger
}

func (s *Service) newConnection(r io.Reader, w io.Writer, closer io.Closer, peer Peer, transport string) *connection {
	identity := fmt.Sprintf(":1.%d", s.nextConn.Add(1))
	return &connection{
		identity:  identity,
		transport: transport,
		peer:      peer,
		enc:       protocol.NewEncoder(w),
		dec:       protocol.NewDecoder(r),
		closer:    closer,
		logger: s.logger.With().
			Str("client", identity).
			Str("transport", transport).
			Logger(),
	}
}

// subject resolves the peer's user and group names for the authority.
func (c *connection) subject() authority.Subject {
	sub := authority.Subject{
		Identity: c.identity,
		UID:      c.peer.UID,
		GID:      c.peer.GID,
		PID:      c.peer.PID,
		Remote:   c.peer.Remote,
	}

	u, err := user.LookupId(strconv.Itoa(c.peer.UID))
	if err != nil {
		c.logger.Debug().Err(err).Int("uid", c.peer.UID).Msg("Unknown peer user")
		return sub
	}
	sub.User = u.Username

	gids, err := u.GroupIds()
	if err != nil {
		return sub
	}
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			sub.Groups = append(sub.Groups, g.Name)
		}
	}
	return sub
}

func (s *Service) ready(c *connection) *protocol.ReadyMessage {
	return &protocol.ReadyMessage{
		Version:  s.version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Identity: c.identity,
		Methods:  protocol.Methods,
		Metadata: map[string]string{
			"session_id": s.sessionID,
			"transport":  c.transport,
		},
	}
}

// serveConn greets c with READY and reads its requests until the stream
// ends. The connection stays registered after a read loss unless it is a
// socket client that does not own the session, so EXIT still reaches it.
func (s *Service) serveConn(c *connection) {
	if !s.register(c) {
		c.close()
		return
	}

	c.logger.Info().Int("uid", c.peer.UID).Int("pid", c.peer.PID).Msg("Client connected")

	if err := c.enc.EncodeReady(s.ready(c)); err != nil {
		s.connectionLost(c, err)
		return
	}

	for {
		req, err := c.dec.DecodeRequest()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.reject(c, &protocol.RequestMessage{}, protocol.RejectInvalidParams, err.Error())
				continue
			}
			s.connectionLost(c, err)
			return
		}
		s.accept(c, req)
	}
}

// connectionLost ends the session when the client it belongs to goes
// away. Other socket connections just drop.
func (s *Service) connectionLost(c *connection, err error) {
	s.mu.Lock()
	owner := s.client == c
	s.mu.Unlock()

	if !owner && c.transport != TransportStdio {
		c.logger.Info().Msg("Client disconnected")
		s.unregister(c)
		c.close()
		return
	}

	if errors.Is(err, io.EOF) {
		c.logger.Info().Msg("Client closed the connection")
		s.terminate(ReasonClientDisconnected, 0)
		return
	}
	c.logger.Error().Err(err).Msg("Connection failed")
	s.terminate(ReasonIOError, 1)
}

func (s *Service) register(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Service) unregister(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// broadcastExit sends EXIT to every open connection and closes it.
func (s *Service) broadcastExit() {
	exit := &protocol.ExitMessage{
		Reason:        s.status.Reason,
		ExitCode:      s.status.Code,
		RequestsTotal: int(s.accepted.Load()),
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.enc.EncodeExit(exit); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to send EXIT")
		}
		c.close()
	}
}

func (c *connection) close() {
	if c.closer != nil {
		_ = c.closer.Close()
	}
}
