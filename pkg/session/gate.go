// Package session authorizes the broker's single client and locks every
// later request to its identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/authority"
)

// Session state errors.
var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrWrongClient        = errors.New("session initialized for another client")
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// AuthorizationReason tells a denial from an unreachable authority.
type AuthorizationReason string

const (
	ReasonDenied      AuthorizationReason = "denied"
	ReasonUnreachable AuthorizationReason = "unreachable"
)

// AuthorizationError is returned when the caller could not be authorized.
// It is fatal: the broker terminates after reporting it.
type AuthorizationError struct {
	Reason AuthorizationReason
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Reason == ReasonUnreachable && e.Err != nil {
		return fmt.Sprintf("authorization check failed: %v", e.Err)
	}
	return "authorization failed"
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// Gate holds the session state. Authorization succeeds at most once per
// process and the identity it locks never changes.
type Gate struct {
	auth   authority.Authority
	action string
	logger zerolog.Logger

	mu         sync.RWMutex
	client     string
	authorized bool
}

// NewGate creates a gate checking authority.ActionSysupgrade.
func NewGate(auth authority.Authority, logger zerolog.Logger) *Gate {
	return &Gate{
		auth:   auth,
		action: authority.ActionSysupgrade,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Authorize checks subject with the authority and locks the session to its
// identity. It returns ErrAlreadyInitialized without touching the state if
// the session is already authorized, and an *AuthorizationError when the
// authority denies or fails.
func (g *Gate) Authorize(ctx context.Context, subject authority.Subject) error {
	if g.Authorized() {
		return ErrAlreadyInitialized
	}

	verdict, err := g.auth.CheckAuthorization(ctx, subject, g.action)
	if err != nil {
		g.logger.Error().Err(err).Str("identity", subject.Identity).Msg("Authorization check failed")
		return &AuthorizationError{Reason: ReasonUnreachable, Err: err}
	}
	if verdict != authority.Granted {
		g.logger.Warn().Str("identity", subject.Identity).Int("uid", subject.UID).Msg("Authorization denied")
		return &AuthorizationError{Reason: ReasonDenied}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.authorized {
		return ErrAlreadyInitialized
	}
	g.client = subject.Identity
	g.authorized = true

	g.logger.Info().Str("client", g.client).Msg("Session authorized")
	return nil
}

// Check validates that a request from identity may be served.
func (g *Gate) Check(identity string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.authorized {
		return ErrNotInitialized
	}
	if identity != g.client {
		return ErrWrongClient
	}
	return nil
}

// Authorized reports whether the session has been authorized.
func (g *Gate) Authorized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.authorized
}

// Client returns the locked identity, or "" before authorization.
func (g *Gate) Client() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}
