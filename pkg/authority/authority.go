// Package authority decides whether a caller may run a system upgrade.
//
// The broker consumes a single verdict per session through the Authority
// interface. PolicyAuthority evaluates a Rego policy, by default one that
// grants root and members of the wheel group; StaticAuthority returns a
// fixed verdict for development and tests.
package authority

import (
	"context"
	"errors"
)

// ActionSysupgrade is the action checked before a session is authorized.
const ActionSysupgrade = "org.openfroyo.upgrader.sysupgrade"

// Subject identifies the caller asking for authorization.
type Subject struct {
	// Identity is the connection identity the session locks to.
	Identity string   `json:"identity"`
	UID      int      `json:"uid"`
	GID      int      `json:"gid"`
	PID      int      `json:"pid"`
	User     string   `json:"user,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	// Remote is set when the caller reached the broker over the network.
	Remote bool `json:"remote"`
}

// Verdict is the outcome of an authorization check.
type Verdict int

const (
	Denied Verdict = iota
	Granted
)

func (v Verdict) String() string {
	if v == Granted {
		return "granted"
	}
	return "denied"
}

// ErrUnavailable is returned when the authority cannot reach a decision.
var ErrUnavailable = errors.New("authority unavailable")

// Authority checks whether subject may perform action.
type Authority interface {
	CheckAuthorization(ctx context.Context, subject Subject, action string) (Verdict, error)
}

// StaticAuthority returns the same verdict for every check.
type StaticAuthority struct {
	Verdict Verdict
	Err     error
}

// CheckAuthorization implements Authority.
func (s StaticAuthority) CheckAuthorization(ctx context.Context, _ Subject, _ string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Denied, err
	}
	if s.Err != nil {
		return Denied, s.Err
	}
	return s.Verdict, nil
}
