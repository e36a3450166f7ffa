package stores

import (
	"context"
	"time"
)

// RequestStatus represents the outcome of a journaled request
type RequestStatus string

const (
	RequestStatusAccepted RequestStatus = "accepted"
	RequestStatusFinished RequestStatus = "finished"
	RequestStatusFailed   RequestStatus = "failed"
	RequestStatusRejected RequestStatus = "rejected"
)

// Session represents one broker session
type Session struct {
	ID         string     `json:"id"`
	Client     string     `json:"client"` // connection identity
	UID        int        `json:"uid"`
	PID        int        `json:"pid"`
	Transport  string     `json:"transport"` // stdio, socket
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitReason *string    `json:"exit_reason,omitempty"`
}

// Request represents a protocol request handled in a session
type Request struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Method      string        `json:"method"`
	Status      RequestStatus `json:"status"`
	Code        *string       `json:"code,omitempty"`
	Message     *string       `json:"message,omitempty"`
	ReceivedAt  time.Time     `json:"received_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMS  int64         `json:"duration_ms"`
}

// SyncResult represents the outcome of refreshing one repository
type SyncResult struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Repository string    `json:"repository"`
	Outcome    string    `json:"outcome"` // synced, current, failed
	Error      *string   `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PackageChange represents a package installed, upgraded, downgraded,
// reinstalled or removed by a commit
type PackageChange struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Action     string    `json:"action"`
	Name       string    `json:"name"`
	OldVersion string    `json:"old_version"`
	NewVersion string    `json:"new_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// PackageChangeFilter narrows ListPackageChanges. Nil fields match all.
type PackageChangeFilter struct {
	SessionID *string
	Name      *string
	Action    *string
	Limit     int
	Offset    int
}

// Journal defines the interface for the upgrade journal
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Session operations
	BeginSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, id string, reason string) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Request operations
	RecordRequest(ctx context.Context, req *Request) error
	CompleteRequest(ctx context.Context, sessionID, id string, status RequestStatus, code, message *string, duration time.Duration) error
	ListRequests(ctx context.Context, sessionID string) ([]*Request, error)

	// Sync operations
	RecordSyncResult(ctx context.Context, result *SyncResult) error
	ListSyncResults(ctx context.Context, sessionID string) ([]*SyncResult, error)

	// Package change operations
	RecordPackageChange(ctx context.Context, change *PackageChange) error
	ListPackageChanges(ctx context.Context, filter PackageChangeFilter) ([]*PackageChange, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
