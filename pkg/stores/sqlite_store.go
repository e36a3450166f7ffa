package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// ErrNotFound is returned when a journal record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteJournal implements the Journal interface using SQLite
type SQLiteJournal struct {
	db  *sql.DB
	cfg Config
}

var _ Journal = (*SQLiteJournal)(nil)

// Config holds SQLite journal configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// NewSQLiteJournal creates a new SQLite journal instance
func NewSQLiteJournal(cfg Config) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteJournal{cfg: cfg}, nil
}

func (s *SQLiteJournal) dsn() string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	return s.cfg.Path + "?" + strings.Join(params, "&")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteJournal) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteJournal) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginSession records the start of a session
func (s *SQLiteJournal) BeginSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, client, uid, pid, transport, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Client,
		session.UID,
		session.PID,
		session.Transport,
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to begin session: %w", err)
	}

	return nil
}

// EndSession records the end of a session and the reason the broker gave
func (s *SQLiteJournal) EndSession(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE sessions
		SET ended_at = ?, exit_reason = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, time.Now(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteJournal) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, client, uid, pid, transport, started_at, ended_at, exit_reason
		FROM sessions
		WHERE id = ?
	`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Client,
		&session.UID,
		&session.PID,
		&session.Transport,
		&session.StartedAt,
		&session.EndedAt,
		&session.ExitReason,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions lists sessions, most recent first
func (s *SQLiteJournal) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `
		SELECT id, client, uid, pid, transport, started_at, ended_at, exit_reason
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(
			&session.ID,
			&session.Client,
			&session.UID,
			&session.PID,
			&session.Transport,
			&session.StartedAt,
			&session.EndedAt,
			&session.ExitReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// RecordRequest records a request when the broker acknowledges or rejects it
func (s *SQLiteJournal) RecordRequest(ctx context.Context, req *Request) error {
	query := `
		INSERT INTO requests (id, session_id, method, status, code, message, received_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.SessionID,
		req.Method,
		req.Status,
		req.Code,
		req.Message,
		req.ReceivedAt,
		req.CompletedAt,
		req.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}

	return nil
}

// CompleteRequest stores the final outcome of an accepted request
func (s *SQLiteJournal) CompleteRequest(ctx context.Context, sessionID, id string, status RequestStatus, code, message *string, duration time.Duration) error {
	query := `
		UPDATE requests
		SET status = ?, code = ?, message = ?, completed_at = ?, duration_ms = ?
		WHERE session_id = ? AND id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, code, message, time.Now(), duration.Milliseconds(), sessionID, id)
	if err != nil {
		return fmt.Errorf("failed to complete request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRequests lists the requests of a session in arrival order
func (s *SQLiteJournal) ListRequests(ctx context.Context, sessionID string) ([]*Request, error) {
	query := `
		SELECT id, session_id, method, status, code, message, received_at, completed_at, duration_ms
		FROM requests
		WHERE session_id = ?
		ORDER BY received_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*Request{}
	for rows.Next() {
		req := &Request{}
		err := rows.Scan(
			&req.ID,
			&req.SessionID,
			&req.Method,
			&req.Status,
			&req.Code,
			&req.Message,
			&req.ReceivedAt,
			&req.CompletedAt,
			&req.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return requests, nil
}

// RecordSyncResult appends a repository sync outcome
func (s *SQLiteJournal) RecordSyncResult(ctx context.Context, result *SyncResult) error {
	query := `
		INSERT INTO sync_results (session_id, repository, outcome, error, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		result.SessionID,
		result.Repository,
		result.Outcome,
		result.Error,
		result.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get sync result ID: %w", err)
	}

	result.ID = id
	return nil
}

// ListSyncResults lists the sync outcomes of a session in recording order
func (s *SQLiteJournal) ListSyncResults(ctx context.Context, sessionID string) ([]*SyncResult, error) {
	query := `
		SELECT id, session_id, repository, outcome, error, timestamp
		FROM sync_results
		WHERE session_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync results: %w", err)
	}
	defer rows.Close()

	results := []*SyncResult{}
	for rows.Next() {
		r := &SyncResult{}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Repository, &r.Outcome, &r.Error, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sync result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync results: %w", err)
	}

	return results, nil
}

// RecordPackageChange appends a package change
func (s *SQLiteJournal) RecordPackageChange(ctx context.Context, change *PackageChange) error {
	query := `
		INSERT INTO package_changes (session_id, action, name, old_version, new_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		change.SessionID,
		change.Action,
		change.Name,
		change.OldVersion,
		change.NewVersion,
		change.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record package change: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get package change ID: %w", err)
	}

	change.ID = id
	return nil
}

// ListPackageChanges lists package changes, most recent first
func (s *SQLiteJournal) ListPackageChanges(ctx context.Context, filter PackageChangeFilter) ([]*PackageChange, error) {
	query := `
		SELECT id, session_id, action, name, old_version, new_version, timestamp
		FROM package_changes
		WHERE (? IS NULL OR session_id = ?)
		  AND (? IS NULL OR name = ?)
		  AND (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.SessionID, filter.SessionID,
		filter.Name, filter.Name,
		filter.Action, filter.Action,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list package changes: %w", err)
	}
	defer rows.Close()

	changes := []*PackageChange{}
	for rows.Next() {
		c := &PackageChange{}
		err := rows.Scan(&c.ID, &c.SessionID, &c.Action, &c.Name, &c.OldVersion, &c.NewVersion, &c.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package change: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating package changes: %w", err)
	}

	return changes, nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteJournal) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
