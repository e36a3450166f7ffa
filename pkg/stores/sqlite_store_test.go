package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestJournal creates an in-memory SQLite journal for testing
func setupTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()

	journal, err := NewSQLiteJournal(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}

	ctx := context.Background()
	if err := journal.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}

	if err := journal.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate journal: %v", err)
	}

	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func beginTestSession(t *testing.T, j *SQLiteJournal, id string) {
	t.Helper()
	err := j.BeginSession(context.Background(), &Session{
		ID:        id,
		Client:    ":1.1",
		UID:       0,
		PID:       4242,
		Transport: "stdio",
	})
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
}

func strPtr(s string) *string { return &s }

// TestJournalLifecycle tests database initialization and closure
func TestJournalLifecycle(t *testing.T) {
	journal, err := NewSQLiteJournal(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}

	ctx := context.Background()
	if err := journal.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}

	if err := journal.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	// migrating twice is a no-op
	if err := journal.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := journal.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := journal.Close(); err != nil {
		t.Fatalf("failed to close journal: %v", err)
	}
}

func TestNewSQLiteJournal_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteJournal(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrateWithoutInit(t *testing.T) {
	journal, err := NewSQLiteJournal(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := journal.Migrate(context.Background()); err == nil {
		t.Fatal("expected error when migrating without Init")
	}
	if err := journal.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail without Init")
	}
}

// TestJournalMigrations tests that every table exists after migration
func TestJournalMigrations(t *testing.T) {
	journal := setupTestJournal(t)
	ctx := context.Background()

	tables := []string{"sessions", "requests", "sync_results", "package_changes"}
	for _, table := range tables {
		var count int
		err := journal.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	journal := setupTestJournal(t)
	ctx := context.Background()

	beginTestSession(t, journal, "session-1")

	got, err := journal.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Client != ":1.1" || got.PID != 4242 || got.Transport != "stdio" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
	if got.EndedAt != nil {
		t.Error("expected EndedAt to be nil for an open session")
	}

	if err := journal.EndSession(ctx, "session-1", "engine freed"); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}

	got, err = journal.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}
	if got.ExitReason == nil || *got.ExitReason != "engine freed" {
		t.Errorf("expected exit reason %q, got %v", "engine freed", got.ExitReason)
	}

	if _, err := journal.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := journal.EndSession(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	sessions, err := journal.ListSessions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}
}

func TestRequests(t *testing.T) {
	journal := setupTestJournal(t)
	ctx := context.Background()
	beginTestSession(t, journal, "session-1")

	base := time.Now()
	requests := []*Request{
		{ID: "r1", SessionID: "session-1", Method: "Authorize", Status: RequestStatusAccepted, ReceivedAt: base},
		{ID: "r2", SessionID: "session-1", Method: "InitEngine", Status: RequestStatusAccepted, ReceivedAt: base.Add(time.Second)},
		{
			ID: "r3", SessionID: "session-1", Method: "Commit", Status: RequestStatusRejected,
			Code: strPtr("NotInitialized"), Message: strPtr("engine not initialized"),
			ReceivedAt: base.Add(2 * time.Second),
		},
	}
	for _, r := range requests {
		if err := journal.RecordRequest(ctx, r); err != nil {
			t.Fatalf("failed to record request %s: %v", r.ID, err)
		}
	}

	if err := journal.CompleteRequest(ctx, "session-1", "r1", RequestStatusFinished, nil, nil, 15*time.Millisecond); err != nil {
		t.Fatalf("failed to complete request: %v", err)
	}
	if err := journal.CompleteRequest(ctx, "session-1", "r2", RequestStatusFailed,
		strPtr("EngineInitError"), strPtr("Unable to set gpgdir"), 2*time.Second); err != nil {
		t.Fatalf("failed to complete request: %v", err)
	}
	if err := journal.CompleteRequest(ctx, "session-1", "nope", RequestStatusFinished, nil, nil, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := journal.ListRequests(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}

	tests := []struct {
		id       string
		status   RequestStatus
		code     string
		duration int64
	}{
		{"r1", RequestStatusFinished, "", 15},
		{"r2", RequestStatusFailed, "EngineInitError", 2000},
		{"r3", RequestStatusRejected, "NotInitialized", 0},
	}
	for i, tt := range tests {
		r := got[i]
		if r.ID != tt.id {
			t.Errorf("request %d: expected ID %s, got %s", i, tt.id, r.ID)
		}
		if r.Status != tt.status {
			t.Errorf("request %s: expected status %s, got %s", tt.id, tt.status, r.Status)
		}
		code := ""
		if r.Code != nil {
			code = *r.Code
		}
		if code != tt.code {
			t.Errorf("request %s: expected code %q, got %q", tt.id, tt.code, code)
		}
		if r.DurationMS != tt.duration {
			t.Errorf("request %s: expected duration %d, got %d", tt.id, tt.duration, r.DurationMS)
		}
	}
	if got[0].CompletedAt == nil {
		t.Error("expected CompletedAt for a completed request")
	}
}

func TestRequestRequiresSession(t *testing.T) {
	journal := setupTestJournal(t)

	err := journal.RecordRequest(context.Background(), &Request{
		ID: "r1", SessionID: "ghost", Method: "Authorize", Status: RequestStatusAccepted,
	})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown session")
	}
}

func TestSyncResults(t *testing.T) {
	journal := setupTestJournal(t)
	ctx := context.Background()
	beginTestSession(t, journal, "session-1")

	results := []*SyncResult{
		{SessionID: "session-1", Repository: "core", Outcome: "synced"},
		{SessionID: "session-1", Repository: "extra", Outcome: "current"},
		{SessionID: "session-1", Repository: "broken", Outcome: "failed", Error: strPtr("failed to retrieve some files")},
	}
	for _, r := range results {
		if err := journal.RecordSyncResult(ctx, r); err != nil {
			t.Fatalf("failed to record sync result: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected generated ID")
		}
	}

	got, err := journal.ListSyncResults(ctx, "session-1")
	if err != nil {
		t.Fatalf("failed to list sync results: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	for i, want := range []string{"core", "extra", "broken"} {
		if got[i].Repository != want {
			t.Errorf("result %d: expected %s, got %s", i, want, got[i].Repository)
		}
	}
	if got[2].Error == nil || *got[2].Error != "failed to retrieve some files" {
		t.Errorf("expected error on failed sync, got %v", got[2].Error)
	}
}

func TestPackageChanges(t *testing.T) {
	journal := setupTestJournal(t)
	ctx := context.Background()
	beginTestSession(t, journal, "session-1")
	beginTestSession(t, journal, "session-2")

	base := time.Now().Add(-time.Hour)
	changes := []*PackageChange{
		{SessionID: "session-1", Action: "upgrade", Name: "vim", OldVersion: "9.0-1", NewVersion: "9.1-1", Timestamp: base},
		{SessionID: "session-1", Action: "remove", Name: "luajit", OldVersion: "2.1-1", NewVersion: "none", Timestamp: base.Add(time.Minute)},
		{SessionID: "session-2", Action: "upgrade", Name: "vim", OldVersion: "9.1-1", NewVersion: "9.1-2", Timestamp: base.Add(2 * time.Minute)},
		{SessionID: "session-2", Action: "install", Name: "lua", OldVersion: "none", NewVersion: "5.4-1", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, c := range changes {
		if err := journal.RecordPackageChange(ctx, c); err != nil {
			t.Fatalf("failed to record package change: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter PackageChangeFilter
		want   []string // new versions, most recent first
	}{
		{"all", PackageChangeFilter{}, []string{"5.4-1", "9.1-2", "none", "9.1-1"}},
		{"by session", PackageChangeFilter{SessionID: strPtr("session-1")}, []string{"none", "9.1-1"}},
		{"by name", PackageChangeFilter{Name: strPtr("vim")}, []string{"9.1-2", "9.1-1"}},
		{"by action", PackageChangeFilter{Action: strPtr("install")}, []string{"5.4-1"}},
		{"limit", PackageChangeFilter{Limit: 2}, []string{"5.4-1", "9.1-2"}},
		{"offset", PackageChangeFilter{Limit: 2, Offset: 2}, []string{"none", "9.1-1"}},
		{"no match", PackageChangeFilter{Name: strPtr("emacs")}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := journal.ListPackageChanges(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list package changes: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d changes, got %d", len(tt.want), len(got))
			}
			for i, v := range tt.want {
				if got[i].NewVersion != v {
					t.Errorf("change %d: expected new version %s, got %s", i, v, got[i].NewVersion)
				}
			}
		})
	}
}

func TestNopJournal(t *testing.T) {
	var j Journal = NopJournal{}
	ctx := context.Background()

	if err := j.BeginSession(ctx, &Session{ID: "s"}); err != nil {
		t.Errorf("BeginSession: %v", err)
	}
	if err := j.RecordPackageChange(ctx, &PackageChange{Name: "vim"}); err != nil {
		t.Errorf("RecordPackageChange: %v", err)
	}
	changes, err := j.ListPackageChanges(ctx, PackageChangeFilter{})
	if err != nil || len(changes) != 0 {
		t.Errorf("expected no changes, got %v, %v", changes, err)
	}
	if _, err := j.GetSession(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
