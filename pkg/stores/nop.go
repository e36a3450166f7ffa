package stores

import (
	"context"
	"time"
)

// NopJournal discards everything. It is used when journaling is disabled.
type NopJournal struct{}

var _ Journal = NopJournal{}

func (NopJournal) Init(context.Context) error                                { return nil }
func (NopJournal) Close() error                                              { return nil }
func (NopJournal) Migrate(context.Context) error                             { return nil }
func (NopJournal) BeginSession(context.Context, *Session) error              { return nil }
func (NopJournal) EndSession(context.Context, string, string) error          { return nil }
func (NopJournal) RecordRequest(context.Context, *Request) error             { return nil }
func (NopJournal) RecordSyncResult(context.Context, *SyncResult) error       { return nil }
func (NopJournal) RecordPackageChange(context.Context, *PackageChange) error { return nil }
func (NopJournal) HealthCheck(context.Context) error                         { return nil }

func (NopJournal) GetSession(context.Context, string) (*Session, error) {
	return nil, ErrNotFound
}

func (NopJournal) ListSessions(context.Context, int, int) ([]*Session, error) {
	return nil, nil
}

func (NopJournal) CompleteRequest(context.Context, string, string, RequestStatus, *string, *string, time.Duration) error {
	return nil
}

func (NopJournal) ListRequests(context.Context, string) ([]*Request, error) {
	return nil, nil
}

func (NopJournal) ListSyncResults(context.Context, string) ([]*SyncResult, error) {
	return nil, nil
}

func (NopJournal) ListPackageChanges(context.Context, PackageChangeFilter) ([]*PackageChange, error) {
	return nil, nil
}
