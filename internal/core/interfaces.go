package core

import (
	"context"
	"time"
)

// CursorStore persists one Cursor per mapping.
type CursorStore interface {
	// EnsureCursor creates a zero cursor for the mapping if none exists.
	EnsureCursor(ctx context.Context, mappingID string) error

	// GetCursor returns the stored cursor, or a zero cursor if none exists.
	GetCursor(ctx context.Context, mappingID string) (Cursor, error)

	// AdvanceCursor moves the cursor to newLastRow. It fails with
	// *ConcurrentAdvanceError if the stored cursor no longer equals expected,
	// and with ErrCursorRegression if newLastRow is behind it.
	AdvanceCursor(ctx context.Context, expected Cursor, newLastRow int) (Cursor, error)
}

// SourceReader fetches a worksheet tail.
//
// Fetch returns the header row and every row from fromRow to the current
// end of the worksheet. An empty row slice means nothing new.
type SourceReader interface {
	Fetch(ctx context.Context, src SourceRef, ws WorksheetRef, fromRow int) (header []string, rows []RawRow, err error)
}

// TargetStore holds the records a mapping syncs into.
type TargetStore interface {
	// Lookup returns records of kind whose fields exactly match every entry of match.
	Lookup(ctx context.Context, kind string, match map[string]string) ([]TargetRecord, error)
	Insert(ctx context.Context, kind string, fields map[string]string, opts WriteOptions) (string, error)
	Update(ctx context.Context, kind, id string, changed map[string]string, opts WriteOptions) error
}

// Transactional is implemented by target stores that can apply a whole plan
// atomically. fn receives a store bound to the transaction; returning an
// error rolls back every write made through it.
type Transactional interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx TargetStore) error) error
}

// AuditSink accepts audit records for durable storage.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec AuditRecord) error
}

// AuditReader queries stored audit records.
type AuditReader interface {
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	GetAudit(ctx context.Context, id string) (AuditRecord, error)
}

// AuditPurger deletes audit records finished before a cutoff.
type AuditPurger interface {
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// KeyPolicy decides whether a kind accepts records without a field value.
type KeyPolicy interface {
	PermitsEmpty(kind, field string) bool
}

// CycleObserver is notified once per finished cycle.
type CycleObserver interface {
	ObserveCycle(ctx context.Context, rec AuditRecord)
}
