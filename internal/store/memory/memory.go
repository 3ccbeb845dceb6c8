// Package memory is an in-process store for cursors, target records and
// audit entries. Nothing survives a restart; it backs tests and dry local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

type record struct {
	kind      string
	fields    map[string]string
	submitted bool
}

// Store implements core.CursorStore, core.TargetStore, core.Transactional
// and the audit interfaces.
type Store struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	cursors map[string]core.Cursor
	records map[string]*record
	order   []string // record ids in insert order
	audit   []core.AuditRecord
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		cursors: make(map[string]core.Cursor),
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// ----------------------------------------------------------------------------
// Cursors
// ----------------------------------------------------------------------------

func (s *Store) EnsureCursor(ctx context.Context, mappingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[mappingID]; !ok {
		s.cursors[mappingID] = core.Cursor{MappingID: mappingID, UpdatedAt: s.now()}
	}
	return nil
}

func (s *Store) GetCursor(ctx context.Context, mappingID string) (core.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cur, ok := s.cursors[mappingID]; ok {
		return cur, nil
	}
	return core.Cursor{MappingID: mappingID}, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, expected core.Cursor, newLastRow int) (core.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[expected.MappingID]
	if !ok {
		cur = core.Cursor{MappingID: expected.MappingID}
	}
	if cur.Version != expected.Version || cur.LastRow != expected.LastRow {
		return core.Cursor{}, &core.ConcurrentAdvanceError{
			MappingID: expected.MappingID,
			Expected:  expected.Version,
			Actual:    cur.Version,
		}
	}
	if newLastRow < cur.LastRow {
		return core.Cursor{}, fmt.Errorf("%w: %d < %d", core.ErrCursorRegression, newLastRow, cur.LastRow)
	}

	cur.LastRow = newLastRow
	cur.Version++
	cur.UpdatedAt = s.now()
	s.cursors[expected.MappingID] = cur
	return cur, nil
}

// ----------------------------------------------------------------------------
// Target records
// ----------------------------------------------------------------------------

func (s *Store) Lookup(ctx context.Context, kind string, match map[string]string) ([]core.TargetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.TargetRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.kind != kind || !matches(rec.fields, match) {
			continue
		}
		out = append(out, core.TargetRecord{ID: id, Fields: clone(rec.fields)})
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, kind string, fields map[string]string, opts core.WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.records[id] = &record{kind: kind, fields: clone(fields), submitted: opts.Submit}
	s.order = append(s.order, id)
	return id, nil
}

func (s *Store) Update(ctx context.Context, kind, id string, changed map[string]string, opts core.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.kind != kind {
		return fmt.Errorf("%w: %s %s", core.ErrRecordNotFound, kind, id)
	}
	for k, v := range changed {
		rec.fields[k] = v
	}
	return nil
}

// Atomic runs fn with every write made through it, cursor advances
// included, undone if fn fails.
// Transactions are serialized.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx core.TargetStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	records := make(map[string]*record, len(s.records))
	for id, rec := range s.records {
		records[id] = &record{kind: rec.kind, fields: clone(rec.fields), submitted: rec.submitted}
	}
	order := append([]string(nil), s.order...)
	cursors := make(map[string]core.Cursor, len(s.cursors))
	for id, cur := range s.cursors {
		cursors[id] = cur
	}
	s.mu.RUnlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.records = records
		s.order = order
		s.cursors = cursors
		s.mu.Unlock()
		return err
	}
	return nil
}

// Records returns every record of kind in insert order.
func (s *Store) Records(kind string) []core.TargetRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.TargetRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.kind == kind {
			out = append(out, core.TargetRecord{ID: id, Fields: clone(rec.fields)})
		}
	}
	return out
}

// Submitted reports whether the record was inserted with Submit set.
func (s *Store) Submitted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return ok && rec.submitted
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

func (s *Store) RecordAudit(ctx context.Context, rec core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f core.AuditFilter) ([]core.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.AuditRecord
	for _, rec := range s.audit {
		if f.MappingID != "" && rec.MappingID != f.MappingID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.StartedAt.After(f.Until) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if f.Offset >= len(out) {
		return []core.AuditRecord{}, nil
	}
	out = out[f.Offset:]
	if limit := f.NormalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetAudit(ctx context.Context, id string) (core.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.audit {
		if rec.ID == id {
			return rec, nil
		}
	}
	return core.AuditRecord{}, fmt.Errorf("%w: %s", core.ErrAuditNotFound, id)
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var purged int64
	for _, rec := range s.audit {
		if rec.FinishedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	s.audit = kept
	return purged, nil
}

func matches(fields, match map[string]string) bool {
	for k, v := range match {
		if got, ok := fields[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
