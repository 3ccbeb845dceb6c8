package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Test doubles shared by the core tests
// ============================================================================

// fakeSource serves a worksheet held in memory. Row 1 is the header.
type fakeSource struct {
	mu     sync.Mutex
	header []string
	data   [][]string

	errs  []error // returned by successive calls before serving data
	calls int
	froms []int

	// arrived/gate let a test hold Fetch until it has been called n times.
	arrived chan struct{}
	gate    chan struct{}

	// hang blocks Fetch until its context is done.
	hang bool
}

func newSheet(header []string, data ...[]string) *fakeSource {
	return &fakeSource{header: header, data: data}
}

func (s *fakeSource) appendRows(data ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, data...)
}

func (s *fakeSource) Fetch(ctx context.Context, src SourceRef, ws WorksheetRef, fromRow int) ([]string, []RawRow, error) {
	s.mu.Lock()
	s.calls++
	s.froms = append(s.froms, fromRow)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	arrived, gate, hang := s.arrived, s.gate, s.hang
	s.mu.Unlock()

	if arrived != nil {
		arrived <- struct{}{}
		<-gate
	}
	if hang {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []RawRow
	if fromRow <= HeaderRow {
		rows = append(rows, RawRow{Index: HeaderRow, Cells: append([]string{}, s.header...)})
	}
	for i, cells := range s.data {
		idx := i + 2
		if idx >= fromRow {
			rows = append(rows, RawRow{Index: idx, Cells: append([]string{}, cells...)})
		}
	}
	return append([]string{}, s.header...), rows, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeTarget is a non-transactional target store.
type fakeTarget struct {
	mu      sync.Mutex
	records map[string]TargetRecord
	kinds   map[string]string
	nextID  int

	lookups int
	inserts int
	updates int

	failInsertAt int   // 1-based insert call that fails; 0 disables
	insertErr    error // error returned by that call
	lookupErrs   []error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		records: make(map[string]TargetRecord),
		kinds:   make(map[string]string),
	}
}

// seed stores a record directly and returns its id.
func (f *fakeTarget) seed(kind string, fields map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records[id] = TargetRecord{ID: id, Fields: copyFields(fields)}
	f.kinds[id] = kind
	return id
}

func (f *fakeTarget) Lookup(ctx context.Context, kind string, match map[string]string) ([]TargetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups++
	if len(f.lookupErrs) > 0 {
		err := f.lookupErrs[0]
		f.lookupErrs = f.lookupErrs[1:]
		return nil, err
	}

	var out []TargetRecord
	for id, rec := range f.records {
		if f.kinds[id] != kind {
			continue
		}
		ok := true
		for k, v := range match {
			if rec.Fields[k] != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, TargetRecord{ID: id, Fields: copyFields(rec.Fields)})
		}
	}
	return out, nil
}

func (f *fakeTarget) Insert(ctx context.Context, kind string, fields map[string]string, opts WriteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	if f.failInsertAt > 0 && f.inserts == f.failInsertAt {
		if f.insertErr != nil {
			return "", f.insertErr
		}
		return "", errors.New("insert rejected")
	}

	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records[id] = TargetRecord{ID: id, Fields: copyFields(fields)}
	f.kinds[id] = kind
	return id, nil
}

func (f *fakeTarget) Update(ctx context.Context, kind, id string, changed map[string]string, opts WriteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates++
	rec, ok := f.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	for k, v := range changed {
		rec.Fields[k] = v
	}
	return nil
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// find returns the first record whose field equals value.
func (f *fakeTarget) find(field, value string) (TargetRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.Fields[field] == value {
			return rec, true
		}
	}
	return TargetRecord{}, false
}

// atomicTarget adds snapshot/restore transactions to fakeTarget.
type atomicTarget struct {
	*fakeTarget
	txMu     sync.Mutex
	attempts int
	failTx   []error // returned by successive Atomic calls after fn runs
}

func (a *atomicTarget) Atomic(ctx context.Context, fn func(ctx context.Context, tx TargetStore) error) error {
	a.txMu.Lock()
	defer a.txMu.Unlock()

	a.mu.Lock()
	a.attempts++
	snapshot := make(map[string]TargetRecord, len(a.records))
	for id, rec := range a.records {
		snapshot[id] = TargetRecord{ID: id, Fields: copyFields(rec.Fields)}
	}
	var injected error
	if len(a.failTx) > 0 {
		injected, a.failTx = a.failTx[0], a.failTx[1:]
	}
	a.mu.Unlock()

	err := fn(ctx, a.fakeTarget)
	if err == nil {
		err = injected
	}
	if err != nil {
		a.mu.Lock()
		a.records = snapshot
		a.mu.Unlock()
		return err
	}
	return nil
}

// fakeCursors is an in-memory cursor store with optimistic advance.
type fakeCursors struct {
	mu       sync.Mutex
	cursors  map[string]Cursor
	advances int
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[string]Cursor)}
}

func (c *fakeCursors) set(cur Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[cur.MappingID] = cur
}

func (c *fakeCursors) EnsureCursor(ctx context.Context, mappingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursors[mappingID]; !ok {
		c.cursors[mappingID] = Cursor{MappingID: mappingID}
	}
	return nil
}

func (c *fakeCursors) GetCursor(ctx context.Context, mappingID string) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[mappingID]
	if !ok {
		return Cursor{MappingID: mappingID}, nil
	}
	return cur, nil
}

func (c *fakeCursors) AdvanceCursor(ctx context.Context, expected Cursor, newLastRow int) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.cursors[expected.MappingID]
	cur.MappingID = expected.MappingID
	if cur.Version != expected.Version || cur.LastRow != expected.LastRow {
		return Cursor{}, &ConcurrentAdvanceError{MappingID: expected.MappingID, Expected: expected.Version, Actual: cur.Version}
	}
	if newLastRow < cur.LastRow {
		return Cursor{}, ErrCursorRegression
	}
	cur.LastRow = newLastRow
	cur.Version++
	c.cursors[expected.MappingID] = cur
	c.advances++
	return cur, nil
}

func (c *fakeCursors) advanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advances
}

// sharedStore keeps records and cursors together, like the real backends,
// and hands itself to Atomic so cursor advances join the transaction.
type sharedStore struct {
	*fakeTarget
	*fakeCursors
	txMu sync.Mutex
}

func newSharedStore() *sharedStore {
	return &sharedStore{fakeTarget: newFakeTarget(), fakeCursors: newFakeCursors()}
}

func (s *sharedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx TargetStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.fakeTarget.mu.Lock()
	records := make(map[string]TargetRecord, len(s.fakeTarget.records))
	for id, rec := range s.fakeTarget.records {
		records[id] = TargetRecord{ID: id, Fields: copyFields(rec.Fields)}
	}
	s.fakeTarget.mu.Unlock()

	s.fakeCursors.mu.Lock()
	cursors := make(map[string]Cursor, len(s.fakeCursors.cursors))
	for id, cur := range s.fakeCursors.cursors {
		cursors[id] = cur
	}
	advances := s.fakeCursors.advances
	s.fakeCursors.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.fakeTarget.mu.Lock()
		s.fakeTarget.records = records
		s.fakeTarget.mu.Unlock()

		s.fakeCursors.mu.Lock()
		s.fakeCursors.cursors = cursors
		s.fakeCursors.advances = advances
		s.fakeCursors.mu.Unlock()
		return err
	}
	return nil
}

// fakeAudit collects audit records.
type fakeAudit struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (a *fakeAudit) RecordAudit(ctx context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeAudit) all() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditRecord(nil), a.records...)
}

func int64Ptr(v int64) *int64 { return &v }

func testMapping(mode ImportMode, keys ...string) WorksheetMapping {
	return WorksheetMapping{
		ID:         "todos",
		Source:     SourceRef{Type: SourceSheets, ID: "sheet-1"},
		Worksheet:  WorksheetRef{ID: int64Ptr(0), Name: "Todos"},
		Kind:       "todo",
		Mode:       mode,
		UniqueKeys: keys,
	}
}
