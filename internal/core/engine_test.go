package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testOptions = Options{
	FetchTimeout:  time.Second,
	CommitTimeout: time.Second,
	RetryInterval: time.Millisecond,
}

func newTestEngine(t *testing.T, deps Deps, mappings ...WorksheetMapping) *Engine {
	t.Helper()
	e, err := NewEngine(deps, mappings, testOptions)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// dataRows returns n rows of the form {"<i>", "title <i>"}.
func dataRows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = []string{fmt.Sprint(i + 1), fmt.Sprintf("title %d", i+1)}
	}
	return rows
}

// ============================================================================
// NewEngine Tests
// ============================================================================

func TestNewEngine_Validation(t *testing.T) {
	deps := Deps{Cursors: newFakeCursors(), Source: newSheet(nil), Target: newFakeTarget()}

	tests := []struct {
		name     string
		deps     Deps
		mappings []WorksheetMapping
		wantErr  bool
	}{
		{"valid", deps, []WorksheetMapping{testMapping(ModeAppend)}, false},
		{"missing source", Deps{Cursors: newFakeCursors(), Target: newFakeTarget()}, nil, true},
		{"invalid mapping", deps, []WorksheetMapping{{ID: "x"}}, true},
		{"duplicate id", deps, []WorksheetMapping{testMapping(ModeAppend), testMapping(ModeUpsert)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.deps, tt.mappings, testOptions)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEngine() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// RunCycle Tests
// ============================================================================

func TestRunCycle_FetchesOnlyPastCursor(t *testing.T) {
	tests := []struct {
		name    string
		mapping WorksheetMapping
	}{
		{"append", testMapping(ModeAppend)},
		{"upsert", testMapping(ModeUpsert, "ID")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSheet([]string{"ID", "Title"}, dataRows(11)...)
			target := newFakeTarget()
			cursors := newFakeCursors()
			cursors.set(Cursor{MappingID: "todos", LastRow: 10, Version: 3})
			audit := &fakeAudit{}

			e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target, Audit: audit}, tt.mapping)

			rec, err := e.RunCycle(context.Background(), "todos")
			if err != nil {
				t.Fatalf("RunCycle() error = %v", err)
			}

			if src.froms[0] != 11 {
				t.Errorf("fetched from row %d, want 11", src.froms[0])
			}
			if rec.Inserted != 2 || rec.Updated != 0 || rec.Unchanged != 0 {
				t.Errorf("inserted=%d updated=%d unchanged=%d, want 2, 0 and 0", rec.Inserted, rec.Updated, rec.Unchanged)
			}
			if target.count() != 2 {
				t.Errorf("records = %d, want 2", target.count())
			}
			for _, id := range []string{"10", "11"} {
				if _, ok := target.find("ID", id); !ok {
					t.Errorf("record with ID %s missing", id)
				}
			}
			if rec.StartRow != 11 || rec.EndRow != 12 {
				t.Errorf("range = [%d,%d], want [11,12]", rec.StartRow, rec.EndRow)
			}
			if rec.Status != StatusSuccess {
				t.Errorf("Status = %s, want success", rec.Status)
			}

			cur, _ := cursors.GetCursor(context.Background(), "todos")
			if cur.LastRow != 12 {
				t.Errorf("cursor = %d, want 12", cur.LastRow)
			}
			if got := audit.all(); len(got) != 1 || got[0].ID != rec.ID {
				t.Errorf("audit records = %d, want exactly the cycle's record", len(got))
			}
		})
	}
}

func TestRunCycle_Idempotent(t *testing.T) {
	src := newSheet([]string{"ID", "Title"}, dataRows(3)...)
	target := newFakeTarget()
	cursors := newFakeCursors()
	audit := &fakeAudit{}
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target, Audit: audit}, testMapping(ModeAppend))

	if _, err := e.RunCycle(context.Background(), "todos"); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}
	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}

	if !rec.NoOp() {
		t.Errorf("second cycle should be a no-op, got %+v", rec)
	}
	if target.count() != 3 {
		t.Errorf("records = %d, want 3", target.count())
	}
	if cursors.advanceCount() != 1 {
		t.Errorf("advances = %d, want 1", cursors.advanceCount())
	}
	if src.froms[1] != 5 {
		t.Errorf("second fetch from %d, want 5", src.froms[1])
	}
	if len(audit.all()) != 2 {
		t.Errorf("audit records = %d, want 2", len(audit.all()))
	}
}

func TestRunCycle_AppendedRowsPickedUp(t *testing.T) {
	src := newSheet([]string{"ID", "Title"}, dataRows(2)...)
	target := newFakeTarget()
	cursors := newFakeCursors()
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeUpsert))

	if _, err := e.RunCycle(context.Background(), "todos"); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	src.appendRows([]string{"3", "late"})

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if rec.Inserted != 1 || rec.StartRow != 4 {
		t.Errorf("got inserted %d from row %d, want 1 from row 4", rec.Inserted, rec.StartRow)
	}
	if target.count() != 3 {
		t.Errorf("records = %d, want 3", target.count())
	}
}

func TestRunCycle_UpsertDedup(t *testing.T) {
	src := newSheet([]string{"ID", "Title"}, []string{"1", "a"}, []string{"2", "b2"})
	target := newFakeTarget()
	target.seed("todo", map[string]string{"ID": "1", "Title": "a"})
	target.seed("todo", map[string]string{"ID": "2", "Title": "b"})

	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: target}, testMapping(ModeUpsert))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if rec.Inserted != 0 || rec.Updated != 1 || rec.Unchanged != 1 {
		t.Errorf("counts = %d/%d/%d, want 0/1/1", rec.Inserted, rec.Updated, rec.Unchanged)
	}
}

func TestRunCycle_PartialOnRecordErrors(t *testing.T) {
	kinds, _ := NewKinds(KindDefinition{Name: "todo", Fields: []FieldSpec{{Name: "ID", Required: true}}})
	src := newSheet([]string{"ID", "Title"}, []string{"1", "a"}, []string{"", "keyless"}, []string{"3", "c"})
	cursors := newFakeCursors()

	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: newFakeTarget(), Kinds: kinds}, testMapping(ModeUpsert))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if rec.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", rec.Status)
	}
	if rec.Inserted != 2 || rec.Failed != 1 {
		t.Errorf("inserted %d failed %d, want 2 and 1", rec.Inserted, rec.Failed)
	}
	if len(rec.Errors) != 1 || rec.Errors[0].Row != 3 {
		t.Errorf("Errors = %+v, want row 3", rec.Errors)
	}

	cur, _ := cursors.GetCursor(context.Background(), "todos")
	if cur.LastRow != 4 {
		t.Errorf("cursor = %d, want 4", cur.LastRow)
	}
}

func TestRunCycle_BlankRowsOnlyAdvance(t *testing.T) {
	src := newSheet([]string{"Title"}, []string{""}, []string{" "})
	target := newFakeTarget()
	cursors := newFakeCursors()
	cursors.set(Cursor{MappingID: "todos", LastRow: 1})

	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeUpsert))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if rec.Status != StatusSuccess || rec.Inserted != 0 {
		t.Errorf("got %s with %d inserted, want success with 0", rec.Status, rec.Inserted)
	}
	cur, _ := cursors.GetCursor(context.Background(), "todos")
	if cur.LastRow != 3 {
		t.Errorf("cursor = %d, want 3", cur.LastRow)
	}
	if target.lookups != 0 {
		t.Errorf("lookups = %d, want 0", target.lookups)
	}
}

func TestRunCycle_NoUniqueKey(t *testing.T) {
	src := newSheet([]string{"Title"}, []string{"a"})
	cursors := newFakeCursors()
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: newFakeTarget()}, testMapping(ModeUpsert))

	rec, err := e.RunCycle(context.Background(), "todos")
	if MapError(err).Code != "CFG001" {
		t.Errorf("code = %s, want CFG001 (err %v)", MapError(err).Code, err)
	}
	if rec.FailedIn != StateReconciling {
		t.Errorf("FailedIn = %s, want %s", rec.FailedIn, StateReconciling)
	}
	if cursors.advanceCount() != 0 {
		t.Error("cursor must not advance")
	}
}

func TestRunCycle_UnknownMapping(t *testing.T) {
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: newSheet(nil), Target: newFakeTarget()}, testMapping(ModeAppend))

	if _, err := e.RunCycle(context.Background(), "missing"); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("error = %v, want ErrMappingNotFound", err)
	}
}

// ============================================================================
// Source Failure Tests
// ============================================================================

func TestRunCycle_SourceRetriedOnce(t *testing.T) {
	unavailable := &SourceUnavailableError{Source: "sheets:sheet-1", Retryable: true, Err: errors.New("503")}

	t.Run("recovers on retry", func(t *testing.T) {
		src := newSheet([]string{"ID"}, []string{"1"})
		src.errs = []error{unavailable}
		e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget()}, testMapping(ModeAppend))

		rec, err := e.RunCycle(context.Background(), "todos")
		if err != nil {
			t.Fatalf("RunCycle() error = %v", err)
		}
		if src.callCount() != 2 || rec.Inserted != 1 {
			t.Errorf("calls %d inserted %d, want 2 and 1", src.callCount(), rec.Inserted)
		}
	})

	t.Run("fails after one retry", func(t *testing.T) {
		src := newSheet([]string{"ID"}, []string{"1"})
		src.errs = []error{unavailable, unavailable, unavailable}
		cursors := newFakeCursors()
		e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: newFakeTarget()}, testMapping(ModeAppend))

		rec, err := e.RunCycle(context.Background(), "todos")
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Fatalf("error = %v, want ErrSourceUnavailable", err)
		}
		if src.callCount() != 2 {
			t.Errorf("calls = %d, want 2", src.callCount())
		}
		if rec.FailedIn != StateFetching || rec.Status != StatusFailed {
			t.Errorf("got %s in %s, want failed in FETCHING", rec.Status, rec.FailedIn)
		}
		if cursors.advanceCount() != 0 {
			t.Error("cursor must not advance")
		}
	})

	t.Run("not found is not retried", func(t *testing.T) {
		src := newSheet([]string{"ID"})
		src.errs = []error{&SourceNotFoundError{Source: "sheets:sheet-1", Worksheet: "Todos"}}
		e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget()}, testMapping(ModeAppend))

		_, err := e.RunCycle(context.Background(), "todos")
		if !errors.Is(err, ErrSourceNotFound) {
			t.Errorf("error = %v, want ErrSourceNotFound", err)
		}
		if src.callCount() != 1 {
			t.Errorf("calls = %d, want 1", src.callCount())
		}
	})
}

func TestRunCycle_FetchTimeout(t *testing.T) {
	src := newSheet([]string{"ID"})
	src.hang = true
	e, err := NewEngine(
		Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget()},
		[]WorksheetMapping{testMapping(ModeAppend)},
		Options{FetchTimeout: 20 * time.Millisecond, CommitTimeout: time.Second, RetryInterval: time.Millisecond},
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, err = e.RunCycle(context.Background(), "todos")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
	if src.callCount() != 2 {
		t.Errorf("calls = %d, want 2", src.callCount())
	}
}

// ============================================================================
// Target Failure Tests
// ============================================================================

func TestRunCycle_WriteFailureNonAtomic(t *testing.T) {
	src := newSheet([]string{"ID"}, dataRows(3)...)
	target := newFakeTarget()
	target.failInsertAt = 2
	cursors := newFakeCursors()
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeAppend))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err == nil {
		t.Fatal("RunCycle() expected error")
	}
	if rec.FailedIn != StateCommitting {
		t.Errorf("FailedIn = %s, want COMMITTING", rec.FailedIn)
	}
	if rec.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1 visible partial write", rec.Inserted)
	}
	if target.inserts != 2 {
		t.Errorf("insert calls = %d, want 2 (no retry)", target.inserts)
	}
	if cursors.advanceCount() != 0 {
		t.Error("cursor must not advance")
	}
}

func TestRunCycle_WriteFailureAtomic(t *testing.T) {
	t.Run("permanent failure rolls back", func(t *testing.T) {
		src := newSheet([]string{"ID"}, dataRows(3)...)
		target := &atomicTarget{fakeTarget: newFakeTarget()}
		target.failInsertAt = 3
		cursors := newFakeCursors()
		e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeAppend))

		rec, err := e.RunCycle(context.Background(), "todos")
		if err == nil {
			t.Fatal("RunCycle() expected error")
		}
		if target.count() != 0 {
			t.Errorf("records = %d, want 0 after rollback", target.count())
		}
		if rec.Inserted != 0 {
			t.Errorf("Inserted = %d, want 0", rec.Inserted)
		}
		if target.attempts != 1 {
			t.Errorf("attempts = %d, want 1", target.attempts)
		}
		if cursors.advanceCount() != 0 {
			t.Error("cursor must not advance")
		}
	})

	t.Run("transient failure retried", func(t *testing.T) {
		src := newSheet([]string{"ID"}, dataRows(3)...)
		target := &atomicTarget{fakeTarget: newFakeTarget()}
		target.failTx = []error{&TargetUnavailableError{Op: "commit", Err: errors.New("serialization failure")}}
		cursors := newFakeCursors()
		e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeAppend))

		rec, err := e.RunCycle(context.Background(), "todos")
		if err != nil {
			t.Fatalf("RunCycle() error = %v", err)
		}
		if target.attempts != 2 {
			t.Errorf("attempts = %d, want 2", target.attempts)
		}
		if rec.Inserted != 3 || target.count() != 3 {
			t.Errorf("inserted %d stored %d, want 3 and 3", rec.Inserted, target.count())
		}
	})
}

func TestRunCycle_LookupRetriedOnce(t *testing.T) {
	src := newSheet([]string{"ID"}, []string{"1"})
	target := newFakeTarget()
	target.lookupErrs = []error{&TargetUnavailableError{Op: "lookup", Err: errors.New("reset")}}
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: target}, testMapping(ModeUpsert))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if target.lookups != 2 || rec.Inserted != 1 {
		t.Errorf("lookups %d inserted %d, want 2 and 1", target.lookups, rec.Inserted)
	}
}

// ============================================================================
// Cursor Tests
// ============================================================================

func TestRunCycle_CursorMonotonicAcrossFailures(t *testing.T) {
	src := newSheet([]string{"ID"}, dataRows(2)...)
	cursors := newFakeCursors()
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: newFakeTarget()}, testMapping(ModeAppend))

	last := 0
	check := func() {
		t.Helper()
		cur, _ := cursors.GetCursor(context.Background(), "todos")
		if cur.LastRow < last {
			t.Fatalf("cursor regressed from %d to %d", last, cur.LastRow)
		}
		last = cur.LastRow
	}

	if _, err := e.RunCycle(context.Background(), "todos"); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	check()

	src.appendRows([]string{"3"})
	src.errs = []error{&SourceNotFoundError{Source: "sheets:sheet-1"}}
	if _, err := e.RunCycle(context.Background(), "todos"); err == nil {
		t.Fatal("expected failure")
	}
	check()

	if _, err := e.RunCycle(context.Background(), "todos"); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	check()
	if last != 4 {
		t.Errorf("cursor = %d, want 4", last)
	}
}

func TestRunCycle_ConcurrentCyclesAdvanceOnce(t *testing.T) {
	src := newSheet([]string{"ID"}, dataRows(3)...)
	src.arrived = make(chan struct{})
	src.gate = make(chan struct{})
	cursors := newFakeCursors()
	target := newFakeTarget()
	audit := &fakeAudit{}
	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target, Audit: audit}, testMapping(ModeAppend))

	done := make(chan error, 1)
	go func() {
		_, err := e.RunCycle(context.Background(), "todos")
		done <- err
	}()
	<-src.arrived

	rec, err := e.RunCycle(context.Background(), "todos")
	if !errors.Is(err, ErrConcurrentAdvance) {
		t.Fatalf("second RunCycle() error = %v, want ErrConcurrentAdvance", err)
	}
	if got := MapError(err).Code; got != "CUR001" {
		t.Errorf("code = %s, want CUR001", got)
	}
	if rec.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}

	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}

	if src.callCount() != 1 {
		t.Errorf("fetches = %d, want 1", src.callCount())
	}
	if cursors.advanceCount() != 1 {
		t.Errorf("advances = %d, want 1", cursors.advanceCount())
	}
	if target.count() != 3 {
		t.Errorf("records = %d, want 3", target.count())
	}
	if got := len(audit.all()); got != 2 {
		t.Errorf("audit records = %d, want 2", got)
	}
}

func TestRunCycle_SharedStoreRaceRollsBack(t *testing.T) {
	tests := []struct {
		name         string
		mapping      WorksheetMapping
		wantInserted int
		wantUpdated  int
		wantRecords  int
	}{
		{"append", testMapping(ModeAppend), 1, 0, 4},
		{"upsert", testMapping(ModeUpsert, "ID"), 0, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSheet([]string{"ID", "Title"}, dataRows(3)...)
			src.arrived = make(chan struct{})
			src.gate = make(chan struct{})
			store := newSharedStore()

			// Two engines stand in for two processes sharing one database.
			deps := Deps{Cursors: store, Source: src, Target: store}
			engines := []*Engine{newTestEngine(t, deps, tt.mapping), newTestEngine(t, deps, tt.mapping)}

			var wg sync.WaitGroup
			errs := make([]error, len(engines))
			for i, e := range engines {
				wg.Add(1)
				go func(i int, e *Engine) {
					defer wg.Done()
					_, errs[i] = e.RunCycle(context.Background(), "todos")
				}(i, e)
			}
			<-src.arrived
			<-src.arrived
			close(src.gate)
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrConcurrentAdvance):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			if ok != 1 || conflicts != 1 {
				t.Fatalf("got %d ok and %d conflicts, want 1 and 1", ok, conflicts)
			}
			if store.advanceCount() != 1 {
				t.Errorf("advances = %d, want 1", store.advanceCount())
			}
			if store.count() != 3 {
				t.Errorf("records = %d, want 3", store.count())
			}

			src.mu.Lock()
			src.arrived = nil
			src.mu.Unlock()
			src.appendRows([]string{"2", "renamed"})

			rec, err := engines[0].RunCycle(context.Background(), "todos")
			if err != nil {
				t.Fatalf("follow-up RunCycle() error = %v", err)
			}
			if rec.Inserted != tt.wantInserted || rec.Updated != tt.wantUpdated {
				t.Errorf("inserted=%d updated=%d, want %d and %d", rec.Inserted, rec.Updated, tt.wantInserted, tt.wantUpdated)
			}
			if store.count() != tt.wantRecords {
				t.Errorf("records = %d, want %d", store.count(), tt.wantRecords)
			}
			cur, _ := store.GetCursor(context.Background(), "todos")
			if cur.LastRow != 5 {
				t.Errorf("cursor = %d, want 5", cur.LastRow)
			}
		})
	}
}

// ============================================================================
// Audit and Observer Tests
// ============================================================================

type recordingObserver struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (o *recordingObserver) ObserveCycle(ctx context.Context, rec AuditRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recs = append(o.recs, rec)
}

func TestRunCycle_AuditFailureIgnored(t *testing.T) {
	src := newSheet([]string{"ID"}, []string{"1"})
	obs := &recordingObserver{}
	audit := &fakeAudit{err: errors.New("disk full")}
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget(), Audit: audit, Observer: obs}, testMapping(ModeAppend))

	rec, err := e.RunCycle(context.Background(), "todos")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("Status = %s, want success", rec.Status)
	}
	if len(obs.recs) != 1 {
		t.Errorf("observed = %d, want 1", len(obs.recs))
	}
}

func TestRunCycle_AuditCarriesTrigger(t *testing.T) {
	src := newSheet([]string{"ID"})
	audit := &fakeAudit{}
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget(), Audit: audit}, testMapping(ModeAppend))

	ctx := ContextWithIPAddress(ContextWithTrigger(context.Background(), TriggerAPI), "10.0.0.7")
	if _, err := e.RunCycle(ctx, "todos"); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got := audit.all()[0]
	if got.Trigger != TriggerAPI || got.IPAddress != "10.0.0.7" {
		t.Errorf("trigger %q ip %q, want %q and %q", got.Trigger, got.IPAddress, TriggerAPI, "10.0.0.7")
	}
	if got.FinishedAt.Before(got.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
}

func TestRunCycle_LimiterExhausted(t *testing.T) {
	limiter := NewCycleLimiter(1, 10*time.Millisecond)
	if err := limiter.Acquire(context.Background(), "other"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer limiter.Release("other")

	audit := &fakeAudit{}
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: newSheet([]string{"ID"}), Target: newFakeTarget(), Audit: audit, Limiter: limiter}, testMapping(ModeAppend))

	rec, err := e.RunCycle(context.Background(), "todos")
	if !errors.Is(err, ErrTooManyCycles) {
		t.Fatalf("error = %v, want ErrTooManyCycles", err)
	}
	if rec.FailedIn != StateIdle {
		t.Errorf("FailedIn = %s, want IDLE", rec.FailedIn)
	}
	if len(audit.all()) != 1 {
		t.Errorf("audit records = %d, want 1", len(audit.all()))
	}
}
