// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// AuditStore is the full audit surface of a backend.
type AuditStore interface {
	core.AuditSink
	core.AuditReader
	core.AuditPurger
}

// TestCursors checks optimistic cursor advancement.
func TestCursors(t *testing.T, newStore func(t *testing.T) core.CursorStore) {
	ctx := context.Background()

	t.Run("missing cursor reads as zero", func(t *testing.T) {
		s := newStore(t)
		cur, err := s.GetCursor(ctx, "m1")
		if err != nil {
			t.Fatalf("GetCursor() error = %v", err)
		}
		if cur.LastRow != 0 || cur.Version != 0 || cur.MappingID != "m1" {
			t.Errorf("got %+v, want zero cursor for m1", cur)
		}
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 2; i++ {
			if err := s.EnsureCursor(ctx, "m1"); err != nil {
				t.Fatalf("EnsureCursor() error = %v", err)
			}
		}
		cur, _ := s.GetCursor(ctx, "m1")
		if cur.LastRow != 0 || cur.Version != 0 {
			t.Errorf("got %+v, want zero cursor", cur)
		}
	})

	t.Run("advance from zero", func(t *testing.T) {
		for _, ensure := range []bool{false, true} {
			s := newStore(t)
			if ensure {
				if err := s.EnsureCursor(ctx, "m1"); err != nil {
					t.Fatalf("EnsureCursor() error = %v", err)
				}
			}
			start, _ := s.GetCursor(ctx, "m1")

			cur, err := s.AdvanceCursor(ctx, start, 5)
			if err != nil {
				t.Fatalf("AdvanceCursor() (ensure=%v) error = %v", ensure, err)
			}
			if cur.LastRow != 5 || cur.Version == start.Version {
				t.Errorf("got %+v, want last row 5 with a new version", cur)
			}
			stored, _ := s.GetCursor(ctx, "m1")
			if stored.LastRow != 5 || stored.Version != cur.Version {
				t.Errorf("stored %+v, want %+v", stored, cur)
			}
		}
	})

	t.Run("stale expected cursor conflicts", func(t *testing.T) {
		s := newStore(t)
		start, _ := s.GetCursor(ctx, "m1")
		if _, err := s.AdvanceCursor(ctx, start, 3); err != nil {
			t.Fatalf("AdvanceCursor() error = %v", err)
		}

		_, err := s.AdvanceCursor(ctx, start, 4)
		if !errors.Is(err, core.ErrConcurrentAdvance) {
			t.Fatalf("error = %v, want ErrConcurrentAdvance", err)
		}
		stored, _ := s.GetCursor(ctx, "m1")
		if stored.LastRow != 3 {
			t.Errorf("last row = %d, want 3", stored.LastRow)
		}
	})

	t.Run("regression rejected", func(t *testing.T) {
		s := newStore(t)
		start, _ := s.GetCursor(ctx, "m1")
		cur, err := s.AdvanceCursor(ctx, start, 10)
		if err != nil {
			t.Fatalf("AdvanceCursor() error = %v", err)
		}

		if _, err := s.AdvanceCursor(ctx, cur, 9); !errors.Is(err, core.ErrCursorRegression) {
			t.Errorf("error = %v, want ErrCursorRegression", err)
		}
		stored, _ := s.GetCursor(ctx, "m1")
		if stored.LastRow != 10 {
			t.Errorf("last row = %d, want 10", stored.LastRow)
		}
	})

	t.Run("advance to same row", func(t *testing.T) {
		s := newStore(t)
		start, _ := s.GetCursor(ctx, "m1")
		cur, _ := s.AdvanceCursor(ctx, start, 4)
		next, err := s.AdvanceCursor(ctx, cur, 4)
		if err != nil {
			t.Fatalf("AdvanceCursor() error = %v", err)
		}
		if next.LastRow != 4 {
			t.Errorf("last row = %d, want 4", next.LastRow)
		}
	})

	t.Run("mappings are independent", func(t *testing.T) {
		s := newStore(t)
		a, _ := s.GetCursor(ctx, "a")
		if _, err := s.AdvanceCursor(ctx, a, 7); err != nil {
			t.Fatalf("AdvanceCursor() error = %v", err)
		}
		b, _ := s.GetCursor(ctx, "b")
		if b.LastRow != 0 {
			t.Errorf("b last row = %d, want 0", b.LastRow)
		}
	})
}

// TestTarget checks record lookup and writes. Transactional stores are also
// checked for rollback.
func TestTarget(t *testing.T, newStore func(t *testing.T) core.TargetStore) {
	ctx := context.Background()
	opts := core.WriteOptions{}

	t.Run("insert and lookup", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, "todo", map[string]string{"ID": "1", "Title": "a"}, opts)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if id == "" {
			t.Fatal("Insert() returned empty id")
		}
		if _, err := s.Insert(ctx, "todo", map[string]string{"ID": "2", "Title": "a"}, opts); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if _, err := s.Insert(ctx, "note", map[string]string{"ID": "1", "Title": "a"}, opts); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := s.Lookup(ctx, "todo", map[string]string{"ID": "1"})
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != id {
			t.Fatalf("Lookup() = %+v, want record %s", got, id)
		}
		want := map[string]string{"ID": "1", "Title": "a"}
		if !reflect.DeepEqual(got[0].Fields, want) {
			t.Errorf("Fields = %v, want %v", got[0].Fields, want)
		}

		got, _ = s.Lookup(ctx, "todo", map[string]string{"Title": "a"})
		if len(got) != 2 {
			t.Errorf("Lookup(Title) = %d records, want 2", len(got))
		}

		got, _ = s.Lookup(ctx, "todo", map[string]string{"ID": "1", "Title": "b"})
		if len(got) != 0 {
			t.Errorf("Lookup(ID, Title mismatch) = %d records, want 0", len(got))
		}
	})

	t.Run("exact text match", func(t *testing.T) {
		s := newStore(t)
		fields := map[string]string{`Na"me`: `it's "quoted"`, "Amount": " 1,234.50 ", "Emoji": "ünïcode ✓"}
		if _, err := s.Insert(ctx, "todo", fields, opts); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := s.Lookup(ctx, "todo", map[string]string{`Na"me`: `it's "quoted"`, "Amount": " 1,234.50 "})
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if len(got) != 1 || !reflect.DeepEqual(got[0].Fields, fields) {
			t.Errorf("Lookup() = %+v, want the stored record unchanged", got)
		}

		got, _ = s.Lookup(ctx, "todo", map[string]string{"Amount": "1,234.50"})
		if len(got) != 0 {
			t.Errorf("trimmed value matched %d records, want 0", len(got))
		}
	})

	t.Run("update merges changed fields", func(t *testing.T) {
		s := newStore(t)
		id, _ := s.Insert(ctx, "todo", map[string]string{"ID": "1", "Title": "a", "Owner": "kim"}, opts)

		if err := s.Update(ctx, "todo", id, map[string]string{"Title": "b"}, opts); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		got, _ := s.Lookup(ctx, "todo", map[string]string{"ID": "1"})
		want := map[string]string{"ID": "1", "Title": "b", "Owner": "kim"}
		if len(got) != 1 || !reflect.DeepEqual(got[0].Fields, want) {
			t.Errorf("after update = %+v, want %v", got, want)
		}
	})

	t.Run("update missing record", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(ctx, "todo", uuid.New().String(), map[string]string{"Title": "x"}, opts)
		if !errors.Is(err, core.ErrRecordNotFound) {
			t.Errorf("error = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("atomic rollback", func(t *testing.T) {
		s := newStore(t)
		tx, ok := s.(core.Transactional)
		if !ok {
			t.Skip("store is not transactional")
		}
		keep, _ := s.Insert(ctx, "todo", map[string]string{"ID": "1", "Title": "a"}, opts)

		boom := errors.New("boom")
		err := tx.Atomic(ctx, func(ctx context.Context, store core.TargetStore) error {
			if _, err := store.Insert(ctx, "todo", map[string]string{"ID": "2"}, opts); err != nil {
				return err
			}
			if err := store.Update(ctx, "todo", keep, map[string]string{"Title": "changed"}, opts); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Atomic() error = %v, want boom", err)
		}

		if got, _ := s.Lookup(ctx, "todo", map[string]string{"ID": "2"}); len(got) != 0 {
			t.Error("insert survived rollback")
		}
		got, _ := s.Lookup(ctx, "todo", map[string]string{"ID": "1"})
		if len(got) != 1 || got[0].Fields["Title"] != "a" {
			t.Errorf("update survived rollback: %+v", got)
		}
	})

	t.Run("atomic rollback undoes cursor advance", func(t *testing.T) {
		s := newStore(t)
		tx, ok := s.(core.Transactional)
		cursors, isCursors := s.(core.CursorStore)
		if !ok || !isCursors {
			t.Skip("store does not hold cursors transactionally")
		}
		start, _ := cursors.GetCursor(ctx, "m1")

		// A concurrent cycle advanced first; this one must leave no records.
		if _, err := cursors.AdvanceCursor(ctx, start, 4); err != nil {
			t.Fatalf("AdvanceCursor() error = %v", err)
		}
		err := tx.Atomic(ctx, func(ctx context.Context, store core.TargetStore) error {
			if _, err := store.Insert(ctx, "todo", map[string]string{"ID": "race"}, opts); err != nil {
				return err
			}
			_, err := store.(core.CursorStore).AdvanceCursor(ctx, start, 4)
			return err
		})
		if !errors.Is(err, core.ErrConcurrentAdvance) {
			t.Fatalf("Atomic() error = %v, want ErrConcurrentAdvance", err)
		}
		if got, _ := s.Lookup(ctx, "todo", map[string]string{"ID": "race"}); len(got) != 0 {
			t.Errorf("got %d records, want 0 after a lost cursor race", len(got))
		}

		cur, _ := cursors.GetCursor(ctx, "m1")
		boom := errors.New("boom")
		err = tx.Atomic(ctx, func(ctx context.Context, store core.TargetStore) error {
			if _, err := store.(core.CursorStore).AdvanceCursor(ctx, cur, 9); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Atomic() error = %v, want boom", err)
		}
		if got, _ := cursors.GetCursor(ctx, "m1"); got.LastRow != 4 || got.Version != cur.Version {
			t.Errorf("cursor = %+v, want %+v after rollback", got, cur)
		}
	})

	t.Run("atomic commit", func(t *testing.T) {
		s := newStore(t)
		tx, ok := s.(core.Transactional)
		if !ok {
			t.Skip("store is not transactional")
		}

		err := tx.Atomic(ctx, func(ctx context.Context, store core.TargetStore) error {
			_, err := store.Insert(ctx, "todo", map[string]string{"ID": "9"}, opts)
			return err
		})
		if err != nil {
			t.Fatalf("Atomic() error = %v", err)
		}
		if got, _ := s.Lookup(ctx, "todo", map[string]string{"ID": "9"}); len(got) != 1 {
			t.Errorf("committed insert not visible, got %d records", len(got))
		}
	})
}

// TestAudit checks audit persistence, filtering and purging.
func TestAudit(t *testing.T, newStore func(t *testing.T) AuditStore) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(mapping string, status core.AuditStatus, offset time.Duration) core.AuditRecord {
		return core.AuditRecord{
			ID:         uuid.New().String(),
			MappingID:  mapping,
			Kind:       "todo",
			Mode:       core.ModeUpsert,
			Trigger:    core.TriggerSchedule,
			StartRow:   2,
			EndRow:     5,
			Inserted:   3,
			Status:     status,
			StartedAt:  base.Add(offset),
			FinishedAt: base.Add(offset + 1500*time.Millisecond),
		}
	}

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		rec := mk("todos", core.StatusPartial, 0)
		rec.Failed = 1
		rec.IPAddress = "10.0.0.1"
		rec.Errors = []core.RecordError{{Row: 4, Code: "KEY002", Message: "missing key", Fields: map[string]string{"ID": ""}}}

		if err := s.RecordAudit(ctx, rec); err != nil {
			t.Fatalf("RecordAudit() error = %v", err)
		}
		got, err := s.GetAudit(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetAudit() error = %v", err)
		}

		if got.MappingID != rec.MappingID || got.Status != rec.Status || got.Inserted != 3 || got.Failed != 1 {
			t.Errorf("got %+v, want %+v", got, rec)
		}
		if got.IPAddress != "10.0.0.1" || got.Trigger != core.TriggerSchedule {
			t.Errorf("trigger %q ip %q not stored", got.Trigger, got.IPAddress)
		}
		if !got.StartedAt.Equal(rec.StartedAt) || !got.FinishedAt.Equal(rec.FinishedAt) {
			t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, rec.StartedAt, rec.FinishedAt)
		}
		if len(got.Errors) != 1 || got.Errors[0].Row != 4 || got.Errors[0].Code != "KEY002" {
			t.Errorf("Errors = %+v, want row 4 KEY002", got.Errors)
		}
	})

	t.Run("failed cycle fields", func(t *testing.T) {
		s := newStore(t)
		rec := mk("todos", core.StatusFailed, 0)
		rec.FailedIn = core.StateFetching
		rec.Error = "source unavailable"
		if err := s.RecordAudit(ctx, rec); err != nil {
			t.Fatalf("RecordAudit() error = %v", err)
		}
		got, _ := s.GetAudit(ctx, rec.ID)
		if got.FailedIn != core.StateFetching || got.Error != "source unavailable" {
			t.Errorf("got failed_in %q error %q", got.FailedIn, got.Error)
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetAudit(ctx, uuid.New().String()); !errors.Is(err, core.ErrAuditNotFound) {
			t.Errorf("error = %v, want ErrAuditNotFound", err)
		}
	})

	t.Run("list filters newest first", func(t *testing.T) {
		s := newStore(t)
		first := mk("todos", core.StatusSuccess, 0)
		second := mk("todos", core.StatusFailed, time.Minute)
		other := mk("ledger", core.StatusSuccess, 2*time.Minute)
		for _, r := range []core.AuditRecord{first, second, other} {
			if err := s.RecordAudit(ctx, r); err != nil {
				t.Fatalf("RecordAudit() error = %v", err)
			}
		}

		got, err := s.ListAudit(ctx, core.AuditFilter{MappingID: "todos"})
		if err != nil {
			t.Fatalf("ListAudit() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
			t.Errorf("ListAudit(todos) = %v, want [second first]", ids(got))
		}

		got, _ = s.ListAudit(ctx, core.AuditFilter{Status: core.StatusSuccess})
		if len(got) != 2 {
			t.Errorf("ListAudit(success) = %d, want 2", len(got))
		}

		got, _ = s.ListAudit(ctx, core.AuditFilter{Limit: 1, Offset: 1})
		if len(got) != 1 || got[0].ID != second.ID {
			t.Errorf("ListAudit(limit 1 offset 1) = %v, want [second]", ids(got))
		}

		got, _ = s.ListAudit(ctx, core.AuditFilter{Since: base.Add(30 * time.Second)})
		if len(got) != 2 {
			t.Errorf("ListAudit(since) = %d, want 2", len(got))
		}
	})

	t.Run("purge", func(t *testing.T) {
		s := newStore(t)
		old := mk("todos", core.StatusSuccess, -48*time.Hour)
		recent := mk("todos", core.StatusSuccess, 0)
		for _, r := range []core.AuditRecord{old, recent} {
			if err := s.RecordAudit(ctx, r); err != nil {
				t.Fatalf("RecordAudit() error = %v", err)
			}
		}

		n, err := s.PurgeAudit(ctx, base.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PurgeAudit() error = %v", err)
		}
		if n != 1 {
			t.Errorf("purged = %d, want 1", n)
		}
		if _, err := s.GetAudit(ctx, old.ID); !errors.Is(err, core.ErrAuditNotFound) {
			t.Errorf("old entry still present: %v", err)
		}
		if _, err := s.GetAudit(ctx, recent.ID); err != nil {
			t.Errorf("recent entry purged: %v", err)
		}
	})
}

func ids(recs []core.AuditRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
