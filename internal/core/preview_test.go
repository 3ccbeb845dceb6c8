package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// BuildPreview Tests
// ============================================================================

func TestBuildPreview(t *testing.T) {
	kinds, _ := NewKinds(KindDefinition{Name: "todo", Fields: []FieldSpec{{Name: "ID"}, {Name: "Description"}}})
	m := testMapping(ModeUpsert)
	m.Columns = map[string]string{"Task": "Description"}

	header := []string{"ID", "Task", "Extra", ""}
	rows := []RawRow{{Index: 1, Cells: header}}
	for i := 0; i < 15; i++ {
		rows = append(rows, RawRow{Index: i + 2, Cells: []string{fmt.Sprint(i), "t"}})
	}

	p := BuildPreview(m, header, rows, kinds)

	if p.TotalRows != 15 {
		t.Errorf("TotalRows = %d, want 15", p.TotalRows)
	}
	if len(p.Rows) != PreviewRows {
		t.Errorf("len(Rows) = %d, want %d", len(p.Rows), PreviewRows)
	}
	if p.Rows[0][0] != "0" {
		t.Errorf("Rows[0][0] = %q, want first data row", p.Rows[0][0])
	}

	tests := []struct {
		label string
		want  FieldMatch
	}{
		{"ID", FieldMatch{Field: "ID", Known: true}},
		{"Task", FieldMatch{Field: "Description", Known: true}},
		{"Extra", FieldMatch{Field: "Extra", Known: false}},
	}
	for _, tt := range tests {
		if got := p.FieldMapping[tt.label]; got != tt.want {
			t.Errorf("FieldMapping[%s] = %+v, want %+v", tt.label, got, tt.want)
		}
	}
	if _, ok := p.FieldMapping[""]; ok {
		t.Error("empty label should not be mapped")
	}
}

func TestBuildPreview_EmptyWorksheet(t *testing.T) {
	p := BuildPreview(testMapping(ModeAppend), []string{"A"}, nil, nil)

	if p.Rows == nil || p.Errors == nil || p.UpdateDiffs == nil {
		t.Error("slices should be non-nil for JSON encoding")
	}
	if p.TotalRows != 0 {
		t.Errorf("TotalRows = %d, want 0", p.TotalRows)
	}
}

// ============================================================================
// Engine.Preview Tests
// ============================================================================

func TestEnginePreview_DryRun(t *testing.T) {
	src := newSheet([]string{"ID", "Title"},
		[]string{"1", "old"},
		[]string{"2", "same"},
		[]string{"3", "new"},
		[]string{"4", "changed"},
	)
	target := newFakeTarget()
	target.seed("todo", map[string]string{"ID": "2", "Title": "same"})
	target.seed("todo", map[string]string{"ID": "4", "Title": "before"})
	cursors := newFakeCursors()
	cursors.set(Cursor{MappingID: "todos", LastRow: 2, Version: 1})

	e := newTestEngine(t, Deps{Cursors: cursors, Source: src, Target: target}, testMapping(ModeUpsert))

	p, err := e.Preview(context.Background(), "todos")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if src.froms[0] != HeaderRow {
		t.Errorf("fetched from row %d, want %d", src.froms[0], HeaderRow)
	}
	if p.TotalRows != 4 {
		t.Errorf("TotalRows = %d, want 4", p.TotalRows)
	}
	want := PreviewSummary{PendingRows: 3, NewRows: 1, UpdateRows: 1, Unchanged: 1}
	if p.Summary != want {
		t.Errorf("Summary = %+v, want %+v", p.Summary, want)
	}
	if len(p.UpdateDiffs) != 1 || p.UpdateDiffs[0].Row != 5 || p.UpdateDiffs[0].Changed["Title"] != "changed" {
		t.Errorf("UpdateDiffs = %+v, want row 5 Title=changed", p.UpdateDiffs)
	}
	if target.inserts+target.updates != 0 {
		t.Error("preview must not write")
	}
	if cursors.advanceCount() != 0 {
		t.Error("preview must not advance the cursor")
	}
}

func TestEnginePreview_NoUniqueKeyReported(t *testing.T) {
	src := newSheet([]string{"Title"}, []string{"a"})
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget()}, testMapping(ModeUpsert))

	p, err := e.Preview(context.Background(), "todos")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if p.Error == "" {
		t.Error("Error should describe the missing unique key")
	}
}

func TestEnginePreview_FetchErrorReturned(t *testing.T) {
	src := newSheet(nil)
	src.errs = []error{&SourceNotFoundError{Source: "sheets:sheet-1", Worksheet: "Todos"}}
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: src, Target: newFakeTarget()}, testMapping(ModeAppend))

	_, err := e.Preview(context.Background(), "todos")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("error = %v, want ErrSourceNotFound", err)
	}
}

func TestEnginePreview_UnknownMapping(t *testing.T) {
	e := newTestEngine(t, Deps{Cursors: newFakeCursors(), Source: newSheet(nil), Target: newFakeTarget()}, testMapping(ModeAppend))

	if _, err := e.Preview(context.Background(), "nope"); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("error = %v, want ErrMappingNotFound", err)
	}
}
