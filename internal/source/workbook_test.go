package source

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func writeWorkbook(t *testing.T) (string, int64) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet("Ledger"); err != nil {
		t.Fatalf("NewSheet() error = %v", err)
	}
	rows := [][]any{
		{"Account", "Amount"},
		{"4000", "12.50"},
		{},
		{"4100", "3"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Ledger", cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}

	var id int64
	for sid, name := range f.GetSheetMap() {
		if name == "Ledger" {
			id = int64(sid)
		}
	}

	path := filepath.Join(t.TempDir(), "ledger.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs() error = %v", err)
	}
	return path, id
}

func TestWorkbookReader_Fetch(t *testing.T) {
	path, id := writeWorkbook(t)
	src := core.SourceRef{Type: core.SourceWorkbook, ID: path}

	tests := []struct {
		name    string
		ws      core.WorksheetRef
		from    int
		wantIdx []int
	}{
		{"by name from header", core.WorksheetRef{Name: "Ledger"}, 1, []int{1, 2, 3, 4}},
		{"by id tail", core.WorksheetRef{ID: &id}, 3, []int{3, 4}},
		{"past end", core.WorksheetRef{Name: "Ledger"}, 9, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, rows, err := NewWorkbookReader().Fetch(context.Background(), src, tt.ws, tt.from)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(header) != 2 || header[1] != "Amount" {
				t.Errorf("header = %v, want [Account Amount]", header)
			}
			if len(rows) != len(tt.wantIdx) {
				t.Fatalf("got %d rows, want %d", len(rows), len(tt.wantIdx))
			}
			for i, row := range rows {
				if row.Index != tt.wantIdx[i] {
					t.Errorf("rows[%d].Index = %d, want %d", i, row.Index, tt.wantIdx[i])
				}
			}
		})
	}
}

func TestWorkbookReader_Missing(t *testing.T) {
	path, _ := writeWorkbook(t)
	ctx := context.Background()

	_, _, err := NewWorkbookReader().Fetch(ctx,
		core.SourceRef{Type: core.SourceWorkbook, ID: filepath.Join(t.TempDir(), "gone.xlsx")},
		core.WorksheetRef{Name: "Ledger"}, 2)
	if !errors.Is(err, core.ErrSourceNotFound) {
		t.Errorf("missing file: got %v, want ErrSourceNotFound", err)
	}

	_, _, err = NewWorkbookReader().Fetch(ctx,
		core.SourceRef{Type: core.SourceWorkbook, ID: path},
		core.WorksheetRef{Name: "Nope"}, 2)
	if !errors.Is(err, core.ErrSourceNotFound) {
		t.Errorf("missing worksheet: got %v, want ErrSourceNotFound", err)
	}
}

// ============================================================================
// Router Tests
// ============================================================================

type stubReader struct{ calls int }

func (s *stubReader) Fetch(context.Context, core.SourceRef, core.WorksheetRef, int) ([]string, []core.RawRow, error) {
	s.calls++
	return []string{"A"}, nil, nil
}

func TestRouter(t *testing.T) {
	stub := &stubReader{}
	rt := NewRouter().Handle(core.SourceSheets, stub)

	if _, _, err := rt.Fetch(context.Background(), core.SourceRef{Type: core.SourceSheets, ID: "x"}, core.WorksheetRef{Name: "a"}, 2); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1", stub.calls)
	}

	_, _, err := rt.Fetch(context.Background(), core.SourceRef{Type: core.SourceWorkbook, ID: "x"}, core.WorksheetRef{Name: "a"}, 2)
	if !errors.Is(err, core.ErrSourceUnavailable) || core.IsRetryable(err) {
		t.Errorf("unrouted type: got %v, want non-retryable ErrSourceUnavailable", err)
	}
}
