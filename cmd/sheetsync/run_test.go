package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/schedule"
)

// =============================================================================
// printOutcome Tests
// =============================================================================

func TestPrintOutcome(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		outcome schedule.Outcome
		want    []string
	}{
		{
			name: "partial",
			outcome: schedule.Outcome{
				MappingID: "todos",
				Record: core.AuditRecord{
					ID: "a1", Status: core.StatusPartial,
					StartRow: 2, EndRow: 4, Inserted: 2, Failed: 1,
					Errors:     []core.RecordError{{Row: 3, Code: "REQUIRED", Message: "ID is required"}},
					StartedAt:  started,
					FinishedAt: started.Add(1500 * time.Millisecond),
				},
			},
			want: []string{
				"todos: partial rows 2-4 inserted=2 updated=0 unchanged=0 failed=1 (1.5s)",
				"  row 3: [REQUIRED] ID is required",
			},
		},
		{
			name: "no new rows",
			outcome: schedule.Outcome{
				MappingID: "todos",
				Record:    core.AuditRecord{ID: "a2", Status: core.StatusSuccess, StartRow: 9, EndRow: 8},
			},
			want: []string{"todos: no new rows (cursor at row 8)"},
		},
		{
			name: "failed",
			outcome: schedule.Outcome{
				MappingID: "todos",
				Err:       fmt.Errorf("fetch: %w", core.ErrSourceNotFound),
			},
			want: []string{"todos: FAILED [SRC002]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printOutcome(&buf, tt.outcome)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output = %q, want it to contain %q", buf.String(), w)
				}
			}
		})
	}
}

// =============================================================================
// newCycleResult Tests
// =============================================================================

func TestNewCycleResult_JSON(t *testing.T) {
	res := newCycleResult(schedule.Outcome{
		MappingID: "todos",
		Err:       fmt.Errorf("fetch: %w", core.ErrSourceNotFound),
	})

	var buf bytes.Buffer
	if err := printJSON(&buf, []cycleResult{res}); err != nil {
		t.Fatalf("printJSON() error = %v", err)
	}

	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if _, ok := got[0]["audit"]; ok {
		t.Errorf("audit present for a cycle without a record: %v", got[0])
	}
	errObj, ok := got[0]["error"].(map[string]any)
	if !ok {
		t.Fatalf("error = %v, want an object", got[0]["error"])
	}
	if errObj["code"] != "SRC002" {
		t.Errorf("error code = %v, want SRC002", errObj["code"])
	}
}
