package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/store/storetest"
)

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if errors.Is(got, core.ErrTargetUnavailable) != tt.transient {
				t.Errorf("classify(%v) = %v, transient want %v", tt.err, got, tt.transient)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classify() lost the cause: %v", got)
			}
		})
	}

	if classify("op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

// ============================================================================
// Type helpers
// ============================================================================

func TestToPgUUID(t *testing.T) {
	id := uuid.New().String()

	tests := []struct {
		in    string
		valid bool
	}{
		{id, true},
		{"", false},
		{"not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := toPgUUID(tt.in)
			if got.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v", got.Valid, tt.valid)
			}
			if tt.valid && uuidToString(got) != tt.in {
				t.Errorf("round trip = %q, want %q", uuidToString(got), tt.in)
			}
		})
	}
}

func TestToPgText(t *testing.T) {
	if toPgText("").Valid {
		t.Error("empty string should be NULL")
	}
	if got := toPgText("api"); !got.Valid || got.String != "api" {
		t.Errorf("got %+v, want valid api", got)
	}
	if toPgTimestamptz(time.Time{}).Valid {
		t.Error("zero time should be NULL")
	}
}

// ============================================================================
// Integration (requires SHEETSYNC_TEST_DATABASE_URL)
// ============================================================================

func openTest(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("SHEETSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SHEETSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url, PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE sync_cursors, sync_records, sync_audit`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestCursors(t *testing.T) {
	storetest.TestCursors(t, func(t *testing.T) core.CursorStore { return openTest(t) })
}

func TestTarget(t *testing.T) {
	storetest.TestTarget(t, func(t *testing.T) core.TargetStore { return openTest(t) })
}

func TestAudit(t *testing.T) {
	storetest.TestAudit(t, func(t *testing.T) storetest.AuditStore { return openTest(t) })
}

func TestUpdate_InvalidID(t *testing.T) {
	s := openTest(t)
	err := s.Update(context.Background(), "todo", "42", map[string]string{"A": "b"}, core.WriteOptions{})
	if !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
}
