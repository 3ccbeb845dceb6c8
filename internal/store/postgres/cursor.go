package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func (s *Store) EnsureCursor(ctx context.Context, mappingID string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO sync_cursors (mapping_id) VALUES ($1) ON CONFLICT (mapping_id) DO NOTHING`,
		mappingID)
	return classify("ensure cursor", err)
}

func (s *Store) GetCursor(ctx context.Context, mappingID string) (core.Cursor, error) {
	cur := core.Cursor{MappingID: mappingID}
	err := s.q.QueryRow(ctx,
		`SELECT last_row, version, updated_at FROM sync_cursors WHERE mapping_id = $1`,
		mappingID).Scan(&cur.LastRow, &cur.Version, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return core.Cursor{}, classify("get cursor", err)
	}
	return cur, nil
}

// AdvanceCursor is a compare-and-set on (version, last_row). A missing row
// is created when the caller expects the zero cursor.
func (s *Store) AdvanceCursor(ctx context.Context, expected core.Cursor, newLastRow int) (core.Cursor, error) {
	if newLastRow < expected.LastRow {
		return core.Cursor{}, fmt.Errorf("%w: %d < %d", core.ErrCursorRegression, newLastRow, expected.LastRow)
	}

	var row pgx.Row
	if expected.Version == 0 && expected.LastRow == 0 {
		row = s.q.QueryRow(ctx,
			`INSERT INTO sync_cursors (mapping_id, last_row, version, updated_at)
			 VALUES ($1, $2, 1, now())
			 ON CONFLICT (mapping_id) DO UPDATE SET
			   last_row = EXCLUDED.last_row,
			   version = sync_cursors.version + 1,
			   updated_at = now()
			 WHERE sync_cursors.version = 0 AND sync_cursors.last_row = 0
			 RETURNING last_row, version, updated_at`,
			expected.MappingID, newLastRow)
	} else {
		row = s.q.QueryRow(ctx,
			`UPDATE sync_cursors SET last_row = $2, version = version + 1, updated_at = now()
			 WHERE mapping_id = $1 AND version = $3 AND last_row = $4
			 RETURNING last_row, version, updated_at`,
			expected.MappingID, newLastRow, expected.Version, expected.LastRow)
	}

	cur := core.Cursor{MappingID: expected.MappingID}
	err := row.Scan(&cur.LastRow, &cur.Version, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		actual, gerr := s.GetCursor(ctx, expected.MappingID)
		if gerr != nil {
			return core.Cursor{}, gerr
		}
		return core.Cursor{}, &core.ConcurrentAdvanceError{
			MappingID: expected.MappingID,
			Expected:  expected.Version,
			Actual:    actual.Version,
		}
	}
	if err != nil {
		return core.Cursor{}, classify("advance cursor", err)
	}
	return cur, nil
}
