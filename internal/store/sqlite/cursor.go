package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func (s *Store) EnsureCursor(ctx context.Context, mappingID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sync_cursors (mapping_id, last_row, version, updated_at)
		 VALUES (?, 0, 0, ?) ON CONFLICT (mapping_id) DO NOTHING`,
		mappingID, millis(s.now()))
	return classify("ensure cursor", err)
}

func (s *Store) GetCursor(ctx context.Context, mappingID string) (core.Cursor, error) {
	cur := core.Cursor{MappingID: mappingID}
	var updated int64
	err := s.q.QueryRowContext(ctx,
		`SELECT last_row, version, updated_at FROM sync_cursors WHERE mapping_id = ?`,
		mappingID).Scan(&cur.LastRow, &cur.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return core.Cursor{}, classify("get cursor", err)
	}
	cur.UpdatedAt = fromMillis(updated)
	return cur, nil
}

// AdvanceCursor is a compare-and-set on (version, last_row). A missing row
// is created when the caller expects the zero cursor.
func (s *Store) AdvanceCursor(ctx context.Context, expected core.Cursor, newLastRow int) (core.Cursor, error) {
	if newLastRow < expected.LastRow {
		return core.Cursor{}, fmt.Errorf("%w: %d < %d", core.ErrCursorRegression, newLastRow, expected.LastRow)
	}

	now := s.now()
	var res sql.Result
	var err error
	if expected.Version == 0 && expected.LastRow == 0 {
		res, err = s.q.ExecContext(ctx,
			`INSERT INTO sync_cursors (mapping_id, last_row, version, updated_at)
			 VALUES (?, ?, 1, ?)
			 ON CONFLICT (mapping_id) DO UPDATE SET
			   last_row = excluded.last_row,
			   version = sync_cursors.version + 1,
			   updated_at = excluded.updated_at
			 WHERE sync_cursors.version = 0 AND sync_cursors.last_row = 0`,
			expected.MappingID, newLastRow, millis(now))
	} else {
		res, err = s.q.ExecContext(ctx,
			`UPDATE sync_cursors SET last_row = ?, version = version + 1, updated_at = ?
			 WHERE mapping_id = ? AND version = ? AND last_row = ?`,
			newLastRow, millis(now), expected.MappingID, expected.Version, expected.LastRow)
	}
	if err != nil {
		return core.Cursor{}, classify("advance cursor", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		actual, err := s.GetCursor(ctx, expected.MappingID)
		if err != nil {
			return core.Cursor{}, err
		}
		return core.Cursor{}, &core.ConcurrentAdvanceError{
			MappingID: expected.MappingID,
			Expected:  expected.Version,
			Actual:    actual.Version,
		}
	}

	return s.GetCursor(ctx, expected.MappingID)
}
