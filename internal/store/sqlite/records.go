package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Lookup matches every entry of match against the record's JSON fields.
func (s *Store) Lookup(ctx context.Context, kind string, match map[string]string) ([]core.TargetRecord, error) {
	names := make([]string, 0, len(match))
	for k := range match {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(`SELECT r.id, r.fields FROM sync_records r WHERE r.kind = ?`)
	args := []any{kind}
	for _, k := range names {
		b.WriteString(` AND EXISTS (SELECT 1 FROM json_each(r.fields) j WHERE j.key = ? AND j.value = ?)`)
		args = append(args, k, match[k])
	}
	b.WriteString(` ORDER BY r.created_at, r.id`)

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("lookup", err)
	}
	defer rows.Close()

	var out []core.TargetRecord
	for rows.Next() {
		var (
			rec core.TargetRecord
			raw string
		)
		if err := rows.Scan(&rec.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("lookup", err)
	}
	return out, nil
}

// Insert stores a new record. Notifications are not delivered by this
// backend, so MuteNotifications has no effect.
func (s *Store) Insert(ctx context.Context, kind string, fields map[string]string, opts core.WriteOptions) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}

	id := uuid.New().String()
	now := millis(s.now())
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sync_records (id, kind, fields, submitted, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, string(raw), opts.Submit, now, now)
	if err != nil {
		return "", classify("insert", err)
	}
	return id, nil
}

// Update merges changed into the stored fields with json_patch.
func (s *Store) Update(ctx context.Context, kind, id string, changed map[string]string, opts core.WriteOptions) error {
	raw, err := json.Marshal(changed)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_records SET fields = json_patch(fields, ?), updated_at = ? WHERE id = ? AND kind = ?`,
		string(raw), millis(s.now()), id, kind)
	if err != nil {
		return classify("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", core.ErrRecordNotFound, kind, id)
	}
	return nil
}

// Submitted reports whether a record was inserted with Submit set.
func (s *Store) Submitted(ctx context.Context, id string) (bool, error) {
	var submitted bool
	err := s.q.QueryRowContext(ctx, `SELECT submitted FROM sync_records WHERE id = ?`, id).Scan(&submitted)
	if err != nil {
		return false, classify("submitted", err)
	}
	return submitted, nil
}
