package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// notification is the pg_notify payload for a record change.
type notification struct {
	Op   string `json:"op"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s *Store) Lookup(ctx context.Context, kind string, match map[string]string) ([]core.TargetRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id::text, fields FROM sync_records
		 WHERE kind = $1 AND fields @> $2::jsonb
		 ORDER BY created_at, id`,
		kind, match)
	if err != nil {
		return nil, classify("lookup", err)
	}
	defer rows.Close()

	var out []core.TargetRecord
	for rows.Next() {
		var rec core.TargetRecord
		if err := rows.Scan(&rec.ID, &rec.Fields); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("lookup", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, kind string, fields map[string]string, opts core.WriteOptions) (string, error) {
	id := uuid.New()
	_, err := s.q.Exec(ctx,
		`INSERT INTO sync_records (id, kind, fields, submitted) VALUES ($1, $2, $3::jsonb, $4)`,
		toPgUUID(id.String()), kind, fields, opts.Submit)
	if err != nil {
		return "", classify("insert", err)
	}

	if err := s.notify(ctx, opts, notification{Op: "insert", Kind: kind, ID: id.String()}); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Update merges changed into the stored fields with the jsonb || operator.
func (s *Store) Update(ctx context.Context, kind, id string, changed map[string]string, opts core.WriteOptions) error {
	pgID := toPgUUID(id)
	if !pgID.Valid {
		return fmt.Errorf("%w: %s %s", core.ErrRecordNotFound, kind, id)
	}

	tag, err := s.q.Exec(ctx,
		`UPDATE sync_records SET fields = fields || $3::jsonb, updated_at = now()
		 WHERE id = $1 AND kind = $2`,
		pgID, kind, changed)
	if err != nil {
		return classify("update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", core.ErrRecordNotFound, kind, id)
	}

	return s.notify(ctx, opts, notification{Op: "update", Kind: kind, ID: id})
}

func (s *Store) notify(ctx context.Context, opts core.WriteOptions, n notification) error {
	if opts.MuteNotifications {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := s.q.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return classify("notify", err)
	}
	return nil
}
