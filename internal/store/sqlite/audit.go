package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

const auditColumns = `id, mapping_id, kind, mode, trigger, ip_address, start_row, end_row,
	inserted, updated, unchanged, failed, status, failed_in, error, errors, started_at, finished_at`

func (s *Store) RecordAudit(ctx context.Context, rec core.AuditRecord) error {
	errs, err := json.Marshal(nonNilErrors(rec.Errors))
	if err != nil {
		return fmt.Errorf("encode record errors: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sync_audit (`+auditColumns+`) VALUES (`+placeholders(18)+`)`,
		rec.ID, rec.MappingID, rec.Kind, string(rec.Mode), rec.Trigger, rec.IPAddress,
		rec.StartRow, rec.EndRow, rec.Inserted, rec.Updated, rec.Unchanged, rec.Failed,
		string(rec.Status), string(rec.FailedIn), rec.Error, string(errs),
		millis(rec.StartedAt), millis(rec.FinishedAt))
	return classify("record audit", err)
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f core.AuditFilter) ([]core.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.MappingID != "" {
		where = append(where, "mapping_id = ?")
		args = append(args, f.MappingID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, millis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, millis(f.Until))
	}

	query := `SELECT ` + auditColumns + ` FROM sync_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.NormalizedLimit(), max(f.Offset, 0))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list audit", err)
	}
	defer rows.Close()

	out := make([]core.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list audit", err)
	}
	return out, nil
}

func (s *Store) GetAudit(ctx context.Context, id string) (core.AuditRecord, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM sync_audit WHERE id = ?`, id)
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AuditRecord{}, fmt.Errorf("%w: %s", core.ErrAuditNotFound, id)
	}
	return rec, err
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sync_audit WHERE finished_at < ?`, millis(before))
	if err != nil {
		return 0, classify("purge audit", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(row scanner) (core.AuditRecord, error) {
	var (
		rec                core.AuditRecord
		mode, status       string
		failedIn, errsJSON string
		started, finished  int64
	)
	err := row.Scan(&rec.ID, &rec.MappingID, &rec.Kind, &mode, &rec.Trigger, &rec.IPAddress,
		&rec.StartRow, &rec.EndRow, &rec.Inserted, &rec.Updated, &rec.Unchanged, &rec.Failed,
		&status, &failedIn, &rec.Error, &errsJSON, &started, &finished)
	if err != nil {
		return core.AuditRecord{}, err
	}

	rec.Mode = core.ImportMode(mode)
	rec.Status = core.AuditStatus(status)
	rec.FailedIn = core.CycleState(failedIn)
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)
	if err := json.Unmarshal([]byte(errsJSON), &rec.Errors); err != nil {
		return core.AuditRecord{}, fmt.Errorf("decode audit %s errors: %w", rec.ID, err)
	}
	if len(rec.Errors) == 0 {
		rec.Errors = nil
	}
	return rec, nil
}

func nonNilErrors(errs []core.RecordError) []core.RecordError {
	if errs == nil {
		return []core.RecordError{}
	}
	return errs
}
