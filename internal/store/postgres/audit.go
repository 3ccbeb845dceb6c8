package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

const auditColumns = `id, mapping_id, kind, mode, trigger, ip_address, start_row, end_row,
	inserted, updated, unchanged, failed, status, failed_in, error, errors, started_at, finished_at`

func (s *Store) RecordAudit(ctx context.Context, rec core.AuditRecord) error {
	id := toPgUUID(rec.ID)
	if !id.Valid {
		return fmt.Errorf("record audit: invalid id %q", rec.ID)
	}
	errs := rec.Errors
	if errs == nil {
		errs = []core.RecordError{}
	}

	_, err := s.q.Exec(ctx,
		`INSERT INTO sync_audit (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		id, rec.MappingID, rec.Kind, string(rec.Mode), toPgText(rec.Trigger), toPgText(rec.IPAddress),
		rec.StartRow, rec.EndRow, rec.Inserted, rec.Updated, rec.Unchanged, rec.Failed,
		string(rec.Status), toPgText(string(rec.FailedIn)), toPgText(rec.Error), errs,
		rec.StartedAt, rec.FinishedAt)
	return classify("record audit", err)
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f core.AuditFilter) ([]core.AuditRecord, error) {
	wb := NewWhereBuilder().
		Add("mapping_id", f.MappingID).
		Add("status", string(f.Status)).
		AddTimestampRange("started_at", f.Since, f.Until)
	where, args := wb.Build()

	next := wb.NextArgIndex()
	query := fmt.Sprintf(`SELECT %s FROM sync_audit%s ORDER BY started_at DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, where, next, next+1)
	args = append(args, f.NormalizedLimit(), max(f.Offset, 0))

	rows, err := s.q.Query(ctx, query, args...)
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
	pgID := toPgUUID(id)
	if !pgID.Valid {
		return core.AuditRecord{}, fmt.Errorf("%w: %s", core.ErrAuditNotFound, id)
	}
	rec, err := scanAudit(s.q.QueryRow(ctx, `SELECT `+auditColumns+` FROM sync_audit WHERE id = $1`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.AuditRecord{}, fmt.Errorf("%w: %s", core.ErrAuditNotFound, id)
	}
	if err != nil {
		return core.AuditRecord{}, classify("get audit", err)
	}
	return rec, nil
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM sync_audit WHERE finished_at < $1`, toPgTimestamptz(before))
	if err != nil {
		return 0, classify("purge audit", err)
	}
	return tag.RowsAffected(), nil
}

func scanAudit(row pgx.Row) (core.AuditRecord, error) {
	var (
		rec                        core.AuditRecord
		id                         pgtype.UUID
		mode, status               string
		trigger, ip, failedIn, msg pgtype.Text
		started, finished          time.Time
	)
	err := row.Scan(&id, &rec.MappingID, &rec.Kind, &mode, &trigger, &ip,
		&rec.StartRow, &rec.EndRow, &rec.Inserted, &rec.Updated, &rec.Unchanged, &rec.Failed,
		&status, &failedIn, &msg, &rec.Errors, &started, &finished)
	if err != nil {
		return core.AuditRecord{}, err
	}

	rec.ID = uuidToString(id)
	rec.Mode = core.ImportMode(mode)
	rec.Status = core.AuditStatus(status)
	rec.Trigger = trigger.String
	rec.IPAddress = ip.String
	rec.FailedIn = core.CycleState(failedIn.String)
	rec.Error = msg.String
	rec.StartedAt = started.UTC()
	rec.FinishedAt = finished.UTC()
	if len(rec.Errors) == 0 {
		rec.Errors = nil
	}
	return rec, nil
}
