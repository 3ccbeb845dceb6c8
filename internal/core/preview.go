package core

import (
	"context"
	"fmt"
	"time"
)

// PreviewRows is the number of data rows included in a preview.
const PreviewRows = 10

// FieldMatch reports how a header label maps onto the target kind.
type FieldMatch struct {
	Field string `json:"field"`
	Known bool   `json:"known"` // the kind declares this field
}

// PreviewSummary is a dry-run classification of the rows past the cursor.
type PreviewSummary struct {
	PendingRows int `json:"pendingRows"`
	NewRows     int `json:"newRows"`
	UpdateRows  int `json:"updateRows"`
	Unchanged   int `json:"unchanged"`
	ErrorRows   int `json:"errorRows"`
}

// UpdateDiff is a before/after view of a planned update.
type UpdateDiff struct {
	Row     int               `json:"row"`
	ID      string            `json:"id"`
	Changed map[string]string `json:"changed"`
}

// Preview describes a worksheet and what the next cycle would do with it.
type Preview struct {
	MappingID    string                `json:"mappingId"`
	Header       []string              `json:"header"`
	Rows         [][]string            `json:"rows"`
	TotalRows    int                   `json:"totalRows"`
	FieldMapping map[string]FieldMatch `json:"fieldMapping"`
	Cursor       Cursor                `json:"cursor"`
	Summary      PreviewSummary        `json:"summary"`
	UpdateDiffs  []UpdateDiff          `json:"updateDiffs"`
	Errors       []RecordError         `json:"errors"`
	Error        string                `json:"error,omitempty"`

	ProcessingTimeMs int64 `json:"processingTimeMs"`
}

// Preview fetches the whole worksheet and reports its header, the first
// data rows, and a dry-run plan for the rows past the cursor. Nothing is
// written and the cursor is not touched.
//
// A dry-run failure (for example no resolvable unique key) is reported in
// Preview.Error; only fetch and cursor failures return an error.
func (e *Engine) Preview(ctx context.Context, mappingID string) (*Preview, error) {
	start := time.Now()

	m, ok := e.mappings[mappingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMappingNotFound, mappingID)
	}

	cur, err := e.deps.Cursors.GetCursor(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	header, rows, err := e.deps.Source.Fetch(fctx, m.Source, m.Worksheet, HeaderRow)
	if err != nil {
		return nil, err
	}

	p := BuildPreview(m, header, rows, e.deps.Kinds)
	p.Cursor = cur

	var tail []RawRow
	for _, r := range rows {
		if r.Index >= cur.NextRow() {
			tail = append(tail, r)
		}
	}
	batch := Normalizer{Renames: m.Columns}.Normalize(header, tail, cur.NextRow())
	p.Summary.PendingRows = len(batch.Records)

	if len(batch.Records) > 0 {
		if err := e.dryRun(ctx, m, batch, p); err != nil {
			p.Error = err.Error()
		}
	}

	p.ProcessingTimeMs = time.Since(start).Milliseconds()
	return p, nil
}

func (e *Engine) dryRun(ctx context.Context, m WorksheetMapping, batch Batch, p *Preview) error {
	keys, err := ResolveUniqueKeys(m, batch.Columns, e.deps.Kinds)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.CommitTimeout)
	defer cancel()

	plan, err := e.reconciler.Plan(pctx, e.deps.Target, batch, m, keys)
	if err != nil {
		return err
	}

	counts := plan.Counts()
	p.Summary.NewRows = counts.Insert
	p.Summary.UpdateRows = counts.Update
	p.Summary.Unchanged = counts.Unchanged
	p.Summary.ErrorRows = counts.Error
	p.Errors = plan.Errors()

	for _, entry := range plan.Entries {
		if entry.Action == ActionUpdate && len(p.UpdateDiffs) < PreviewRows {
			p.UpdateDiffs = append(p.UpdateDiffs, UpdateDiff{
				Row:     entry.Record.Row,
				ID:      entry.ExistingID,
				Changed: entry.Changed,
			})
		}
	}
	return nil
}

// BuildPreview summarizes a worksheet fetched from its first row.
// TotalRows counts every row after the header, blank rows included.
func BuildPreview(m WorksheetMapping, header []string, rows []RawRow, kinds *Kinds) *Preview {
	p := &Preview{
		MappingID:    m.ID,
		Header:       append([]string{}, header...),
		Rows:         [][]string{},
		FieldMapping: make(map[string]FieldMatch),
		UpdateDiffs:  []UpdateDiff{},
		Errors:       []RecordError{},
	}

	for _, r := range rows {
		if r.Index <= HeaderRow {
			continue
		}
		p.TotalRows++
		if len(p.Rows) < PreviewRows {
			p.Rows = append(p.Rows, append([]string{}, r.Cells...))
		}
	}

	def, hasKind := kinds.Get(m.Kind)
	n := Normalizer{Renames: m.Columns}
	for _, label := range header {
		field := n.FieldName(label)
		if field == "" {
			continue
		}
		if _, seen := p.FieldMapping[label]; seen {
			continue
		}
		known := false
		if hasKind {
			_, known = def.Field(field)
		}
		p.FieldMapping[label] = FieldMatch{Field: field, Known: known}
	}

	return p
}
