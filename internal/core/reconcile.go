package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Action classifies one record of a reconciliation plan.
type Action string

const (
	ActionInsert    Action = "insert"
	ActionUpdate    Action = "update"
	ActionUnchanged Action = "unchanged"
	ActionError     Action = "error"
)

// PlanEntry is the classification of one normalized record.
type PlanEntry struct {
	Record     NormalizedRecord
	Action     Action
	ExistingID string            // target id for update/unchanged
	Changed    map[string]string // changed fields for update
	Err        error             // set when Action is ActionError

	// prior is the index of an earlier insert in the same plan whose id this
	// update targets, or -1.
	prior int
}

// Plan is the reconciliation plan for one batch.
type Plan struct {
	Kind    string
	Mode    ImportMode
	Options WriteOptions
	Entries []PlanEntry
}

// PlanCounts summarizes a plan by action.
type PlanCounts struct {
	Insert    int
	Update    int
	Unchanged int
	Error     int
}

// Counts tallies plan entries by action.
func (p *Plan) Counts() PlanCounts {
	var c PlanCounts
	for _, e := range p.Entries {
		switch e.Action {
		case ActionInsert:
			c.Insert++
		case ActionUpdate:
			c.Update++
		case ActionUnchanged:
			c.Unchanged++
		case ActionError:
			c.Error++
		}
	}
	return c
}

// Errors returns the per-record failures of the plan in row order.
func (p *Plan) Errors() []RecordError {
	var out []RecordError
	for _, e := range p.Entries {
		if e.Action != ActionError {
			continue
		}
		out = append(out, RecordError{
			Row:     e.Record.Row,
			Code:    MapError(e.Err).Code,
			Message: e.Err.Error(),
			Fields:  e.Record.Fields,
		})
	}
	return out
}

// Writes reports whether applying the plan would touch the target store.
func (p *Plan) Writes() bool {
	c := p.Counts()
	return c.Insert+c.Update > 0
}

// Reconciler owns upsert semantics: it classifies batches against the
// target store and applies the result.
type Reconciler struct {
	Policy KeyPolicy
}

// ApplyResult holds the write counts of an applied plan.
type ApplyResult struct {
	Inserted int
	Updated  int
}

// Plan classifies every record of batch.
//
// Append mode marks every record insert without touching the target store.
// Upsert mode looks each record up by keys. A key repeated within the batch
// resolves against the earlier record's planned state instead of the store.
// Per-record failures are carried in the plan; only lookup errors fail the call.
func (r *Reconciler) Plan(ctx context.Context, target TargetStore, batch Batch, m WorksheetMapping, keys []string) (*Plan, error) {
	plan := &Plan{
		Kind:    m.Kind,
		Mode:    m.Mode,
		Options: m.WriteOptions(),
		Entries: make([]PlanEntry, 0, len(batch.Records)),
	}

	if m.Mode == ModeAppend {
		for _, rec := range batch.Records {
			plan.Entries = append(plan.Entries, PlanEntry{Record: rec, Action: ActionInsert, prior: -1})
		}
		return plan, nil
	}

	if len(keys) == 0 && len(batch.Records) > 0 {
		return nil, &UniqueKeyError{MappingID: m.ID, Reason: "no key fields resolved"}
	}

	// pending tracks the planned state of every key seen so far in the batch.
	pending := make(map[string]*pendingKey)

	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := PlanEntry{Record: rec, prior: -1}

		match, missing := keyValues(rec, keys)
		if len(missing) > 0 {
			for _, field := range missing {
				if !r.permitsEmpty(m.Kind, field) {
					entry.Action = ActionError
					entry.Err = &MissingUpsertKeyError{Row: rec.Row, Field: field}
					break
				}
			}
			if entry.Action != ActionError {
				entry.Action = ActionInsert
			}
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		sig := keySignature(match, keys)
		if p, ok := pending[sig]; ok {
			changed := diffFields(p.fields, rec.Fields)
			entry.ExistingID = p.id
			if len(changed) == 0 {
				entry.Action = ActionUnchanged
			} else {
				entry.Action = ActionUpdate
				entry.Changed = changed
				if p.id == "" {
					entry.prior = p.insertIdx
				}
				p.merge(changed)
			}
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		matches, err := target.Lookup(ctx, m.Kind, match)
		if err != nil {
			return nil, fmt.Errorf("lookup row %d: %w", rec.Row, err)
		}

		switch len(matches) {
		case 0:
			entry.Action = ActionInsert
			pending[sig] = &pendingKey{insertIdx: len(plan.Entries), fields: copyFields(rec.Fields)}
		case 1:
			existing := matches[0]
			entry.ExistingID = existing.ID
			changed := diffFields(existing.Fields, rec.Fields)
			if len(changed) == 0 {
				entry.Action = ActionUnchanged
			} else {
				entry.Action = ActionUpdate
				entry.Changed = changed
			}
			p := &pendingKey{id: existing.ID, insertIdx: -1, fields: copyFields(existing.Fields)}
			p.merge(changed)
			pending[sig] = p
		default:
			entry.Action = ActionError
			entry.Err = &AmbiguousUpsertKeyError{Row: rec.Row, Key: match, Matches: len(matches)}
		}

		plan.Entries = append(plan.Entries, entry)
	}

	return plan, nil
}

// Apply executes the plan's inserts and updates in row order and returns
// the write counts. Errored and unchanged entries are never written.
// The first write failure stops the apply and is returned with the counts
// reached so far.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan, target TargetStore) (ApplyResult, error) {
	var res ApplyResult
	ids := make([]string, len(plan.Entries))

	for i, e := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		switch e.Action {
		case ActionInsert:
			id, err := target.Insert(ctx, plan.Kind, e.Record.Fields, plan.Options)
			if err != nil {
				return res, fmt.Errorf("insert row %d: %w", e.Record.Row, err)
			}
			ids[i] = id
			res.Inserted++

		case ActionUpdate:
			id := e.ExistingID
			if e.prior >= 0 {
				id = ids[e.prior]
			}
			if id == "" {
				return res, fmt.Errorf("update row %d: %w", e.Record.Row, errors.New("no target id resolved"))
			}
			opts := plan.Options
			opts.Submit = false
			if err := target.Update(ctx, plan.Kind, id, e.Changed, opts); err != nil {
				return res, fmt.Errorf("update row %d: %w", e.Record.Row, err)
			}
			ids[i] = id
			res.Updated++

		case ActionUnchanged:
			ids[i] = e.ExistingID
		}
	}

	return res, nil
}

func (r *Reconciler) permitsEmpty(kind, field string) bool {
	if r.Policy == nil {
		return false
	}
	return r.Policy.PermitsEmpty(kind, field)
}

// pendingKey is the planned state of a key earlier in the batch. id is empty
// while the record is still a planned insert at insertIdx.
type pendingKey struct {
	id        string
	insertIdx int
	fields    map[string]string
}

func (p *pendingKey) merge(changed map[string]string) {
	for k, v := range changed {
		p.fields[k] = v
	}
}

// keyValues extracts the key fields of rec. Fields whose value is blank are
// reported as missing.
func keyValues(rec NormalizedRecord, keys []string) (map[string]string, []string) {
	match := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := rec.Fields[k]
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, k)
			continue
		}
		match[k] = v
	}
	return match, missing
}

// keySignature joins key values in key order into a map key.
func keySignature(match map[string]string, keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(match[k])
	}
	return b.String()
}

// diffFields returns the fields of incoming whose value differs from
// existing. A field absent from existing equals "".
func diffFields(existing, incoming map[string]string) map[string]string {
	changed := make(map[string]string)
	for k, v := range incoming {
		if existing[k] != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
