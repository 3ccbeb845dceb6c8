package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/logging"
)

// Default cycle bounds.
const (
	DefaultFetchTimeout  = 60 * time.Second
	DefaultCommitTimeout = 2 * time.Minute

	auditWriteTimeout = 10 * time.Second
)

// Options bounds the suspension points of a cycle.
type Options struct {
	FetchTimeout  time.Duration // per fetch attempt
	CommitTimeout time.Duration // per lookup pass, apply attempt and cursor write
	RetryInterval time.Duration // wait before the single in-cycle retry
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Deps are the collaborators of an Engine. Cursors, Source and Target are
// required; the rest are optional.
type Deps struct {
	Cursors  CursorStore
	Source   SourceReader
	Target   TargetStore
	Audit    AuditSink
	Kinds    *Kinds
	Observer CycleObserver
	Limiter  *CycleLimiter
}

// Engine runs sync cycles for a fixed set of worksheet mappings.
type Engine struct {
	deps       Deps
	opts       Options
	mappings   map[string]WorksheetMapping
	reconciler *Reconciler
	now        func() time.Time

	// sharedCursors is set when the target store also holds the cursors, so
	// the cursor advance can join the commit transaction.
	sharedCursors bool

	mu       sync.Mutex
	inflight map[string]bool
}

// NewEngine validates mappings and creates an engine.
func NewEngine(deps Deps, mappings []WorksheetMapping, opts Options) (*Engine, error) {
	if deps.Cursors == nil || deps.Source == nil || deps.Target == nil {
		return nil, errors.New("engine requires a cursor store, source reader and target store")
	}
	if deps.Kinds == nil {
		deps.Kinds, _ = NewKinds()
	}

	byID := make(map[string]WorksheetMapping, len(mappings))
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate mapping id %q", ErrInvalidMapping, m.ID)
		}
		byID[m.ID] = m
	}

	return &Engine{
		deps:       deps,
		opts:       opts.withDefaults(),
		mappings:   byID,
		reconciler: &Reconciler{Policy: deps.Kinds},
		now:        time.Now,

		sharedCursors: sameStore(deps.Cursors, deps.Target),
		inflight:      make(map[string]bool),
	}, nil
}

// sameStore reports whether cursors and target are one store value.
func sameStore(cursors CursorStore, target TargetStore) bool {
	t := reflect.TypeOf(cursors)
	if t == nil || !t.Comparable() {
		return false
	}
	return any(cursors) == any(target)
}

// Mapping returns the mapping with id.
func (e *Engine) Mapping(id string) (WorksheetMapping, bool) {
	m, ok := e.mappings[id]
	return m, ok
}

// Mappings returns every mapping sorted by id.
func (e *Engine) Mappings() []WorksheetMapping {
	out := make([]WorksheetMapping, 0, len(e.mappings))
	for _, m := range e.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Kinds returns the target kind registry.
func (e *Engine) Kinds() *Kinds {
	return e.deps.Kinds
}

// Limiter returns the cycle limiter, or nil.
func (e *Engine) Limiter() *CycleLimiter {
	return e.deps.Limiter
}

// EnsureCursors creates a zero cursor for every mapping that has none.
func (e *Engine) EnsureCursors(ctx context.Context) error {
	for _, m := range e.Mappings() {
		if err := e.deps.Cursors.EnsureCursor(ctx, m.ID); err != nil {
			return fmt.Errorf("ensure cursor %s: %w", m.ID, err)
		}
	}
	return nil
}

// Cursor returns the stored cursor for a mapping.
func (e *Engine) Cursor(ctx context.Context, mappingID string) (Cursor, error) {
	if _, ok := e.mappings[mappingID]; !ok {
		return Cursor{}, fmt.Errorf("%w: %s", ErrMappingNotFound, mappingID)
	}
	return e.deps.Cursors.GetCursor(ctx, mappingID)
}

// RunCycle runs one sync cycle for the mapping and returns its audit record.
//
// It is safe to call redundantly: with no new rows the cycle is a no-op, and
// a second cycle for a mapping that already has one running fails at once
// with *ConcurrentAdvanceError. The returned error is non-nil exactly when
// the cycle FAILED.
func (e *Engine) RunCycle(ctx context.Context, mappingID string) (AuditRecord, error) {
	m, ok := e.mappings[mappingID]
	if !ok {
		return AuditRecord{}, fmt.Errorf("%w: %s", ErrMappingNotFound, mappingID)
	}

	c := e.newCycle(ctx, m)
	if !e.claim(m.ID) {
		return c.fail(ctx, &ConcurrentAdvanceError{MappingID: m.ID, InFlight: true})
	}
	defer e.release(m.ID)

	return c.run(ctx)
}

// claim marks mappingID as having a running cycle. It returns false if one
// is already running.
func (e *Engine) claim(mappingID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[mappingID] {
		return false
	}
	e.inflight[mappingID] = true
	return true
}

func (e *Engine) release(mappingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, mappingID)
}

// cycle is the state of one RunCycle call.
type cycle struct {
	e     *Engine
	m     WorksheetMapping
	log   *slog.Logger
	state CycleState
	rec   AuditRecord
}

func (e *Engine) newCycle(ctx context.Context, m WorksheetMapping) *cycle {
	id := uuid.New().String()
	return &cycle{
		e:     e,
		m:     m,
		log:   logging.WithFields(ctx, "mapping_id", m.ID, "cycle_id", id),
		state: StateIdle,
		rec: AuditRecord{
			ID:        id,
			MappingID: m.ID,
			Kind:      m.Kind,
			Mode:      m.Mode,
			Trigger:   TriggerFromContext(ctx),
			IPAddress: IPAddressFromContext(ctx),
			StartedAt: e.now(),
		},
	}
}

func (c *cycle) run(ctx context.Context) (AuditRecord, error) {
	if l := c.e.deps.Limiter; l != nil {
		if err := l.Acquire(ctx, c.m.ID); err != nil {
			return c.fail(ctx, err)
		}
		defer l.Release(c.m.ID)
	}

	c.enter(StateFetching)
	cur, err := c.e.deps.Cursors.GetCursor(ctx, c.m.ID)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("read cursor: %w", err))
	}
	from := cur.NextRow()
	c.rec.StartRow = from
	c.rec.EndRow = from - 1

	header, rows, err := c.fetch(ctx, from)
	if err != nil {
		return c.fail(ctx, err)
	}

	c.enter(StateNormalizing)
	batch := Normalizer{Renames: c.m.Columns}.Normalize(header, rows, from)
	c.rec.EndRow = batch.EndRow
	if batch.Empty() {
		return c.done(ctx)
	}

	c.enter(StateReconciling)
	var keys []string
	if len(batch.Records) > 0 {
		keys, err = ResolveUniqueKeys(c.m, batch.Columns, c.e.deps.Kinds)
		if err != nil {
			return c.fail(ctx, err)
		}
	}

	plan, err := c.plan(ctx, batch, keys)
	if err != nil {
		return c.fail(ctx, err)
	}
	counts := plan.Counts()
	c.rec.Unchanged = counts.Unchanged
	c.rec.Errors = plan.Errors()
	c.rec.Failed = len(c.rec.Errors)
	for _, re := range c.rec.Errors {
		c.log.Warn("record skipped", "row", re.Row, "code", re.Code, "error", re.Message)
	}

	c.enter(StateCommitting)
	if err := c.checkCursor(ctx, cur); err != nil {
		return c.fail(ctx, err)
	}
	res, advanced, err := c.commit(ctx, plan, cur, batch.EndRow)
	c.rec.Inserted, c.rec.Updated = res.Inserted, res.Updated
	if err != nil {
		return c.fail(ctx, err)
	}
	if advanced {
		return c.done(ctx)
	}

	c.enter(StateAdvancing)
	actx, cancel := context.WithTimeout(ctx, c.e.opts.CommitTimeout)
	defer cancel()
	if _, err := c.e.deps.Cursors.AdvanceCursor(actx, cur, batch.EndRow); err != nil {
		return c.fail(ctx, fmt.Errorf("advance cursor: %w", err))
	}

	return c.done(ctx)
}

func (c *cycle) enter(s CycleState) {
	c.log.Debug("cycle state", "from", c.state, "to", s)
	c.state = s
}

// fetch reads the worksheet tail, retrying once on a transient failure.
// A fetch that hits the timeout is reported as SourceUnavailableError.
func (c *cycle) fetch(ctx context.Context, from int) ([]string, []RawRow, error) {
	var (
		header []string
		rows   []RawRow
	)

	if !c.m.Worksheet.ByID() {
		c.log.Warn("worksheet resolved by name; a recreated sheet with the same name will be synced silently",
			"worksheet", c.m.Worksheet.Name)
	}

	err := retryOnce(ctx, c.log, "fetch", c.e.opts.RetryInterval, func(ctx context.Context) error {
		fctx, cancel := context.WithTimeout(ctx, c.e.opts.FetchTimeout)
		defer cancel()

		h, r, err := c.e.deps.Source.Fetch(fctx, c.m.Source, c.m.Worksheet, from)
		if err != nil {
			if errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
				!errors.Is(err, ErrSourceUnavailable) && !errors.Is(err, ErrSourceNotFound) {
				return &SourceUnavailableError{
					Source:    c.m.Source.String(),
					Retryable: true,
					Err:       fmt.Errorf("fetch timed out after %s: %w", c.e.opts.FetchTimeout, err),
				}
			}
			return err
		}
		header, rows = h, r
		return nil
	})

	return header, rows, err
}

// plan classifies the batch. Lookups are read-only so a transient target
// failure is retried once.
func (c *cycle) plan(ctx context.Context, batch Batch, keys []string) (*Plan, error) {
	var plan *Plan
	err := retryOnce(ctx, c.log, "reconcile", c.e.opts.RetryInterval, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, c.e.opts.CommitTimeout)
		defer cancel()

		p, err := c.e.reconciler.Plan(pctx, c.e.deps.Target, batch, c.m, keys)
		if err != nil {
			return targetTimeout("lookup", pctx, ctx, err)
		}
		plan = p
		return nil
	})
	return plan, err
}

// checkCursor re-reads the cursor before writing so a cycle that lost the
// race stops before touching the target store. It narrows the window for
// stores that cannot advance the cursor inside the commit; it does not close it.
func (c *cycle) checkCursor(ctx context.Context, read Cursor) error {
	cur, err := c.e.deps.Cursors.GetCursor(ctx, c.m.ID)
	if err != nil {
		return fmt.Errorf("re-read cursor: %w", err)
	}
	if cur.Version != read.Version || cur.LastRow != read.LastRow {
		return &ConcurrentAdvanceError{MappingID: c.m.ID, Expected: read.Version, Actual: cur.Version}
	}
	return nil
}

// commit applies the plan. Transactional stores apply it atomically and a
// rolled back transient failure is retried once; other stores get a single
// attempt since their partial writes are already visible.
//
// When the transactional store also holds the cursors, the cursor is
// advanced from read to endRow inside the same transaction and advanced is
// true. A cycle that lost the race then fails with *ConcurrentAdvanceError
// and its writes are rolled back.
func (c *cycle) commit(ctx context.Context, plan *Plan, read Cursor, endRow int) (res ApplyResult, advanced bool, err error) {
	if !plan.Writes() {
		return ApplyResult{}, false, nil
	}

	tx, ok := c.e.deps.Target.(Transactional)
	if !ok {
		cctx, cancel := context.WithTimeout(ctx, c.e.opts.CommitTimeout)
		defer cancel()

		res, err := c.e.reconciler.Apply(cctx, plan, c.e.deps.Target)
		if err != nil {
			return res, false, targetTimeout("commit", cctx, ctx, err)
		}
		return res, false, nil
	}

	err = retryOnce(ctx, c.log, "commit", c.e.opts.RetryInterval, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.e.opts.CommitTimeout)
		defer cancel()

		c.enter(StateCommitting)
		advanced = false
		err := tx.Atomic(cctx, func(ctx context.Context, store TargetStore) error {
			r, err := c.e.reconciler.Apply(ctx, plan, store)
			res = r
			if err != nil {
				return err
			}

			cursors, ok := store.(CursorStore)
			if !c.e.sharedCursors || !ok {
				return nil
			}
			c.enter(StateAdvancing)
			if _, err := cursors.AdvanceCursor(ctx, read, endRow); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			advanced = true
			return nil
		})
		if err != nil {
			res, advanced = ApplyResult{}, false
			return targetTimeout("commit", cctx, ctx, err)
		}
		return nil
	})
	return res, advanced, err
}

// targetTimeout reports a bounded target operation that ran out of time as
// TargetUnavailableError.
func targetTimeout(op string, bounded, parent context.Context, err error) error {
	if errors.Is(bounded.Err(), context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, ErrTargetUnavailable) {
		return &TargetUnavailableError{Op: op, Err: err}
	}
	return err
}

func (c *cycle) done(ctx context.Context) (AuditRecord, error) {
	c.enter(StateDone)
	c.rec.Status = StatusSuccess
	if c.rec.Failed > 0 {
		c.rec.Status = StatusPartial
	}
	c.finish(ctx)

	if c.rec.NoOp() {
		c.log.Debug("cycle finished, no new rows", "next_row", c.rec.StartRow)
	} else {
		c.log.Info("cycle finished",
			"status", c.rec.Status,
			"start_row", c.rec.StartRow,
			"end_row", c.rec.EndRow,
			"inserted", c.rec.Inserted,
			"updated", c.rec.Updated,
			"unchanged", c.rec.Unchanged,
			"failed", c.rec.Failed,
			"duration_ms", c.rec.Duration().Milliseconds(),
		)
	}
	return c.rec, nil
}

func (c *cycle) fail(ctx context.Context, err error) (AuditRecord, error) {
	c.rec.FailedIn = c.state
	c.state = StateFailed
	c.rec.Status = StatusFailed
	c.rec.Error = err.Error()
	c.finish(ctx)

	c.log.Error("cycle failed",
		"state", c.rec.FailedIn,
		"start_row", c.rec.StartRow,
		"error", err,
		"code", MapError(err).Code,
	)
	return c.rec, err
}

// finish stamps the record and hands it to the audit sink and observer.
// The audit write survives cancellation of ctx and its failure is only logged.
func (c *cycle) finish(ctx context.Context) {
	c.rec.FinishedAt = c.e.now()

	if c.e.deps.Audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
		defer cancel()
		if err := c.e.deps.Audit.RecordAudit(actx, c.rec); err != nil {
			c.log.Warn("audit write failed", "audit_id", c.rec.ID, "error", err)
		}
	}

	if c.e.deps.Observer != nil {
		c.e.deps.Observer.ObserveCycle(context.WithoutCancel(ctx), c.rec)
	}
}
