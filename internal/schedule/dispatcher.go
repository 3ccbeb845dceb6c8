package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Runner runs one sync cycle. *core.Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, mappingID string) (core.AuditRecord, error)
}

// Outcome is the result of one dispatched cycle.
type Outcome struct {
	MappingID string
	Record    core.AuditRecord
	Err       error
}

type entry struct {
	mappingID string
	interval  time.Duration
}

// Dispatcher emits interval due signals for every mapping.
type Dispatcher struct {
	runner  Runner
	entries []entry
}

// NewDispatcher resolves each mapping's frequency, using def when a mapping
// has none.
func NewDispatcher(r Runner, mappings []core.WorksheetMapping, def time.Duration) (*Dispatcher, error) {
	d := &Dispatcher{runner: r}
	for _, m := range mappings {
		interval, err := ParseFrequency(m.Frequency, def)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.ID, err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("mapping %q: no frequency and no default interval", m.ID)
		}
		d.entries = append(d.entries, entry{mappingID: m.ID, interval: interval})
	}
	return d, nil
}

// Intervals returns the resolved interval per mapping id.
func (d *Dispatcher) Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(d.entries))
	for _, e := range d.entries {
		out[e.mappingID] = e.interval
	}
	return out
}

// Run fires every mapping immediately and then on its interval until ctx is
// cancelled. Cycles of one mapping never overlap within the dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", "mappings", len(d.entries))

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range d.entries {
		g.Go(func() error {
			d.loop(ctx, e)
			return nil
		})
	}
	err := g.Wait()

	slog.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, e entry) {
	d.fire(ctx, e.mappingID)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fire(ctx, e.mappingID)
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, mappingID string) {
	if ctx.Err() != nil {
		return
	}
	rec, err := d.runner.RunCycle(core.ContextWithTrigger(ctx, core.TriggerSchedule), mappingID)
	if err != nil {
		slog.Warn("scheduled cycle failed",
			"mapping_id", mappingID,
			"failed_in", rec.FailedIn,
			"error", err,
		)
	}
}

// DispatchOnce runs one cycle for each mapping id concurrently, or for every
// mapping when ids is empty. Repeated ids run once. Outcomes keep the order
// of the first occurrence of each id.
func (d *Dispatcher) DispatchOnce(ctx context.Context, trigger string, ids ...string) []Outcome {
	if len(ids) == 0 {
		for _, e := range d.entries {
			ids = append(ids, e.mappingID)
		}
	}
	ids = unique(ids)

	ctx = core.ContextWithTrigger(ctx, trigger)
	out := make([]Outcome, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			rec, err := d.runner.RunCycle(ctx, id)
			out[i] = Outcome{MappingID: id, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
