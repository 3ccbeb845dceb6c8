package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// CycleMetrics records one observation per finished sync cycle.
// It implements core.CycleObserver.
type CycleMetrics struct {
	cycles  metric.Int64Counter
	records metric.Int64Counter
	rows    metric.Int64Counter
	dur     metric.Float64Histogram
}

func NewCycleMetrics(m metric.Meter) (*CycleMetrics, error) {
	cycles, err := m.Int64Counter("sheetsync.cycles",
		metric.WithDescription("Sync cycles finished, by mapping and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("cycles counter: %w", err)
	}
	records, err := m.Int64Counter("sheetsync.records",
		metric.WithDescription("Records processed, by mapping and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("records counter: %w", err)
	}
	rows, err := m.Int64Counter("sheetsync.rows.consumed",
		metric.WithDescription("Worksheet rows the cursor moved past"),
	)
	if err != nil {
		return nil, fmt.Errorf("rows counter: %w", err)
	}
	dur, err := m.Float64Histogram("sheetsync.cycle.duration",
		metric.WithDescription("Sync cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}

	return &CycleMetrics{cycles: cycles, records: records, rows: rows, dur: dur}, nil
}

func (c *CycleMetrics) ObserveCycle(ctx context.Context, rec core.AuditRecord) {
	mapping := attribute.String("mapping", rec.MappingID)

	c.cycles.Add(ctx, 1, metric.WithAttributes(mapping,
		attribute.String("status", string(rec.Status)),
		attribute.String("failed_in", string(rec.FailedIn)),
	))
	c.dur.Record(ctx, float64(rec.Duration().Milliseconds()), metric.WithAttributes(mapping))

	for outcome, n := range map[string]int{
		"inserted":  rec.Inserted,
		"updated":   rec.Updated,
		"unchanged": rec.Unchanged,
		"failed":    rec.Failed,
	} {
		if n > 0 {
			c.records.Add(ctx, int64(n), metric.WithAttributes(mapping, attribute.String("outcome", outcome)))
		}
	}

	// Rows only count as consumed when the cursor advanced.
	if rec.Status != core.StatusFailed && rec.EndRow >= rec.StartRow {
		c.rows.Add(ctx, int64(rec.EndRow-rec.StartRow+1), metric.WithAttributes(mapping))
	}
}
