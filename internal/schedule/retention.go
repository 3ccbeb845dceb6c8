package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Retention periodically deletes audit records older than the retention
// window. Failures are logged and retried on the next tick.
type Retention struct {
	purger   core.AuditPurger
	keep     time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewRetention returns nil when keep is not positive, meaning audit records
// are kept forever.
func NewRetention(p core.AuditPurger, keep, interval time.Duration) *Retention {
	if keep <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{purger: p, keep: keep, interval: interval, now: time.Now}
}

// Run purges immediately on start, then every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	slog.Info("audit retention started",
		"retention_days", int(r.keep.Hours()/24),
		"interval", r.interval,
	)

	r.runPurge(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("audit retention stopped")
			return nil
		case <-ticker.C:
			r.runPurge(ctx)
		}
	}
}

func (r *Retention) runPurge(ctx context.Context) {
	start := time.Now()
	purged, err := r.PurgeOnce(ctx)
	if err != nil {
		slog.Error("audit purge failed", "error", err)
		return
	}
	slog.Info("purged audit records",
		"records_purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// PurgeOnce deletes records that finished before now minus the retention.
func (r *Retention) PurgeOnce(ctx context.Context) (int64, error) {
	return r.purger.PurgeAudit(ctx, r.now().Add(-r.keep))
}
