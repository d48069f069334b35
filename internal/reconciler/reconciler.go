package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arenaforge/matchfleet/internal/store"
	"github.com/arenaforge/matchfleet/internal/workload"
	"github.com/arenaforge/matchfleet/pkg/metrics"
)

// Reconciler periodically sweeps the state store for matches past their TTL
// and tears their workloads down. It is the only path that terminates a match
// whose result event never arrives, and it works purely from store and label
// state, so a freshly restarted process reclaims everything its predecessor
// left behind.
type Reconciler struct {
	records   store.Store
	workloads workload.Lifecycle
	interval  time.Duration
	logger    *zap.Logger
}

// New creates an expiry reconciler sweeping at the given interval.
func New(records store.Store, workloads workload.Lifecycle, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		records:   records,
		workloads: workloads,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps immediately, then on every tick, until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep tears down every expired match. A teardown failure for one record is
// counted and logged but never aborts the rest of the sweep.
func (r *Reconciler) sweep(ctx context.Context) {
	err := r.records.SweepExpired(ctx, func(record *store.MatchRecord) error {
		if err := r.workloads.Teardown(ctx, record.MatchID, record.Namespace); err != nil {
			metrics.SweepErrors.Inc()
			return err
		}
		for _, userID := range record.UserIDs {
			if err := r.records.DeleteUserPointer(ctx, userID); err != nil {
				r.logger.Warn("Failed to delete pointer for expired match",
					zap.String("match_id", record.MatchID),
					zap.String("user_id", userID),
					zap.Error(err))
			}
		}
		metrics.SweepReaped.Inc()
		metrics.ActiveMatches.Dec()
		r.logger.Info("Reclaimed expired match",
			zap.String("match_id", record.MatchID),
			zap.Time("expired_at", record.ExpiresAt))
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Error("Expiry sweep failed", zap.Error(err))
	}
}
