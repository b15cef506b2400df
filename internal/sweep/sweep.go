// Package sweep runs the periodic and startup stale-job requeue sweeps,
// keeping the original's two call sites (SPEC_FULL.md §5.1:
// requeue_incomplete_jobs on startup, requeue_stale_running_jobs on a
// timer) against spec.md's single requeue_incomplete(stale_before?)
// operation.
package sweep

import (
	"context"
	"time"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/logging"
	"github.com/nimbuschain/fetch/internal/metrics"
	"github.com/nimbuschain/fetch/internal/model"
)

var trackedStates = []model.JobState{
	model.JobQueued, model.JobRunning, model.JobCancelRequested,
	model.JobSucceeded, model.JobFailed, model.JobCancelled,
}

// refreshStateGauge recomputes nimbus_jobs_state_total from the store so the
// gauge reflects true counts rather than drifting via increment/decrement
// calls scattered across the claim/finish/cancel paths.
func refreshStateGauge(ctx context.Context, store jobstore.Store) {
	for _, state := range trackedStates {
		_, total, err := store.ListJobs(ctx, jobstore.ListFilters{State: state, Page: 1, PageSize: 1})
		if err != nil {
			logging.Error("state_gauge_refresh_failed", err, logging.Fields{"state": state})
			continue
		}
		metrics.JobsStateTotal.WithLabelValues(string(state)).Set(float64(total))
	}
}

// Startup requeues every running/cancel_requested job unconditionally,
// the "unconditional on startup" call site from the original.
func Startup(ctx context.Context, store jobstore.Store) {
	now := time.Now().UTC()
	n, err := store.RequeueIncomplete(ctx, &now)
	if err != nil {
		logging.Error("startup_sweep_failed", err, logging.Fields{})
		return
	}
	if n > 0 {
		logging.Info("startup_sweep_requeued", logging.Fields{"count": n})
	}
	refreshStateGauge(ctx, store)
}

// Periodic runs the staleness sweep every interval until ctx is done,
// requeuing jobs whose last heartbeat is older than staleAfter.
func Periodic(ctx context.Context, store jobstore.Store, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-staleAfter)
			n, err := store.RequeueIncomplete(ctx, &cutoff)
			if err != nil {
				logging.Error("periodic_sweep_failed", err, logging.Fields{})
				continue
			}
			if n > 0 {
				logging.Info("periodic_sweep_requeued", logging.Fields{"count": n})
			}
			refreshStateGauge(ctx, store)
		}
	}
}
