package service

import (
	"context"
	"time"

	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// Reaper recovers jobs stranded in SYNTHESIS_IN_PROGRESS after a worker
// crashed between claim and completion. Marking them failed-retryable lets
// the next redelivered request re-claim them.
type Reaper struct {
	store      store.Store
	stuckAfter time.Duration
	interval   time.Duration
}

func NewReaper(store store.Store, stuckAfter, interval time.Duration) *Reaper {
	return &Reaper{store: store, stuckAfter: stuckAfter, interval: interval}
}

// Run sweeps on a jittered interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	logger := zap.S().Named("reaper")

	ticker := jitterbug.New(r.interval, &jitterbug.Norm{Stdev: r.interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				logger.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// ReapOnce fails every job whose synthesis claim is older than the cutoff
// and returns how many were reaped.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	logger := zap.S().Named("reaper")

	cutoff := time.Now().UTC().Add(-r.stuckAfter)
	jobs, err := r.store.Job().ListStuckSynthesis(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range jobs {
		job := &jobs[i]
		synthErr := model.SynthesisError{
			Class:     "SYNTHESIS_STUCK",
			Code:      "TIMEOUT",
			Retryable: true,
			Message:   "synthesis exceeded the stuck-claim cutoff",
		}
		if _, err := r.store.Job().FailSynthesis(ctx, job.TenantID, job.ID, job.Synthesis.RequestHash, synthErr); err != nil {
			logger.Errorw("failed to reap stuck job", "tenant_id", job.TenantID, "job_id", job.ID, "error", err)
			continue
		}
		logger.Warnw("reaped stuck synthesis", "tenant_id", job.TenantID, "job_id", job.ID,
			"attempt", job.Synthesis.Attempt, "started_at", job.Synthesis.StartedAt)
		reaped++
	}

	return reaped, nil
}
