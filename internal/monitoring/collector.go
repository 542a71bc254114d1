// Package monitoring gathers pipeline health metrics and raises webhook
// alerts when failure rates or queue depths cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal         int     `json:"runs_total"`
	RunsCompleted     int     `json:"runs_completed"`
	RunsFailed        int     `json:"runs_failed"`
	RunsInFlight      int     `json:"runs_in_flight"`
	RunsDegraded      int     `json:"runs_degraded"`
	RunsStuck         int     `json:"runs_stuck"`
	FailRate          float64 `json:"fail_rate"`
	AvgCompletionSecs float64 `json:"avg_completion_secs"`

	// Failures by cause.
	FailuresByCause map[string]int `json:"failures_by_cause,omitempty"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store        store.Store
	stuckTimeout time.Duration
}

// NewCollector creates a new metrics collector. stuckTimeout is the age
// past which a non-terminal run with no progress counts as stuck.
func NewCollector(st store.Store, stuckTimeout time.Duration) *Collector {
	if stuckTimeout <= 0 {
		stuckTimeout = time.Minute
	}
	return &Collector{store: st, stuckTimeout: stuckTimeout}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		FailuresByCause: map[string]int{},
		LookbackHours:   lookbackHours,
		CollectedAt:     now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalCompletionSecs float64

	for _, r := range runs {
		switch {
		case r.State == model.RunStateCompleted:
			snap.RunsCompleted++
			if len(r.Warnings) > 0 {
				snap.RunsDegraded++
			}
			if r.CompletedAt != nil {
				totalCompletionSecs += r.CompletedAt.Sub(r.StartedAt).Seconds()
			}
		case r.State == model.RunStateFailed:
			snap.RunsFailed++
			if r.Cause != "" {
				snap.FailuresByCause[string(r.Cause)]++
			}
		default:
			snap.RunsInFlight++
			if now.Sub(r.UpdatedAt) > c.stuckTimeout {
				snap.RunsStuck++
			}
		}
	}

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsCompleted > 0 {
		snap.AvgCompletionSecs = totalCompletionSecs / float64(snap.RunsCompleted)
	}

	dlqCount, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
