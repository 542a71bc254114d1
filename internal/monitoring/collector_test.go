package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/store"
)

// fakeStore stubs only the Store methods the collector touches.
type fakeStore struct {
	store.Store
	runs []model.PipelineRun
	dlq  int
}

func (f *fakeStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.PipelineRun, error) {
	return f.runs, nil
}

func (f *fakeStore) CountDeadLetters(_ context.Context) (int, error) {
	return f.dlq, nil
}

func TestCollector_Collect(t *testing.T) {
	now := time.Now().UTC()
	done := now.Add(-time.Minute)
	doneAt := done.Add(30 * time.Second)

	fs := &fakeStore{
		dlq: 3,
		runs: []model.PipelineRun{
			{State: model.RunStateCompleted, StartedAt: done, UpdatedAt: doneAt, CompletedAt: &doneAt},
			{State: model.RunStateCompleted, StartedAt: done, UpdatedAt: doneAt, CompletedAt: &doneAt, Warnings: []string{"similarity degraded"}},
			{State: model.RunStateFailed, Cause: model.CauseExtractionFailed, StartedAt: done, UpdatedAt: doneAt},
			{State: model.RunStateScoring, StartedAt: now, UpdatedAt: now},
			{State: model.RunStateExtracting, StartedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute)},
		},
	}

	c := NewCollector(fs, time.Minute)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 2, snap.RunsInFlight)
	assert.Equal(t, 1, snap.RunsDegraded)
	assert.Equal(t, 1, snap.RunsStuck)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.001)
	assert.InDelta(t, 30.0, snap.AvgCompletionSecs, 0.001)
	assert.Equal(t, 1, snap.FailuresByCause["extraction_failed"])
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_EmptyWindow(t *testing.T) {
	c := NewCollector(&fakeStore{}, time.Minute)
	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)

	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.AvgCompletionSecs)
}
