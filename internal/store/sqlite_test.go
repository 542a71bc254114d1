package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedComplaint(t *testing.T, st *SQLiteStore, tc tenant.Context, narrative string) *model.Complaint {
	t.Helper()
	c := &model.Complaint{
		TenantID:  tc.TenantID,
		UserID:    tc.UserID,
		Narrative: narrative,
	}
	require.NoError(t, st.CreateComplaint(context.Background(), c))
	return c
}

func TestSQLite_Complaint_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "I was charged twice for the same transfer")

	got, err := st.GetComplaint(ctx, tc, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.Narrative, got.Narrative)
	assert.Equal(t, "acme-bank", got.TenantID)
	assert.Nil(t, got.Metadata)

	meta := model.NarrativeMetadata{WordCount: 8, ComplexityScore: 0.3, AmountMentioned: true}
	require.NoError(t, st.UpdateComplaintEnrichment(ctx, tc, c.ID, "I was charged twice for the same transfer", meta))
	require.NoError(t, st.UpdateComplaintEmbedding(ctx, tc, c.ID, []float32{0.1, 0.2, 0.3}))

	got, err = st.GetComplaint(ctx, tc, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.True(t, got.Metadata.AmountMentioned)
	assert.Len(t, got.Embedding, 3)
}

func TestSQLite_Complaint_CrossTenantIsolation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	owner := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}
	intruder := tenant.Context{TenantID: "rival-bank", UserID: "user-2"}

	c := seedComplaint(t, st, owner, "sensitive narrative")

	got, err := st.GetComplaint(ctx, intruder, c.ID)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, tenant.IsIsolation(err))

	// Writes scoped by tenant silently miss rather than leak.
	err = st.UpdateComplaintEmbedding(ctx, intruder, c.ID, []float32{1})
	require.Error(t, err)
	assert.False(t, tenant.IsIsolation(err))
}

func TestSQLite_Run_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")
	run, err := st.CreateRun(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatePending, run.State)

	require.NoError(t, st.AdvanceRun(ctx, c.ID, model.RunStateExtracting, model.StageExtract))
	require.NoError(t, st.AdvanceRun(ctx, c.ID, model.RunStateClassifying, model.StageClassify))
	require.NoError(t, st.CompleteRun(ctx, c.ID, []string{"similarity degraded"}))

	got, err := st.GetRun(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, got.State)
	assert.Equal(t, []string{"similarity degraded"}, got.Warnings)
	require.NotNil(t, got.CompletedAt)

	// No transitions out of a terminal state.
	err = st.AdvanceRun(ctx, c.ID, model.RunStateScoring, model.StageScore)
	require.Error(t, err)
	err = st.FailRun(ctx, c.ID, model.CauseInternal, "late failure")
	require.Error(t, err)
}

func TestSQLite_Run_Fail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")
	_, err := st.CreateRun(ctx, tc, c.ID)
	require.NoError(t, err)

	require.NoError(t, st.FailRun(ctx, c.ID, model.CauseClassificationFailed, "model refused"))

	got, err := st.GetRun(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, got.State)
	assert.Equal(t, model.CauseClassificationFailed, got.Cause)
	assert.Equal(t, "model refused", got.Error)
}

func TestSQLite_StageOutput_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")

	out := model.StageOutput{
		ComplaintID: c.ID,
		TenantID:    tc.TenantID,
		Stage:       model.StageExtract,
		Status:      model.StageStatusComplete,
		Output:      []byte(`{"redacted_narrative":"v1"}`),
		Duration:    50,
	}
	require.NoError(t, st.SaveStageOutput(ctx, out))

	// Overwrite on rerun.
	out.Output = []byte(`{"redacted_narrative":"v2"}`)
	require.NoError(t, st.SaveStageOutput(ctx, out))

	got, err := st.GetStageOutput(ctx, tc, c.ID, model.StageExtract)
	require.NoError(t, err)
	assert.JSONEq(t, `{"redacted_narrative":"v2"}`, string(got.Output))

	out.Stage = model.StageClassify
	require.NoError(t, st.SaveStageOutput(ctx, out))

	outs, err := st.ListStageOutputs(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Len(t, outs, 2)
}

func TestSQLite_Classification_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")
	cls := &model.Classification{
		ComplaintID: c.ID,
		TenantID:    tc.TenantID,
		Product:     "credit_card",
		Issue:       "unauthorized_charges",
		Urgency:     "high",
		Confidence:  0.92,
		Sentiment:   "negative",
		Emotion:     "angry",
	}
	require.NoError(t, st.SaveClassification(ctx, cls))

	got, err := st.GetClassification(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "unauthorized_charges", got.Issue)
	assert.Equal(t, "angry", got.Emotion)

	hist, err := st.TenantLabelHistory(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.Products["credit_card"])
	assert.Equal(t, 1, hist.Issues["unauthorized_charges"])
}

func TestSQLite_RiskAndSolution_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")
	ra := &model.RiskAssessment{
		ComplaintID:  c.ID,
		TenantID:     tc.TenantID,
		Score:        0.85,
		Category:     model.RiskCritical,
		Factors:      []model.RiskFactor{{Name: "high_risk_issue", Weight: 0.2, Contribution: 0.2}},
		ModelVersion: "rules-v1",
		Confidence:   0.9,
	}
	require.NoError(t, st.SaveRiskAssessment(ctx, ra))

	gotRA, err := st.GetRiskAssessment(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RiskCritical, gotRA.Category)
	require.Len(t, gotRA.Factors, 1)
	assert.Equal(t, "high_risk_issue", gotRA.Factors[0].Name)

	sol := &model.Solution{
		ComplaintID:             c.ID,
		TenantID:                tc.TenantID,
		Strategy:                "immediate_refund",
		Letter:                  "Dear customer, ...",
		NextSteps:               []string{"refund within 2 business days"},
		EstimatedResolutionDays: 2,
	}
	require.NoError(t, st.SaveSolution(ctx, sol))

	// Regeneration appends; the latest wins on read.
	sol2 := &model.Solution{
		ComplaintID:             c.ID,
		TenantID:                tc.TenantID,
		Strategy:                "escalation",
		Letter:                  "Dear customer, escalated",
		EstimatedResolutionDays: 2,
		CreatedAt:               sol.CreatedAt.Add(time.Second),
	}
	require.NoError(t, st.SaveSolution(ctx, sol2))

	gotSol, err := st.GetSolution(ctx, tc, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "escalation", gotSol.Strategy)
}

func TestSQLite_Feedback_Idempotency(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "narrative")

	first := &model.Feedback{ComplaintID: c.ID, TenantID: tc.TenantID, UserID: tc.UserID, Rating: 4, IdempotencyKey: "key-1"}
	id1, dup, err := st.InsertFeedback(ctx, first)
	require.NoError(t, err)
	assert.False(t, dup)

	retry := &model.Feedback{ComplaintID: c.ID, TenantID: tc.TenantID, UserID: tc.UserID, Rating: 4, IdempotencyKey: "key-1"}
	id2, dup, err := st.InsertFeedback(ctx, retry)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, id1, id2)

	// Same key under another tenant is a fresh row.
	other := tenant.Context{TenantID: "rival-bank", UserID: "user-2"}
	oc := seedComplaint(t, st, other, "other narrative")
	_, dup, err = st.InsertFeedback(ctx, &model.Feedback{ComplaintID: oc.ID, TenantID: other.TenantID, UserID: other.UserID, Rating: 2, IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.False(t, dup)

	// Without a key every submission is appended.
	_, dup, err = st.InsertFeedback(ctx, &model.Feedback{ComplaintID: c.ID, TenantID: tc.TenantID, UserID: tc.UserID, Rating: 5})
	require.NoError(t, err)
	assert.False(t, dup)
	_, dup, err = st.InsertFeedback(ctx, &model.Feedback{ComplaintID: c.ID, TenantID: tc.TenantID, UserID: tc.UserID, Rating: 5})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSQLite_EmbeddingCandidates_TenantScoped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}
	other := tenant.Context{TenantID: "rival-bank", UserID: "user-2"}

	mine := seedComplaint(t, st, tc, "mine")
	require.NoError(t, st.UpdateComplaintEmbedding(ctx, tc, mine.ID, []float32{1, 0}))

	theirs := seedComplaint(t, st, other, "theirs")
	require.NoError(t, st.UpdateComplaintEmbedding(ctx, other, theirs.ID, []float32{0, 1}))

	// No embedding yet, excluded from the candidate set.
	seedComplaint(t, st, tc, "unembedded")

	candidates, err := st.ListEmbeddingCandidates(ctx, tc, 100)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, mine.ID, candidates[0].ComplaintID)
	assert.Equal(t, []float32{1, 0}, candidates[0].Embedding)
}

func TestSQLite_EmbeddingCandidates_CarryClassificationLabels(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme-bank", UserID: "user-1"}

	c := seedComplaint(t, st, tc, "unauthorized charge on my card")
	require.NoError(t, st.UpdateComplaintEmbedding(ctx, tc, c.ID, []float32{1, 0}))
	require.NoError(t, st.SaveClassification(ctx, &model.Classification{
		ComplaintID: c.ID,
		TenantID:    tc.TenantID,
		Product:     "credit_card",
		Issue:       "unauthorized_charges",
		Urgency:     "high",
		Confidence:  0.9,
	}))

	// A second embedded complaint that never reached the classify stage
	// still appears, with empty labels.
	unclassified := seedComplaint(t, st, tc, "slow refund")
	require.NoError(t, st.UpdateComplaintEmbedding(ctx, tc, unclassified.ID, []float32{0, 1}))

	candidates, err := st.ListEmbeddingCandidates(ctx, tc, 100)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byID := map[string]Candidate{}
	for _, cand := range candidates {
		byID[cand.ComplaintID] = cand
	}
	assert.Equal(t, "credit_card", byID[c.ID].Product)
	assert.Equal(t, "unauthorized_charges", byID[c.ID].Issue)
	assert.Empty(t, byID[unclassified.ID].Product)
	assert.Empty(t, byID[unclassified.ID].Issue)
}

func TestSQLite_DeadLetters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDeadLetter(ctx, resilience.DeadLetter{
		TenantID:    "acme-bank",
		ComplaintID: "c-1",
		Stage:       "search",
		Error:       "embedding service unavailable",
		ErrorType:   "transient",
		MaxRetries:  3,
	}))

	entries, err := st.ListDeadLetters(ctx, resilience.DeadLetterFilter{TenantID: "acme-bank"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "search", entries[0].Stage)

	n, err := st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = st.ListDeadLetters(ctx, resilience.DeadLetterFilter{TenantID: "rival-bank"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_AuditEvents(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertAuditEvent(ctx, model.AuditEvent{
		TenantID:    "acme-bank",
		ComplaintID: "c-1",
		Action:      "state_transition",
		Detail:      "pending -> extracting",
	}))
}
