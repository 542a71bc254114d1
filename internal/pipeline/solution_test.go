package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/complaint-orchestrator/internal/model"
)

func TestSelectStrategy(t *testing.T) {
	strategy, alts := SelectStrategy(model.RiskCritical, nil)
	assert.Equal(t, "immediate_refund", strategy)
	assert.Equal(t, []string{"escalation", "legal_review"}, alts)

	strategy, _ = SelectStrategy(model.RiskMedium, nil)
	assert.Equal(t, "investigation", strategy)

	strategy, _ = SelectStrategy(model.RiskLow, nil)
	assert.Equal(t, "explanation", strategy)
}

func TestSelectStrategyPrefersSimilarOutcome(t *testing.T) {
	matches := []model.SimilarityMatch{
		{ComplaintID: "m1", OutcomeSummary: "service_credit"},
		{ComplaintID: "m2", OutcomeSummary: "partial_refund"},
	}
	strategy, alts := SelectStrategy(model.RiskMedium, matches)
	assert.Equal(t, "service_credit", strategy)
	assert.Equal(t, []string{"investigation", "partial_refund"}, alts)

	// Outcomes outside the tier's allowed set never override policy.
	strategy, _ = SelectStrategy(model.RiskCritical, matches)
	assert.Equal(t, "immediate_refund", strategy)
}

func TestEstimateResolutionDays(t *testing.T) {
	assert.Equal(t, 2, EstimateResolutionDays(model.RiskCritical, nil))
	assert.Equal(t, 5, EstimateResolutionDays(model.RiskHigh, nil))
	assert.Equal(t, 10, EstimateResolutionDays(model.RiskMedium, nil))
	assert.Equal(t, 15, EstimateResolutionDays(model.RiskLow, nil))

	// Enough tenant history blends the baseline with observed time.
	bench := &model.BenchmarkStats{TenantAvgResolutionDays: 4, SampleSize: 20}
	assert.Equal(t, 7, EstimateResolutionDays(model.RiskMedium, bench))

	// Below the sample floor the baseline stands.
	thin := &model.BenchmarkStats{TenantAvgResolutionDays: 4, SampleSize: 2}
	assert.Equal(t, 10, EstimateResolutionDays(model.RiskMedium, thin))
}

func generateFixture() (*model.Complaint, *model.Classification, *model.RiskAssessment, *model.SearchResult) {
	complaint := &model.Complaint{
		ID:                "c1",
		TenantID:          testTenant.TenantID,
		RedactedNarrative: "charged twice for one purchase",
	}
	classification := &model.Classification{Product: "credit_card", Issue: "billing_dispute", Urgency: "medium"}
	risk := &model.RiskAssessment{Category: model.RiskMedium}
	search := &model.SearchResult{Matches: []model.SimilarityMatch{}}
	return complaint, classification, risk, search
}

func TestGenerate(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`{"letter": "Dear customer, we have opened an investigation.",
		"next_steps": ["review transaction history"], "alternatives": ["partial refund if confirmed"]}`), nil)

	complaint, classification, risk, search := generateFixture()
	sol, usage, err := Generate(context.Background(), ai, "m", 1024, complaint, classification, risk, search)
	require.NoError(t, err)

	assert.Equal(t, "investigation", sol.Strategy)
	assert.Contains(t, sol.Letter, "investigation")
	assert.Equal(t, []string{"review transaction history"}, sol.NextSteps)
	assert.Equal(t, []string{"partial refund if confirmed"}, sol.Alternatives)
	assert.Equal(t, 10, sol.EstimatedResolutionDays)
	assert.False(t, sol.Fallback)
	assert.Equal(t, int64(100), usage.InputTokens)
}

func TestGenerateFallbackOnError(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, eris.New("overloaded"))

	complaint, classification, risk, search := generateFixture()
	sol, _, err := Generate(context.Background(), ai, "m", 1024, complaint, classification, risk, search)
	require.NoError(t, err)

	assert.True(t, sol.Fallback)
	assert.Equal(t, "investigation", sol.Strategy)
	assert.Contains(t, sol.Letter, "billing_dispute")
	assert.NotEmpty(t, sol.NextSteps)
}

func TestGenerateFallbackOnBadJSON(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot comply"), nil)

	complaint, classification, risk, search := generateFixture()
	sol, _, err := Generate(context.Background(), ai, "m", 1024, complaint, classification, risk, search)
	require.NoError(t, err)
	assert.True(t, sol.Fallback)
}
