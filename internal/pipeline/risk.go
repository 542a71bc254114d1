package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

// riskModelVersion is recorded on every assessment so scores remain
// auditable after the weights change.
const riskModelVersion = "rules-v1"

const baseRiskScore = 0.3

// degradedConfidenceFactor discounts assessment confidence when the
// similarity stage produced no matches to corroborate the signals.
const degradedConfidenceFactor = 0.9

var urgencyRiskWeights = map[string]float64{
	"low":      0,
	"medium":   0.1,
	"high":     0.2,
	"critical": 0.3,
}

var highRiskIssues = map[string]bool{
	"unauthorized_charges": true,
	"fraud":                true,
	"discrimination":       true,
}

var regulatoryIssues = map[string]bool{
	"fraud":          true,
	"discrimination": true,
	"identity_theft": true,
}

var mitigationsByCategory = map[model.RiskCategory][]string{
	model.RiskCritical: {
		"escalate to compliance within 24 hours",
		"freeze disputed transactions pending review",
		"assign a senior case handler",
	},
	model.RiskHigh: {
		"prioritize in the resolution queue",
		"notify the account team",
	},
	model.RiskMedium: {
		"schedule standard investigation",
	},
	model.RiskLow: {
		"handle through standard workflow",
	},
}

// Score computes an explainable risk assessment from the classification
// and narrative signals. Deterministic by construction: the same inputs
// always produce the same score, factors, and category.
func Score(ctx context.Context, st store.Store, tc tenant.Context, classification *model.Classification, meta model.NarrativeMetadata, searchDegraded bool) (*model.RiskAssessment, error) {
	historical, err := st.CountUserComplaints(ctx, tc)
	if err != nil {
		return nil, eris.Wrap(err, "score: count user complaints")
	}

	factors := []model.RiskFactor{
		{Name: "base", Weight: baseRiskScore, Contribution: baseRiskScore},
	}
	addFactor := func(name string, weight float64, on bool) {
		if !on || weight == 0 {
			return
		}
		factors = append(factors, model.RiskFactor{Name: name, Weight: weight, Contribution: weight})
	}

	addFactor("urgency_"+classification.Urgency, urgencyRiskWeights[classification.Urgency], true)
	addFactor("negative_sentiment", 0.2, classification.Sentiment == "negative")
	addFactor("angry_emotion", 0.15, classification.Emotion == "angry")
	addFactor("high_risk_issue", 0.2, highRiskIssues[classification.Issue])
	addFactor("repeat_complainant", 0.1, historical > 2)
	addFactor("amount_mentioned", 0.1, meta.AmountMentioned)

	var score float64
	for _, f := range factors {
		score += f.Contribution
	}
	if score > 1.0 {
		// Rescale contributions so they still sum to the capped score.
		for i := range factors {
			factors[i].Contribution *= 1.0 / score
		}
		score = 1.0
	}
	model.SortFactors(factors)

	confidence := classification.Confidence
	if searchDegraded {
		confidence *= degradedConfidenceFactor
	}

	category := model.CategoryForScore(score)
	return &model.RiskAssessment{
		ComplaintID:    classification.ComplaintID,
		TenantID:       tc.TenantID,
		Score:          score,
		Category:       category,
		Factors:        factors,
		ModelVersion:   riskModelVersion,
		Confidence:     confidence,
		Mitigations:    mitigationsByCategory[category],
		RegulatoryFlag: regulatoryIssues[classification.Issue],
	}, nil
}
