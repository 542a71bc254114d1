package model

import (
	"sort"
	"time"
)

// Classification is the label set assigned to one complaint.
type Classification struct {
	ComplaintID    string  `json:"complaint_id"`
	TenantID       string  `json:"tenant_id"`
	Product        string  `json:"product"`
	Issue          string  `json:"issue"`
	Company        string  `json:"company,omitempty"`
	Urgency        string  `json:"urgency"`
	Confidence     float64 `json:"confidence"`
	Sentiment      string  `json:"sentiment"`
	Emotion        string  `json:"emotion,omitempty"`
	EscalationRisk string  `json:"escalation_risk,omitempty"`
	NovelLabel     bool    `json:"novel_label,omitempty"`
}

// SimilarityMatch is one historical complaint returned by nearest-neighbor
// search, always scoped to the querying tenant.
type SimilarityMatch struct {
	ComplaintID    string    `json:"complaint_id"`
	Score          float64   `json:"similarity_score"`
	Product        string    `json:"product,omitempty"`
	Issue          string    `json:"issue,omitempty"`
	OutcomeSummary string    `json:"outcome_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// BenchmarkStats compares the tenant's resolution performance against the
// anonymized cross-tenant aggregate.
type BenchmarkStats struct {
	TenantAvgResolutionDays float64 `json:"tenant_avg_resolution_days"`
	TenantSatisfaction      float64 `json:"tenant_satisfaction"`
	GlobalAvgResolutionDays float64 `json:"global_avg_resolution_days"`
	GlobalSatisfaction      float64 `json:"global_satisfaction"`
	SampleSize              int     `json:"sample_size"`
}

// SearchResult is the output of the similarity stage.
type SearchResult struct {
	Matches   []SimilarityMatch `json:"matches"`
	Benchmark *BenchmarkStats   `json:"benchmark,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
}

// RiskCategory buckets a risk score for strategy selection.
type RiskCategory string

const (
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// CategoryForScore maps a score in [0,1] to its risk category.
// Boundaries are inclusive on the lower edge.
func CategoryForScore(score float64) RiskCategory {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskFactor is one named contribution to a risk score.
type RiskFactor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// SortFactors orders factors by absolute contribution descending, with
// name ascending as tiebreak, so persisted assessments are deterministic.
func SortFactors(factors []RiskFactor) {
	sort.SliceStable(factors, func(i, j int) bool {
		ai, aj := abs(factors[i].Contribution), abs(factors[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return factors[i].Name < factors[j].Name
	})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// RiskAssessment is the explainable scoring output for one complaint.
type RiskAssessment struct {
	ComplaintID    string       `json:"complaint_id"`
	TenantID       string       `json:"tenant_id"`
	Score          float64      `json:"risk_score"`
	Category       RiskCategory `json:"category"`
	Factors        []RiskFactor `json:"factors"`
	ModelVersion   string       `json:"model_version"`
	Confidence     float64      `json:"confidence"`
	Mitigations    []string     `json:"mitigations,omitempty"`
	RegulatoryFlag bool         `json:"regulatory_flag,omitempty"`
}

// Solution is one generated resolution. Regeneration creates a new record
// rather than mutating the prior one.
type Solution struct {
	ID                      string    `json:"id"`
	ComplaintID             string    `json:"complaint_id"`
	TenantID                string    `json:"tenant_id"`
	Strategy                string    `json:"resolution_strategy"`
	Letter                  string    `json:"letter_text"`
	NextSteps               []string  `json:"next_steps,omitempty"`
	Alternatives            []string  `json:"alternatives,omitempty"`
	EstimatedResolutionDays int       `json:"estimated_resolution_days"`
	Fallback                bool      `json:"fallback,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// Analysis is the assembled result bundle returned to polling clients once
// a run reaches a terminal state.
type Analysis struct {
	ComplaintID    string            `json:"complaint_id"`
	State          RunState          `json:"state"`
	Cause          FailureCause      `json:"cause,omitempty"`
	Entities       *Entities         `json:"entities,omitempty"`
	Redacted       string            `json:"redacted_narrative,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
	Risk           *RiskAssessment   `json:"risk_assessment,omitempty"`
	Similar        []SimilarityMatch `json:"similar_complaints"`
	Benchmark      *BenchmarkStats   `json:"benchmark,omitempty"`
	Solution       *Solution         `json:"solution,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
}
