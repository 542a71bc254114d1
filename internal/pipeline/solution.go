package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
)

const solutionSystemPrompt = `You draft resolution plans for consumer financial complaints on behalf of the servicing institution. The resolution strategy has already been selected by policy; do not change it. Write a professional, empathetic response letter that never promises outcomes beyond the given strategy, never admits legal liability, and never includes personal identifiers. Respond with a valid JSON object:
{"letter": "<full response letter>", "next_steps": ["<step>", ...], "alternatives": ["<alternative strategy consideration>", ...]}`

const solutionUserPrompt = `Redacted complaint narrative:
%s

Classification: product=%s issue=%s urgency=%s
Risk category: %s
Selected strategy: %s
Similar past complaints resolved with: %s`

// strategiesByCategory lists the candidate strategies per risk tier.
// The first entry is the default; the rest surface as alternatives.
var strategiesByCategory = map[model.RiskCategory][]string{
	model.RiskCritical: {"immediate_refund", "escalation", "legal_review"},
	model.RiskHigh:     {"immediate_refund", "escalation", "legal_review"},
	model.RiskMedium:   {"investigation", "partial_refund", "service_credit"},
	model.RiskLow:      {"explanation", "process_improvement", "follow_up"},
}

var baselineResolutionDays = map[model.RiskCategory]int{
	model.RiskCritical: 2,
	model.RiskHigh:     5,
	model.RiskMedium:   10,
	model.RiskLow:      15,
}

// benchmarkMinSample is the minimum feedback sample before tenant
// history influences the resolution estimate.
const benchmarkMinSample = 5

type solutionResponse struct {
	Letter       string   `json:"letter"`
	NextSteps    []string `json:"next_steps"`
	Alternatives []string `json:"alternatives"`
}

// SelectStrategy picks the policy strategy for a risk category. Matches
// against past outcomes are advisory only; policy always wins.
func SelectStrategy(category model.RiskCategory, matches []model.SimilarityMatch) (strategy string, alternatives []string) {
	options := strategiesByCategory[category]
	strategy = options[0]

	// Prefer a strategy that worked for a similar complaint, as long as
	// it stays within the tier's allowed set.
	allowed := map[string]bool{}
	for _, o := range options {
		allowed[o] = true
	}
	for _, m := range matches {
		if m.OutcomeSummary != "" && allowed[m.OutcomeSummary] {
			strategy = m.OutcomeSummary
			break
		}
	}

	for _, o := range options {
		if o != strategy {
			alternatives = append(alternatives, o)
		}
	}
	return strategy, alternatives
}

// EstimateResolutionDays blends the category baseline with the tenant's
// observed resolution time once enough history exists.
func EstimateResolutionDays(category model.RiskCategory, benchmark *model.BenchmarkStats) int {
	baseline := baselineResolutionDays[category]
	if benchmark == nil || benchmark.SampleSize < benchmarkMinSample || benchmark.TenantAvgResolutionDays <= 0 {
		return baseline
	}
	blended := math.Round((float64(baseline) + benchmark.TenantAvgResolutionDays) / 2)
	if blended < 1 {
		return 1
	}
	return int(blended)
}

// Generate produces the resolution plan and response letter. A language
// model failure degrades to a deterministic template letter rather than
// failing the run; the solution is marked as a fallback so agents know
// to review before sending.
func Generate(ctx context.Context, ai anthropic.Client, llmModel string, maxTokens int64, complaint *model.Complaint, classification *model.Classification, risk *model.RiskAssessment, search *model.SearchResult) (*model.Solution, anthropic.TokenUsage, error) {
	strategy, alternatives := SelectStrategy(risk.Category, search.Matches)

	var benchmark *model.BenchmarkStats
	var outcomes string
	if search != nil {
		benchmark = search.Benchmark
		for _, m := range search.Matches {
			if m.OutcomeSummary != "" {
				if outcomes != "" {
					outcomes += ", "
				}
				outcomes += m.OutcomeSummary
			}
		}
	}
	if outcomes == "" {
		outcomes = "none on record"
	}

	sol := &model.Solution{
		ComplaintID:             complaint.ID,
		TenantID:                complaint.TenantID,
		Strategy:                strategy,
		Alternatives:            alternatives,
		EstimatedResolutionDays: EstimateResolutionDays(risk.Category, benchmark),
	}

	resp, err := ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     llmModel,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(solutionSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(solutionUserPrompt,
				complaint.RedactedNarrative,
				classification.Product, classification.Issue, classification.Urgency,
				risk.Category, strategy, outcomes,
			)},
		},
	})
	if err != nil {
		zap.L().Warn("solution generation falling back to template",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
		applyFallback(sol, classification)
		return sol, anthropic.TokenUsage{}, nil
	}

	var parsed solutionResponse
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &parsed); err != nil || parsed.Letter == "" {
		zap.L().Warn("solution response unparseable, falling back to template",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
		applyFallback(sol, classification)
		return sol, resp.Usage, nil
	}

	sol.Letter = parsed.Letter
	sol.NextSteps = parsed.NextSteps
	if len(parsed.Alternatives) > 0 {
		sol.Alternatives = parsed.Alternatives
	}
	return sol, resp.Usage, nil
}

func applyFallback(sol *model.Solution, classification *model.Classification) {
	sol.Fallback = true
	sol.Letter = fmt.Sprintf(
		"Thank you for contacting us about your %s concern regarding %s. "+
			"We have reviewed your complaint and opened a case under our %s process. "+
			"You can expect an update within %d business days. "+
			"We appreciate your patience while we work to resolve this matter.",
		classification.Issue, classification.Product, sol.Strategy, sol.EstimatedResolutionDays)
	sol.NextSteps = []string{
		"case assigned to a resolution specialist",
		"customer notified of expected timeline",
	}
}
