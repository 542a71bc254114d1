package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
)

const classifySystemPrompt = `You classify consumer financial complaints into a canonical taxonomy. Prefer the canonical labels below; only invent a new label when nothing fits, using lowercase snake_case.

Products: credit_card, checking_account, savings_account, mortgage, personal_loan, auto_loan, student_loan, credit_reporting, debt_collection, money_transfer, prepaid_card, payday_loan, crypto

Issues: unauthorized_charges, billing_dispute, fraud, account_closure, fee_dispute, interest_rate, payment_processing, credit_report_error, harassment, discrimination, loan_servicing, identity_theft, customer_service, disclosure

Respond with a valid JSON object:
{"product": "<label>", "issue": "<label>", "company": "<company name or empty>", "urgency": "<low|medium|high|critical>", "confidence": <0.0-1.0>, "sentiment": "<positive|neutral|negative>", "emotion": "<calm|frustrated|angry|distressed>", "escalation_risk": "<low|medium|high>"}`

const classifyUserPrompt = `Redacted complaint narrative:
%s

Extracted entities: product=%q issue=%q company=%q`

type classifyResponse struct {
	Product        string  `json:"product"`
	Issue          string  `json:"issue"`
	Company        string  `json:"company"`
	Urgency        string  `json:"urgency"`
	Confidence     float64 `json:"confidence"`
	Sentiment      string  `json:"sentiment"`
	Emotion        string  `json:"emotion"`
	EscalationRisk string  `json:"escalation_risk"`
}

// Classify assigns taxonomy labels to a redacted narrative. Labels the
// tenant has never seen before are flagged as novel and their confidence
// is discounted, so downstream consumers can route them for review.
func Classify(ctx context.Context, ai anthropic.Client, llmModel string, maxTokens int64, noveltyPenalty float64, extraction *model.ExtractionResult, history *store.LabelHistory) (*model.Classification, anthropic.TokenUsage, error) {
	resp, err := ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     llmModel,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(classifySystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(classifyUserPrompt,
				extraction.RedactedNarrative,
				extraction.Entities.Product,
				extraction.Entities.Issue,
				extraction.Entities.Company,
			)},
		},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "classify: create message")
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &parsed); err != nil {
		return nil, resp.Usage, eris.Wrap(err, "classify: parse response")
	}
	if parsed.Product == "" || parsed.Issue == "" {
		return nil, resp.Usage, eris.New("classify: response missing product or issue")
	}

	c := &model.Classification{
		Product:        parsed.Product,
		Issue:          parsed.Issue,
		Company:        parsed.Company,
		Urgency:        normalizeUrgency(parsed.Urgency),
		Confidence:     clamp01(parsed.Confidence),
		Sentiment:      parsed.Sentiment,
		Emotion:        parsed.Emotion,
		EscalationRisk: parsed.EscalationRisk,
	}

	// Novelty is only meaningful once the tenant has classification
	// history; a brand-new tenant would otherwise flag everything.
	if history != nil && (len(history.Products) > 0 || len(history.Issues) > 0) {
		_, knownProduct := history.Products[c.Product]
		_, knownIssue := history.Issues[c.Issue]
		if !knownProduct || !knownIssue {
			c.NovelLabel = true
			c.Confidence = clamp01(c.Confidence * noveltyPenalty)
		}
	}

	return c, resp.Usage, nil
}

func normalizeUrgency(u string) string {
	switch u {
	case "low", "medium", "high", "critical":
		return u
	default:
		return "medium"
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
