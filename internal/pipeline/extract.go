package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
)

const extractSystemPrompt = `You extract structured data from consumer financial complaints. The narrative has already had obvious identifiers masked with typed placeholders like [SSN] or [EMAIL]; you must mask any remaining personal information (names, street addresses, dates of birth) with [NAME], [ADDRESS], or [DOB] and report every placeholder type present. Respond with a valid JSON object:
{"entities": {"product": "<product or empty>", "issue": "<issue or empty>", "company": "<company or empty>", "amount": <number or null>, "date": "<ISO date or empty>"}, "redacted_narrative": "<narrative with all PII masked>", "pii_types": ["<placeholder types present>"]}`

const extractUserPrompt = `Complaint narrative:
%s`

// piiPattern pairs a compiled matcher with the placeholder it emits.
// Order matters: card numbers must be masked before phone numbers so the
// shorter pattern cannot split a longer digit run.
type piiPattern struct {
	re          *regexp.Regexp
	placeholder string
}

var piiPatterns = []piiPattern{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[CARD_NUMBER]"},
	{regexp.MustCompile(`(?i)\b(?:account|acct)\.?\s*(?:number|no\.?|#)?\s*:?\s*\d{5,}\b`), "[ACCOUNT_NUMBER]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), "[PHONE]"},
}

var placeholderNames = map[string]string{
	"[SSN]":            "ssn",
	"[CARD_NUMBER]":    "card_number",
	"[ACCOUNT_NUMBER]": "account_number",
	"[EMAIL]":          "email",
	"[PHONE]":          "phone",
	"[NAME]":           "name",
	"[ADDRESS]":        "address",
	"[DOB]":            "dob",
}

// RedactPII runs the deterministic masking pass over a narrative and
// returns the masked text with the list of placeholder types applied.
// This runs before any text leaves the process, so a capability outage
// never causes raw identifiers to be sent upstream.
func RedactPII(text string) (string, []string) {
	var types []string
	seen := map[string]bool{}
	for _, p := range piiPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		text = p.re.ReplaceAllString(text, p.placeholder)
		if name := placeholderNames[p.placeholder]; !seen[name] {
			seen[name] = true
			types = append(types, name)
		}
	}
	return text, types
}

var (
	urgencyKeywords = []string{
		"urgent", "immediately", "asap", "right away", "emergency",
		"lawyer", "attorney", "lawsuit", "sue", "regulator", "cfpb",
	}
	amountPattern = regexp.MustCompile(`\$\s?\d`)
)

// BuildMetadata derives narrative signals consumed later by the risk
// scorer. Computed from the raw narrative, before masking, since masking
// never touches the signal words.
func BuildMetadata(narrative string) model.NarrativeMetadata {
	words := strings.Fields(narrative)
	lower := strings.ToLower(narrative)

	var found []string
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			found = append(found, kw)
		}
	}

	// Longer, keyword-dense narratives need more investigation effort.
	complexity := float64(len(words)) / 300.0
	complexity += 0.1 * float64(len(found))
	if complexity > 1.0 {
		complexity = 1.0
	}

	return model.NarrativeMetadata{
		WordCount:       len(words),
		UrgencyKeywords: found,
		ComplexityScore: complexity,
		AmountMentioned: amountPattern.MatchString(narrative),
	}
}

// Extract runs the extraction stage: deterministic PII masking, then an
// LLM pass for entities and residual identifiers.
func Extract(ctx context.Context, ai anthropic.Client, llmModel string, maxTokens int64, narrative string) (*model.ExtractionResult, anthropic.TokenUsage, error) {
	masked, preTypes := RedactPII(narrative)

	resp, err := ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     llmModel,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(extractUserPrompt, masked)},
		},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "extract: create message")
	}

	var parsed model.ExtractionResult
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &parsed); err != nil {
		return nil, resp.Usage, eris.Wrap(err, "extract: parse response")
	}
	if parsed.RedactedNarrative == "" {
		// The model dropped the narrative; the deterministic mask still holds.
		parsed.RedactedNarrative = masked
	}

	parsed.PIITypes = mergePIITypes(preTypes, parsed.PIITypes)
	parsed.Metadata = BuildMetadata(narrative)
	return &parsed, resp.Usage, nil
}

func mergePIITypes(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.ToLower(strings.Trim(t, "[] "))
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
