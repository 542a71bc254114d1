package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
)

func TestRedactPII(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		wantTypes []string
	}{
		{
			name:      "ssn",
			input:     "my SSN is 123-45-6789 thanks",
			want:      "my SSN is [SSN] thanks",
			wantTypes: []string{"ssn"},
		},
		{
			name:      "card number",
			input:     "charged to card 4111 1111 1111 1111 without consent",
			want:      "charged to card [CARD_NUMBER] without consent",
			wantTypes: []string{"card_number"},
		},
		{
			name:      "email and phone",
			input:     "reach me at jane.doe@example.com or 555-123-4567",
			want:      "reach me at [EMAIL] or [PHONE]",
			wantTypes: []string{"email", "phone"},
		},
		{
			name:      "account number",
			input:     "account number: 9876543210 was closed",
			want:      "[ACCOUNT_NUMBER] was closed",
			wantTypes: []string{"account_number"},
		},
		{
			name:  "clean text untouched",
			input: "the fee was charged twice in March",
			want:  "the fee was charged twice in March",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, types := RedactPII(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTypes, types)
		})
	}
}

func TestBuildMetadata(t *testing.T) {
	meta := BuildMetadata("I was charged $299.99 and I need this fixed immediately or I will contact my lawyer")

	assert.Equal(t, 16, meta.WordCount)
	assert.Contains(t, meta.UrgencyKeywords, "immediately")
	assert.Contains(t, meta.UrgencyKeywords, "lawyer")
	assert.True(t, meta.AmountMentioned)
	assert.Greater(t, meta.ComplexityScore, 0.0)
}

func TestBuildMetadataCalm(t *testing.T) {
	meta := BuildMetadata("The statement arrived late this month.")

	assert.Empty(t, meta.UrgencyKeywords)
	assert.False(t, meta.AmountMentioned)
}

func TestBuildMetadataComplexityCapped(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	meta := BuildMetadata(long)
	assert.Equal(t, 1.0, meta.ComplexityScore)
}

func TestExtract(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{
		"entities": {"product": "credit_card", "issue": "unauthorized_charges", "company": "Example Bank", "amount": 299.99},
		"redacted_narrative": "I was charged $299.99 on my card [CARD_NUMBER] by [NAME]",
		"pii_types": ["name"]
	}`), nil)

	res, usage, err := Extract(context.Background(), ai, "claude-sonnet-4-5-20250929", 2048,
		"I was charged $299.99 on my card 4111 1111 1111 1111 by John Smith")
	require.NoError(t, err)

	assert.Equal(t, "credit_card", res.Entities.Product)
	assert.Equal(t, "unauthorized_charges", res.Entities.Issue)
	require.NotNil(t, res.Entities.Amount)
	assert.Equal(t, 299.99, *res.Entities.Amount)
	assert.NotContains(t, res.RedactedNarrative, "4111")
	// Pre-pass and model types merge without duplicates.
	assert.ElementsMatch(t, []string{"card_number", "name"}, res.PIITypes)
	assert.True(t, res.Metadata.AmountMentioned)
	assert.Equal(t, int64(100), usage.InputTokens)
	ai.AssertExpectations(t)
}

func TestExtractMaskedBeforeSend(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"entities": {}, "redacted_narrative": "", "pii_types": []}`), nil)

	_, _, err := Extract(context.Background(), ai, "m", 100, "ssn 123-45-6789")
	require.NoError(t, err)

	req := ai.Calls[0].Arguments.Get(1).(anthropic.MessageRequest)
	require.Len(t, req.Messages, 1)
	assert.NotContains(t, req.Messages[0].Content, "123-45-6789")
	assert.Contains(t, req.Messages[0].Content, "[SSN]")
}

func TestExtractEmptyRedactedFallsBack(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"entities": {}, "redacted_narrative": "", "pii_types": []}`), nil)

	res, _, err := Extract(context.Background(), ai, "m", 100, "email me at a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "email me at [EMAIL]", res.RedactedNarrative)
}

func TestExtractBadJSON(t *testing.T) {
	ai := new(mockAnthropicClient)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("not json"), nil)

	_, _, err := Extract(context.Background(), ai, "m", 100, "text")
	assert.Error(t, err)
}
