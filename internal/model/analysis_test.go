package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskCategory
	}{
		{0.0, RiskLow},
		{0.39, RiskLow},
		{0.4, RiskMedium}, // lower boundary is inclusive
		{0.59, RiskMedium},
		{0.6, RiskHigh},
		{0.75, RiskHigh},
		{0.8, RiskCritical},
		{1.0, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestSortFactors(t *testing.T) {
	factors := []RiskFactor{
		{Name: "amount_mentioned", Contribution: 0.1},
		{Name: "urgency", Contribution: 0.3},
		{Name: "sentiment", Contribution: -0.2},
		{Name: "emotion", Contribution: 0.1},
	}
	SortFactors(factors)

	assert.Equal(t, "urgency", factors[0].Name)
	assert.Equal(t, "sentiment", factors[1].Name) // |−0.2| beats 0.1
	// Equal magnitude ties break by name ascending.
	assert.Equal(t, "amount_mentioned", factors[2].Name)
	assert.Equal(t, "emotion", factors[3].Name)
}

func TestSortFactorsDeterministic(t *testing.T) {
	build := func() []RiskFactor {
		return []RiskFactor{
			{Name: "b", Contribution: 0.2},
			{Name: "a", Contribution: 0.2},
			{Name: "c", Contribution: 0.2},
		}
	}
	first := build()
	SortFactors(first)
	second := build()
	SortFactors(second)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", first[0].Name)
}
