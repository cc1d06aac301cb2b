package script

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchChoiceExactLabel(t *testing.T) {
	choices := testScript().Node("welcome-1").Choices

	tests := []struct {
		input   string
		wantIdx int
		wantOK  bool
	}{
		{"E-commerce", 0, true},
		{"e-commerce", 0, true},
		{"  SaaS  ", 1, true},
		{"saas", 1, true},
		{"Consulting", 0, false},
		{"", 0, false},
		{"   ", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			idx, ok := MatchChoice(tt.input, choices)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantIdx, idx)
			}
		})
	}
}

func TestMatchChoiceOrdinal(t *testing.T) {
	choices := []Choice{
		{Label: "Alpha"},
		{Label: "Beta"},
		{Label: "Gamma"},
	}

	for i := 1; i <= len(choices); i++ {
		idx, ok := MatchChoice(strconv.Itoa(i), choices)
		assert.True(t, ok)
		assert.Equal(t, i-1, idx)
	}

	for _, input := range []string{"0", "4", "-1", "1.5", "one"} {
		_, ok := MatchChoice(input, choices)
		assert.False(t, ok, "input %q should not match", input)
	}
}

func TestMatchChoiceLabelWinsOverOrdinal(t *testing.T) {
	// A label that looks like a number matches by label first.
	choices := []Choice{
		{Label: "2"},
		{Label: "other"},
	}
	idx, ok := MatchChoice("2", choices)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestMatchChoiceFirstExactMatchWins(t *testing.T) {
	choices := []Choice{
		{Label: "Yes"},
		{Label: "yes"},
	}
	idx, ok := MatchChoice("YES", choices)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestMatchChoiceEmptyChoiceList(t *testing.T) {
	_, ok := MatchChoice("anything", nil)
	assert.False(t, ok)
}
