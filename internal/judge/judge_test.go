package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCohensKappa_PerfectAgreement(t *testing.T) {
	// S5 from the testable-properties table: judges disagree on raw scores
	// but binarize identically, so kappa == 1.0.
	judge1 := []float64{0.8, 0.6, 0.3, 0.9, 0.4}
	judge2 := []float64{0.7, 0.6, 0.2, 0.8, 0.4}

	kappa := cohensKappa(judge1, judge2)
	require.NotNil(t, kappa)
	assert.InDelta(t, 1.0, *kappa, 1e-9)
}

func TestCohensKappa_CompleteDisagreement(t *testing.T) {
	judge1 := []float64{0.9, 0.9, 0.1, 0.1}
	judge2 := []float64{0.1, 0.1, 0.9, 0.9}

	kappa := cohensKappa(judge1, judge2)
	require.NotNil(t, kappa)
	assert.InDelta(t, -1.0, *kappa, 1e-9)
}

func TestCohensKappa_UndefinedWhenUnanimous(t *testing.T) {
	judge1 := []float64{0.9, 0.8, 0.95, 0.99}
	judge2 := []float64{0.9, 0.8, 0.95, 0.99}

	kappa := cohensKappa(judge1, judge2)
	assert.Nil(t, kappa, "both judges unanimous on the relevant class, denominator is zero")
}

func TestCohensKappa_MismatchedLengths(t *testing.T) {
	assert.Nil(t, cohensKappa([]float64{0.9}, []float64{0.9, 0.1}))
}

func TestCohensKappa_Empty(t *testing.T) {
	assert.Nil(t, cohensKappa(nil, nil))
}

func TestBinarize(t *testing.T) {
	assert.Equal(t, 1, binarize(0.51))
	assert.Equal(t, 0, binarize(0.5))
	assert.Equal(t, 0, binarize(0.0))
	assert.Equal(t, 1, binarize(1.0))
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "plain", input: "SCORE: 0.8", want: 0.8},
		{name: "lowercase", input: "score: 0.3", want: 0.3},
		{name: "no leading zero", input: "SCORE: .75", want: 0.75},
		{name: "clamped high", input: "SCORE: 1.5", want: 1.0}, // out-of-range values are clamped to [0,1]
		{name: "zero", input: "SCORE: 0", want: 0},
		{name: "one", input: "SCORE: 1", want: 1},
		{name: "surrounded by text", input: "Let me think.\nSCORE: 0.42\nDone.", want: 0.42},
		{name: "missing", input: "I cannot answer that.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestNoopScorer(t *testing.T) {
	s := NewNoopScorer()
	score, tokens, err := s.Score(context.Background(), "q", "c")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	assert.Equal(t, 0, tokens)
	assert.Equal(t, "noop", s.ModelName())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&RetryableError{Err: assertError{}}))
	assert.False(t, isRetryable(assertError{}))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
