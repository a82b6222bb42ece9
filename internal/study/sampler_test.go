package study

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/studysync/internal/trial"
)

func TestRandomSamplerStaysInRange(t *testing.T) {
	sampler := NewRandomSampler(7)

	tests := []struct {
		name string
		dist trial.Distribution
	}{
		{"uniform", trial.Uniform{Low: -2, High: 3}},
		{"uniform point", trial.Uniform{Low: 1, High: 1}},
		{"log uniform", trial.LogUniform{Low: 1e-4, High: 1}},
		{"discrete", trial.DiscreteUniform{Low: 0, High: 1, Q: 0.25}},
		{"int", trial.IntUniform{Low: -3, High: 3}},
		{"categorical", trial.Categorical{Choices: []any{"a", "b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 500 {
				v, err := sampler.Sample(nil, nil, tt.name, tt.dist)
				require.NoError(t, err)
				assert.True(t, tt.dist.Contains(v), "%v not in %v", v, tt.dist)
			}
		})
	}
}

func TestRandomSamplerSeeded(t *testing.T) {
	a, b := NewRandomSampler(99), NewRandomSampler(99)
	dist := trial.Uniform{Low: 0, High: 1}
	for range 10 {
		va, err := a.Sample(nil, nil, "x", dist)
		require.NoError(t, err)
		vb, err := b.Sample(nil, nil, "x", dist)
		require.NoError(t, err)
		assert.Equal(t, va, vb)
	}
}

type unknownDist struct{ trial.Uniform }

func TestRandomSamplerUnknownDistribution(t *testing.T) {
	_, err := NewRandomSampler(1).Sample(nil, nil, "x", unknownDist{})
	assert.Error(t, err)
}
