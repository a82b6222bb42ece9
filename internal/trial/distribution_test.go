package trial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	tests := []struct {
		dist Distribution
		v    float64
		want bool
	}{
		{Uniform{Low: 1, High: 2}, 1, true},
		{Uniform{Low: 1, High: 2}, 2, false},
		{Uniform{Low: 1, High: 1}, 1, true},
		{LogUniform{Low: 1e-3, High: 1}, 0.5, true},
		{LogUniform{Low: 1e-3, High: 1}, 1e-4, false},
		{DiscreteUniform{Low: 0, High: 1, Q: 0.5}, 1, true},
		{DiscreteUniform{Low: 0, High: 1, Q: 0.5}, 1.5, false},
		{IntUniform{Low: 1, High: 3}, 3, true},
		{IntUniform{Low: 1, High: 3}, 4, false},
		{Categorical{Choices: []any{"a", "b"}}, 1, true},
		{Categorical{Choices: []any{"a", "b"}}, 2, false},
		{Categorical{Choices: []any{"a", "b"}}, 0.5, false},
	}

	for _, tt := range tests {
		if got := tt.dist.Contains(tt.v); got != tt.want {
			t.Errorf("%v.Contains(%v) = %v, want %v", tt.dist, tt.v, got, tt.want)
		}
	}
}

func TestCategoricalRepr(t *testing.T) {
	d := Categorical{Choices: []any{"sgd", "adam"}}
	f, err := d.ToInternal("adam")
	require.NoError(t, err)
	assert.Equal(t, 1.0, f)
	assert.Equal(t, "adam", d.ToExternal(f))
	assert.Nil(t, d.ToExternal(5))

	_, err = d.ToInternal("rmsprop")
	assert.Error(t, err)
}

func TestIntUniformExternal(t *testing.T) {
	d := IntUniform{Low: 0, High: 10}
	assert.Equal(t, 4, d.ToExternal(4))
	f, err := d.ToInternal(4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, f)
}

func TestDistributionJSON(t *testing.T) {
	dists := []Distribution{
		Uniform{Low: -1, High: 1},
		LogUniform{Low: 1e-5, High: 1e-1},
		DiscreteUniform{Low: 0, High: 10, Q: 2},
		IntUniform{Low: 3, High: 9},
		Categorical{Choices: []any{"relu", "tanh"}},
	}
	for _, d := range dists {
		data, err := MarshalDistribution(d)
		require.NoError(t, err)
		got, err := UnmarshalDistribution(data)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	_, err := UnmarshalDistribution([]byte(`{"name":"NormalDistribution","attributes":{}}`))
	assert.Error(t, err)
}

func TestSameDistribution(t *testing.T) {
	assert.True(t, SameDistribution(Uniform{Low: 0, High: 1}, Uniform{Low: 0, High: 1}))
	assert.True(t, SameDistribution(
		Categorical{Choices: []any{1, 2, 3}},
		Categorical{Choices: []any{1.0, 2.0, 3.0}},
	))
	assert.False(t, SameDistribution(Uniform{Low: 0, High: 1}, Uniform{Low: 0, High: 2}))
	assert.False(t, SameDistribution(Uniform{Low: 0, High: 5}, IntUniform{Low: 0, High: 5}))
	assert.False(t, SameDistribution(Uniform{Low: 0, High: 1}, nil))
}
