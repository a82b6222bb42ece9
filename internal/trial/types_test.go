package trial

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func validCompleteTrial() *FrozenTrial {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(time.Minute)
	return &FrozenTrial{
		ID:               7,
		Number:           0,
		State:            Complete,
		Value:            ptr(0.2),
		DatetimeStart:    &start,
		DatetimeComplete: &end,
		Params:           map[string]any{"x": 10.0},
		Distributions:    map[string]Distribution{"x": Uniform{Low: 5, High: 12}},
		UserAttrs:        map[string]any{},
		SystemAttrs:      map[string]any{},
		IntermediateValues: map[int]float64{
			0: 1.0,
			1: 0.5,
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validCompleteTrial().Validate())

	tests := []struct {
		name   string
		mutate func(*FrozenTrial)
	}{
		{"no datetime_start", func(tr *FrozenTrial) { tr.DatetimeStart = nil }},
		{"running with datetime_complete", func(tr *FrozenTrial) {
			tr.State = Running
			tr.Value = nil
		}},
		{"complete without datetime_complete", func(tr *FrozenTrial) { tr.DatetimeComplete = nil }},
		{"pruned without datetime_complete", func(tr *FrozenTrial) {
			tr.State = Pruned
			tr.Value = nil
			tr.DatetimeComplete = nil
		}},
		{"fail without datetime_complete", func(tr *FrozenTrial) {
			tr.State = Fail
			tr.Value = nil
			tr.DatetimeComplete = nil
		}},
		{"complete without value", func(tr *FrozenTrial) { tr.Value = nil }},
		{"pruned with value", func(tr *FrozenTrial) { tr.State = Pruned }},
		{"param without distribution", func(tr *FrozenTrial) { tr.Params["y"] = 1.0 }},
		{"distribution without param", func(tr *FrozenTrial) {
			tr.Distributions["y"] = Uniform{Low: 0, High: 1}
		}},
		{"param out of range", func(tr *FrozenTrial) { tr.Params["x"] = 12.0 }},
		{"param not numeric", func(tr *FrozenTrial) { tr.Params["x"] = "ten" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := validCompleteTrial()
			tt.mutate(tr)
			err := tr.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTrial), "error %v should wrap ErrInvalidTrial", err)
		})
	}
}

func TestValidateRunningAndTerminalStates(t *testing.T) {
	start := time.Now()
	running := &FrozenTrial{State: Running, DatetimeStart: &start}
	assert.NoError(t, running.Validate())

	for _, s := range []State{Pruned, Fail} {
		end := start.Add(time.Second)
		tr := &FrozenTrial{State: s, DatetimeStart: &start, DatetimeComplete: &end}
		assert.NoError(t, tr.Validate(), s.String())
	}
}

func TestEqual(t *testing.T) {
	a := validCompleteTrial()
	b := validCompleteTrial()
	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(a.Clone()))

	mutations := map[string]func(*FrozenTrial){
		"id":           func(tr *FrozenTrial) { tr.ID++ },
		"number":       func(tr *FrozenTrial) { tr.Number++ },
		"state":        func(tr *FrozenTrial) { tr.State = Pruned },
		"value":        func(tr *FrozenTrial) { tr.Value = ptr(0.3) },
		"start":        func(tr *FrozenTrial) { tr.DatetimeStart = ptr(tr.DatetimeStart.Add(time.Second)) },
		"complete":     func(tr *FrozenTrial) { tr.DatetimeComplete = nil },
		"params":       func(tr *FrozenTrial) { tr.Params["x"] = 11.0 },
		"distribution": func(tr *FrozenTrial) { tr.Distributions["x"] = Uniform{Low: 5, High: 13} },
		"user attrs":   func(tr *FrozenTrial) { tr.UserAttrs["k"] = "v" },
		"system attrs": func(tr *FrozenTrial) { tr.SystemAttrs["k"] = "v" },
		"intermediate": func(tr *FrozenTrial) { tr.IntermediateValues[2] = 0.1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := validCompleteTrial()
			mutate(c)
			assert.False(t, a.Equal(c))
		})
	}
}

func TestEqualNaN(t *testing.T) {
	a := validCompleteTrial()
	b := validCompleteTrial()
	a.IntermediateValues[3] = math.NaN()
	b.IntermediateValues[3] = math.NaN()
	assert.True(t, a.Equal(b))
}

func TestCloneIsIndependent(t *testing.T) {
	a := validCompleteTrial()
	c := a.Clone()
	c.IntermediateValues[5] = 9
	c.Params["x"] = 6.0
	*c.Value = 1

	assert.NotContains(t, a.IntermediateValues, 5)
	assert.Equal(t, 10.0, a.Params["x"])
	assert.Equal(t, 0.2, *a.Value)
}

func TestLastStep(t *testing.T) {
	tr := &FrozenTrial{}
	_, ok := tr.LastStep()
	assert.False(t, ok)

	tr.IntermediateValues = map[int]float64{3: 1, 0: 2, 7: 3, 5: 4}
	step, ok := tr.LastStep()
	assert.True(t, ok)
	assert.Equal(t, 7, step)
	assert.Equal(t, []int{0, 3, 5, 7}, tr.Steps())
}

func TestBest(t *testing.T) {
	trials := []*FrozenTrial{
		{Number: 0, State: Complete, Value: ptr(3.0)},
		{Number: 1, State: Pruned},
		{Number: 2, State: Complete, Value: ptr(1.0)},
		{Number: 3, State: Complete, Value: ptr(1.0)},
		{Number: 4, State: Complete, Value: ptr(5.0)},
		{Number: 5, State: Running},
	}

	assert.Equal(t, 2, Best(trials, Minimize).Number)
	assert.Equal(t, 4, Best(trials, Maximize).Number)
	assert.Nil(t, Best(trials[1:2], Minimize))
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(-time.Hour)
	trials := []*FrozenTrial{
		{Number: 0, State: Complete, Value: ptr(2.0), DatetimeStart: &t0},
		{Number: 1, State: Complete, Value: ptr(4.0), DatetimeStart: &t1},
	}

	s := Summarize(1, "demo", Maximize, nil, nil, trials)
	assert.Equal(t, 2, s.NTrials)
	assert.Equal(t, 1, s.BestTrial.Number)
	require.NotNil(t, s.DatetimeStart)
	assert.True(t, s.DatetimeStart.Equal(t1))
}

func TestParseStateAndDirection(t *testing.T) {
	for _, s := range []State{Running, Complete, Pruned, Fail} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("WAITING")
	assert.Error(t, err)

	d, err := ParseDirection("maximize")
	require.NoError(t, err)
	assert.Equal(t, Maximize, d)
	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
