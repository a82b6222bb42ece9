package pruner

import (
	"fmt"
	"math"

	"github.com/sbenjam1n/studysync/internal/trial"
)

// Percentile prunes a trial whose best intermediate value is worse than
// the given percentile of the values completed trials reported at the
// same step.
type Percentile struct {
	percentile    float64
	startupTrials int
	warmupSteps   int
	intervalSteps int
}

// Option configures a Percentile pruner.
type Option func(*Percentile)

// WithStartupTrials disables pruning until n trials have completed.
func WithStartupTrials(n int) Option {
	return func(p *Percentile) { p.startupTrials = n }
}

// WithWarmupSteps disables pruning for steps <= n.
func WithWarmupSteps(n int) Option {
	return func(p *Percentile) { p.warmupSteps = n }
}

// WithIntervalSteps sets the number of steps between pruning checks,
// offset by the warmup steps. A check that falls on a step nothing was
// reported for is postponed to the next reported step.
func WithIntervalSteps(n int) Option {
	return func(p *Percentile) { p.intervalSteps = n }
}

// NewPercentile builds a Percentile pruner. percentile must lie in
// [0, 100]; startup and warmup must be non-negative; interval at least 1.
func NewPercentile(percentile float64, opts ...Option) (*Percentile, error) {
	p := &Percentile{
		percentile:    percentile,
		startupTrials: 5,
		warmupSteps:   0,
		intervalSteps: 1,
	}
	for _, opt := range opts {
		opt(p)
	}

	if !(0 <= p.percentile && p.percentile <= 100) {
		return nil, fmt.Errorf("%w: percentile must be between 0 and 100 inclusive but got %v", ErrInvalidConfig, p.percentile)
	}
	if p.startupTrials < 0 {
		return nil, fmt.Errorf("%w: number of startup trials cannot be negative but got %d", ErrInvalidConfig, p.startupTrials)
	}
	if p.warmupSteps < 0 {
		return nil, fmt.Errorf("%w: number of warmup steps cannot be negative but got %d", ErrInvalidConfig, p.warmupSteps)
	}
	if p.intervalSteps < 1 {
		return nil, fmt.Errorf("%w: pruning interval steps must be at least 1 but got %d", ErrInvalidConfig, p.intervalSteps)
	}
	return p, nil
}

// NewMedian builds a Percentile pruner at the 50th percentile.
func NewMedian(opts ...Option) (*Percentile, error) {
	return NewPercentile(50, opts...)
}

// Prune implements Pruner.
func (p *Percentile) Prune(study Snapshot, t *trial.FrozenTrial) bool {
	trials := study.Trials()
	completed := completedTrials(trials)
	if len(completed) == 0 {
		return false
	}
	if len(completed) < p.startupTrials {
		return false
	}

	step, ok := t.LastStep()
	if !ok {
		return false
	}
	if step <= p.warmupSteps {
		return false
	}
	if !p.firstInInterval(step, t.IntermediateValues) {
		return false
	}

	dir := study.Direction()
	best := bestIntermediate(t, dir)
	if math.IsNaN(best) {
		return true
	}

	threshold := percentileAtStep(completed, dir, step, p.percentile)
	if math.IsNaN(threshold) {
		return false
	}

	if dir == trial.Maximize {
		return best < threshold
	}
	return best > threshold
}

// firstInInterval reports whether step is the first reported step inside
// its interval window. Reported steps may arrive in any order, so every
// key is inspected.
func (p *Percentile) firstInInterval(step int, reported map[int]float64) bool {
	nearestLower := (step-p.warmupSteps-1)/p.intervalSteps*p.intervalSteps + p.warmupSteps + 1

	secondLast := -1
	for s := range reported {
		if s != step && s > secondLast {
			secondLast = s
		}
	}
	return secondLast < nearestLower
}

func completedTrials(trials []*trial.FrozenTrial) []*trial.FrozenTrial {
	var out []*trial.FrozenTrial
	for _, t := range trials {
		if t.State == trial.Complete {
			out = append(out, t)
		}
	}
	return out
}

func bestIntermediate(t *trial.FrozenTrial, dir trial.Direction) float64 {
	values := make([]float64, 0, len(t.IntermediateValues))
	for _, v := range t.IntermediateValues {
		values = append(values, v)
	}
	if dir == trial.Maximize {
		return NanMax(values)
	}
	return NanMin(values)
}

// percentileAtStep returns NaN when no completed trial reported at step.
func percentileAtStep(completed []*trial.FrozenTrial, dir trial.Direction, step int, percentile float64) float64 {
	if dir == trial.Maximize {
		percentile = 100 - percentile
	}
	values := make([]float64, 0, len(completed))
	for _, t := range completed {
		if v, ok := t.IntermediateValues[step]; ok {
			values = append(values, v)
		}
	}
	return NanPercentile(values, percentile)
}
