package study

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sbenjam1n/studysync/internal/trial"
)

// Sampler picks the internal representation of a new parameter value.
// history holds the study's trials at the time of the call.
type Sampler interface {
	Sample(history []*trial.FrozenTrial, current *trial.FrozenTrial, name string, dist trial.Distribution) (float64, error)
}

// RandomSampler draws independently from each distribution.
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSampler returns a sampler seeded with seed. A zero seed draws
// a random one.
func NewRandomSampler(seed uint64) *RandomSampler {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &RandomSampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *RandomSampler) Sample(_ []*trial.FrozenTrial, _ *trial.FrozenTrial, name string, dist trial.Distribution) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch d := dist.(type) {
	case trial.Uniform:
		if d.Low == d.High {
			return d.Low, nil
		}
		return belowHigh(d.Low+r.rng.Float64()*(d.High-d.Low), d.Low, d.High), nil
	case trial.LogUniform:
		if d.Low == d.High {
			return d.Low, nil
		}
		lo, hi := math.Log(d.Low), math.Log(d.High)
		return belowHigh(math.Exp(lo+r.rng.Float64()*(hi-lo)), d.Low, d.High), nil
	case trial.DiscreteUniform:
		n := int64(math.Floor((d.High-d.Low)/d.Q + 1e-9))
		return math.Min(d.Low+float64(r.rng.Int64N(n+1))*d.Q, d.High), nil
	case trial.IntUniform:
		return float64(d.Low + r.rng.IntN(d.High-d.Low+1)), nil
	case trial.Categorical:
		return float64(r.rng.IntN(len(d.Choices))), nil
	}
	return 0, fmt.Errorf("parameter %q: unsupported distribution %T", name, dist)
}

// belowHigh keeps rounding from landing a draw on the open upper bound.
func belowHigh(v, low, high float64) float64 {
	if v >= high {
		v = math.Nextafter(high, low)
	}
	return math.Max(v, low)
}
