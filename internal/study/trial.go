package study

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/storage"
	"github.com/sbenjam1n/studysync/internal/trial"
)

// ErrTrialPruned is returned (possibly wrapped) by an objective to stop
// the trial as PRUNED.
var ErrTrialPruned = errors.New("trial was pruned")

// FailReasonAttr is the system attribute holding why a trial failed.
const FailReasonAttr = "fail_reason"

// Objective evaluates one trial.
type Objective func(ctx context.Context, t *Trial) (float64, error)

// Trial is the handle an objective uses to suggest parameters, report
// intermediate values and ask whether to prune.
type Trial struct {
	study  *Study
	id     int64
	number int

	mu       sync.Mutex
	finished bool
}

// Ask starts a new RUNNING trial in the study.
func (s *Study) Ask(ctx context.Context) (*Trial, error) {
	rec, err := s.storage.CreateTrial(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("create trial: %w", err)
	}
	s.publish(ctx, Event{Kind: EventTrialCreated, TrialID: rec.ID, TrialNumber: rec.Number, State: rec.State})
	return &Trial{study: s, id: rec.ID, number: rec.Number}, nil
}

func (t *Trial) ID() int64   { return t.id }
func (t *Trial) Number() int { return t.number }

// Frozen returns the stored record of the trial.
func (t *Trial) Frozen(ctx context.Context) (*trial.FrozenTrial, error) {
	return t.study.storage.GetTrial(ctx, t.id)
}

// Params returns the parameters suggested so far.
func (t *Trial) Params(ctx context.Context) (map[string]any, error) {
	rec, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Params, nil
}

// Report records the objective's value at step. Reporting a step again
// overwrites it.
func (t *Trial) Report(ctx context.Context, step int, value float64) error {
	if err := t.study.storage.ReportIntermediateValue(ctx, t.id, step, value); err != nil {
		return fmt.Errorf("trial %d: report step %d: %w", t.number, step, err)
	}
	t.study.publish(ctx, Event{
		Kind: EventTrialReported, TrialID: t.id, TrialNumber: t.number,
		State: trial.Running, Step: &step, Value: &value,
	})
	return nil
}

// ShouldPrune asks the study's pruner about the trial's current state.
func (t *Trial) ShouldPrune(ctx context.Context) (bool, error) {
	snap, err := t.study.snapshot(ctx)
	if err != nil {
		return false, err
	}
	var current *trial.FrozenTrial
	for _, ft := range snap.Trials() {
		if ft.ID == t.id {
			current = ft
			break
		}
	}
	if current == nil {
		return false, fmt.Errorf("trial %d: %w", t.number, storage.ErrTrialNotFound)
	}

	prune := t.study.pruner.Prune(snap, current)
	decision := "continue"
	if prune {
		decision = "prune"
	}
	pruneChecks.WithLabelValues(decision).Inc()
	return prune, nil
}

func (t *Trial) SuggestUniform(ctx context.Context, name string, low, high float64) (float64, error) {
	if low > high {
		return 0, fmt.Errorf("uniform %q: low %v exceeds high %v", name, low, high)
	}
	v, err := t.suggest(ctx, name, trial.Uniform{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("trial %d: parameter %q holds %T, not float64", t.number, name, v)
	}
	return f, nil
}

func (t *Trial) SuggestLogUniform(ctx context.Context, name string, low, high float64) (float64, error) {
	if low <= 0 || low > high {
		return 0, fmt.Errorf("log-uniform %q: want 0 < low <= high, got [%v, %v]", name, low, high)
	}
	v, err := t.suggest(ctx, name, trial.LogUniform{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("trial %d: parameter %q holds %T, not float64", t.number, name, v)
	}
	return f, nil
}

func (t *Trial) SuggestDiscreteUniform(ctx context.Context, name string, low, high, q float64) (float64, error) {
	if low > high || q <= 0 {
		return 0, fmt.Errorf("discrete-uniform %q: want low <= high and q > 0", name)
	}
	v, err := t.suggest(ctx, name, trial.DiscreteUniform{Low: low, High: high, Q: q})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("trial %d: parameter %q holds %T, not float64", t.number, name, v)
	}
	return f, nil
}

func (t *Trial) SuggestInt(ctx context.Context, name string, low, high int) (int, error) {
	if low > high {
		return 0, fmt.Errorf("int %q: low %d exceeds high %d", name, low, high)
	}
	v, err := t.suggest(ctx, name, trial.IntUniform{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("trial %d: parameter %q holds %T, not int", t.number, name, v)
	}
	return n, nil
}

func (t *Trial) SuggestCategorical(ctx context.Context, name string, choices ...any) (any, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("categorical %q: no choices", name)
	}
	return t.suggest(ctx, name, trial.Categorical{Choices: choices})
}

// suggest returns the already stored value of name, or samples and stores
// a new one. The stored value is returned through dist, so callers get
// their own choice types back whatever the backend decoded.
func (t *Trial) suggest(ctx context.Context, name string, dist trial.Distribution) (any, error) {
	trials, err := t.study.Trials(ctx)
	if err != nil {
		return nil, err
	}
	var current *trial.FrozenTrial
	for _, ft := range trials {
		if ft.ID == t.id {
			current = ft
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("trial %d: %w", t.number, storage.ErrTrialNotFound)
	}
	if v, ok := current.Params[name]; ok {
		stored := current.Distributions[name]
		if stored == nil || !trial.SameDistribution(stored, dist) {
			return nil, fmt.Errorf("trial %d: parameter %q already set with distribution %v", t.number, name, stored)
		}
		internal, err := stored.ToInternal(v)
		if err != nil {
			return nil, fmt.Errorf("trial %d: parameter %q: %w", t.number, name, err)
		}
		return dist.ToExternal(internal), nil
	}

	internal, err := t.study.sampler.Sample(trials, current, name, dist)
	if err != nil {
		return nil, err
	}
	if err := t.study.storage.SetTrialParam(ctx, t.id, name, internal, dist); err != nil {
		return nil, fmt.Errorf("trial %d: set param %q: %w", t.number, name, err)
	}
	return dist.ToExternal(internal), nil
}

func (t *Trial) SetUserAttr(ctx context.Context, key string, value any) error {
	return t.study.storage.SetTrialUserAttr(ctx, t.id, key, value)
}

func (t *Trial) SetSystemAttr(ctx context.Context, key string, value any) error {
	return t.study.storage.SetTrialSystemAttr(ctx, t.id, key, value)
}

// Finalize moves the trial to the outcome's terminal state. The candidate
// record is validated first; on a validation error the trial stays
// RUNNING. A second call fails with storage.ErrTrialFinished.
func (t *Trial) Finalize(ctx context.Context, outcome trial.Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return fmt.Errorf("trial %d: %w", t.number, storage.ErrTrialFinished)
	}

	rec, err := t.Frozen(ctx)
	if err != nil {
		return err
	}
	if rec.State.IsFinished() {
		t.finished = true
		return fmt.Errorf("trial %d: %w", t.number, storage.ErrTrialFinished)
	}

	now := time.Now().UTC()
	candidate := rec.Clone()
	candidate.State = outcome.State()
	candidate.DatetimeComplete = &now
	candidate.Value = nil
	if c, ok := outcome.(trial.CompleteOutcome); ok {
		v := c.Value
		candidate.Value = &v
	}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("trial %d: %w", t.number, err)
	}

	if err := t.study.storage.FinalizeTrial(ctx, t.id, candidate.State, candidate.Value, now); err != nil {
		return fmt.Errorf("trial %d: finalize: %w", t.number, err)
	}
	t.finished = true

	trialsFinished.WithLabelValues(candidate.State.String()).Inc()
	if rec.DatetimeStart != nil {
		trialDuration.Observe(now.Sub(*rec.DatetimeStart).Seconds())
	}
	t.study.publish(ctx, Event{
		Kind: EventTrialFinished, TrialID: t.id, TrialNumber: t.number,
		State: candidate.State, Value: candidate.Value, At: now,
	})
	return nil
}

// Tell finalizes a trial from an objective's result: a nil error
// completes it, ErrTrialPruned prunes it and anything else, including a
// NaN value, fails it.
func (t *Trial) Tell(ctx context.Context, value float64, objErr error) (trial.State, error) {
	outcome := outcomeOf(value, objErr)
	if f, ok := outcome.(trial.FailOutcome); ok {
		if err := t.SetSystemAttr(ctx, FailReasonAttr, f.Err.Error()); err != nil {
			return trial.Running, err
		}
	}

	err := t.Finalize(ctx, outcome)
	if err != nil && !errors.Is(err, trial.ErrInvalidTrial) {
		return trial.Running, err
	}
	if err != nil {
		// A record that cannot complete is still closed, as a failure.
		t.study.logger.Warn("trial result rejected, marking failed",
			zap.Int("trial", t.number), zap.Error(err))
		if aerr := t.SetSystemAttr(ctx, FailReasonAttr, err.Error()); aerr != nil {
			return trial.Running, aerr
		}
		if ferr := t.Finalize(ctx, trial.FailOutcome{Err: err}); ferr != nil {
			return trial.Running, ferr
		}
		return trial.Fail, nil
	}
	return outcome.State(), nil
}

func outcomeOf(value float64, err error) trial.Outcome {
	switch {
	case err == nil && math.IsNaN(value):
		return trial.FailOutcome{Err: errors.New("objective returned NaN")}
	case err == nil:
		return trial.CompleteOutcome{Value: value}
	case errors.Is(err, ErrTrialPruned):
		return trial.PruneOutcome{}
	default:
		return trial.FailOutcome{Err: err}
	}
}

// runTrial drives one trial from creation to a terminal state. Only
// storage failures are returned; objective errors become FAIL trials.
func (s *Study) runTrial(ctx context.Context, objective Objective) (*trial.FrozenTrial, error) {
	t, err := s.Ask(ctx)
	if err != nil {
		return nil, err
	}

	value, objErr := invoke(ctx, objective, t)
	state, err := t.Tell(ctx, value, objErr)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.Int("trial", t.number))
	switch state {
	case trial.Complete:
		log.Info("trial finished", zap.Float64("value", value))
	case trial.Pruned:
		log.Info("trial pruned")
	default:
		log.Warn("trial failed", zap.Error(objErr))
	}
	return t.Frozen(ctx)
}

// invoke calls the objective and turns a panic into an error.
func invoke(ctx context.Context, objective Objective, t *Trial) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("objective panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return objective(ctx, t)
}
