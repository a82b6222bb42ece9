package trial

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ErrInvalidTrial is wrapped by every record invariant violation.
var ErrInvalidTrial = errors.New("invalid trial")

// State is the lifecycle state of a trial.
type State int

const (
	Running State = iota
	Complete
	Pruned
	Fail
)

// IsFinished reports whether the state is terminal.
func (s State) IsFinished() bool {
	return s != Running
}

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Complete:
		return "COMPLETE"
	case Pruned:
		return "PRUNED"
	case Fail:
		return "FAIL"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "RUNNING":
		return Running, nil
	case "COMPLETE":
		return Complete, nil
	case "PRUNED":
		return Pruned, nil
	case "FAIL":
		return Fail, nil
	}
	return Running, fmt.Errorf("unknown trial state %q", s)
}

// Direction says whether a study minimizes or maximizes its objective.
type Direction int

const (
	NotSet Direction = iota
	Minimize
	Maximize
)

func (d Direction) String() string {
	switch d {
	case NotSet:
		return "NOT_SET"
	case Minimize:
		return "MINIMIZE"
	case Maximize:
		return "MAXIMIZE"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection accepts "minimize", "maximize" or "not_set" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(s) {
	case "MINIMIZE":
		return Minimize, nil
	case "MAXIMIZE":
		return Maximize, nil
	case "NOT_SET", "":
		return NotSet, nil
	}
	return NotSet, fmt.Errorf("unknown direction %q: want minimize or maximize", s)
}

// Better reports whether a is strictly better than b under d.
// NotSet is treated as Minimize.
func (d Direction) Better(a, b float64) bool {
	if d == Maximize {
		return a > b
	}
	return a < b
}

// Outcome is the terminal result of a running trial. Only CompleteOutcome
// carries a value.
type Outcome interface {
	State() State
}

// CompleteOutcome finishes a trial with its objective value.
type CompleteOutcome struct {
	Value float64
}

// PruneOutcome finishes a trial that was stopped early.
type PruneOutcome struct{}

// FailOutcome finishes a trial whose objective returned an error.
type FailOutcome struct {
	Err error
}

func (CompleteOutcome) State() State { return Complete }
func (PruneOutcome) State() State    { return Pruned }
func (FailOutcome) State() State     { return Fail }

// FrozenTrial is a snapshot of one trial.
type FrozenTrial struct {
	ID                 int64                   `json:"trial_id"`
	Number             int                     `json:"number"`
	State              State                   `json:"state"`
	Value              *float64                `json:"value,omitempty"`
	DatetimeStart      *time.Time              `json:"datetime_start,omitempty"`
	DatetimeComplete   *time.Time              `json:"datetime_complete,omitempty"`
	Params             map[string]any          `json:"params"`
	Distributions      map[string]Distribution `json:"-"`
	UserAttrs          map[string]any          `json:"user_attrs"`
	SystemAttrs        map[string]any          `json:"system_attrs"`
	IntermediateValues map[int]float64         `json:"intermediate_values"`
}

// LastStep returns the largest reported step.
func (t *FrozenTrial) LastStep() (int, bool) {
	if len(t.IntermediateValues) == 0 {
		return 0, false
	}
	last := -1
	for step := range t.IntermediateValues {
		if step > last {
			last = step
		}
	}
	return last, true
}

// Steps returns the reported steps in ascending order.
func (t *FrozenTrial) Steps() []int {
	steps := make([]int, 0, len(t.IntermediateValues))
	for step := range t.IntermediateValues {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps
}

// Validate checks the record invariants. Every error wraps ErrInvalidTrial.
func (t *FrozenTrial) Validate() error {
	if t.DatetimeStart == nil {
		return fmt.Errorf("%w: datetime_start is supposed to be set", ErrInvalidTrial)
	}

	if t.State.IsFinished() {
		if t.DatetimeComplete == nil {
			return fmt.Errorf("%w: datetime_complete is supposed to be set for a finished trial", ErrInvalidTrial)
		}
	} else if t.DatetimeComplete != nil {
		return fmt.Errorf("%w: datetime_complete is supposed to not be set for a running trial", ErrInvalidTrial)
	}

	if t.State == Complete && t.Value == nil {
		return fmt.Errorf("%w: value is supposed to be set for a complete trial", ErrInvalidTrial)
	}
	if t.State != Complete && t.Value != nil {
		return fmt.Errorf("%w: value is supposed to be set only for a complete trial, state is %s", ErrInvalidTrial, t.State)
	}

	if !sameKeys(t.Params, t.Distributions) {
		return fmt.Errorf("%w: inconsistent parameters %v and distributions %v",
			ErrInvalidTrial, sortedKeys(t.Params), sortedKeys(t.Distributions))
	}

	for name, value := range t.Params {
		dist := t.Distributions[name]
		internal, err := dist.ToInternal(value)
		if err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalidTrial, name, err)
		}
		if !dist.Contains(internal) {
			return fmt.Errorf("%w: the value %v of parameter %q isn't contained in the distribution %v",
				ErrInvalidTrial, value, name, dist)
		}
	}
	return nil
}

// Equal compares every field. NaN values compare equal to each other.
func (t *FrozenTrial) Equal(o *FrozenTrial) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.ID != o.ID || t.Number != o.Number || t.State != o.State {
		return false
	}
	if !floatPtrEqual(t.Value, o.Value) {
		return false
	}
	if !timePtrEqual(t.DatetimeStart, o.DatetimeStart) || !timePtrEqual(t.DatetimeComplete, o.DatetimeComplete) {
		return false
	}
	if !mapEqual(t.Params, o.Params) || !mapEqual(t.Distributions, o.Distributions) {
		return false
	}
	if !mapEqual(t.UserAttrs, o.UserAttrs) || !mapEqual(t.SystemAttrs, o.SystemAttrs) {
		return false
	}
	return maps.EqualFunc(t.IntermediateValues, o.IntermediateValues, floatEqual)
}

// Clone returns a deep copy. Attribute values are copied shallowly.
func (t *FrozenTrial) Clone() *FrozenTrial {
	c := *t
	if t.Value != nil {
		v := *t.Value
		c.Value = &v
	}
	if t.DatetimeStart != nil {
		ts := *t.DatetimeStart
		c.DatetimeStart = &ts
	}
	if t.DatetimeComplete != nil {
		ts := *t.DatetimeComplete
		c.DatetimeComplete = &ts
	}
	c.Params = cloneMap(t.Params)
	c.Distributions = cloneMap(t.Distributions)
	c.UserAttrs = cloneMap(t.UserAttrs)
	c.SystemAttrs = cloneMap(t.SystemAttrs)
	c.IntermediateValues = cloneMap(t.IntermediateValues)
	return &c
}

// StudySummary holds the basic attributes and aggregated results of a study.
type StudySummary struct {
	StudyID       int64
	StudyName     string
	Direction     Direction
	BestTrial     *FrozenTrial
	UserAttrs     map[string]any
	SystemAttrs   map[string]any
	NTrials       int
	DatetimeStart *time.Time
}

// Summarize builds a StudySummary from a study's trials.
func Summarize(id int64, name string, dir Direction, userAttrs, systemAttrs map[string]any, trials []*FrozenTrial) StudySummary {
	s := StudySummary{
		StudyID:     id,
		StudyName:   name,
		Direction:   dir,
		UserAttrs:   userAttrs,
		SystemAttrs: systemAttrs,
		NTrials:     len(trials),
		BestTrial:   Best(trials, dir),
	}
	for _, t := range trials {
		if t.DatetimeStart == nil {
			continue
		}
		if s.DatetimeStart == nil || t.DatetimeStart.Before(*s.DatetimeStart) {
			ts := *t.DatetimeStart
			s.DatetimeStart = &ts
		}
	}
	return s
}

// Best returns the COMPLETE trial with the extremal value under dir, ties
// going to the lowest number. It returns nil when no trial is complete.
func Best(trials []*FrozenTrial, dir Direction) *FrozenTrial {
	var best *FrozenTrial
	for _, t := range trials {
		if t.State != Complete || t.Value == nil {
			continue
		}
		switch {
		case best == nil:
			best = t
		case dir.Better(*t.Value, *best.Value):
			best = t
		case *t.Value == *best.Value && t.Number < best.Number:
			best = t
		}
	}
	return best
}

func sameKeys[A, B any](a map[string]A, b map[string]B) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func floatEqual(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return floatEqual(*a, *b)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func mapEqual[V any](a, b map[string]V) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
