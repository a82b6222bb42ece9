// Package pruner decides whether a running trial should be stopped early.
package pruner

import (
	"errors"

	"github.com/sbenjam1n/studysync/internal/trial"
)

// ErrInvalidConfig is wrapped by every construction-time validation error.
var ErrInvalidConfig = errors.New("invalid pruner config")

// Snapshot is a read-only view of a study at one point in time.
type Snapshot interface {
	Direction() trial.Direction
	Trials() []*trial.FrozenTrial
}

// Pruner judges a running trial against its study. Implementations must
// be pure functions of their inputs.
type Pruner interface {
	Prune(study Snapshot, t *trial.FrozenTrial) bool
}

// Nop never prunes.
type Nop struct{}

func (Nop) Prune(Snapshot, *trial.FrozenTrial) bool { return false }

// StaticSnapshot is a Snapshot over a fixed slice of trials.
type StaticSnapshot struct {
	Dir trial.Direction
	All []*trial.FrozenTrial
}

func (s StaticSnapshot) Direction() trial.Direction   { return s.Dir }
func (s StaticSnapshot) Trials() []*trial.FrozenTrial { return s.All }
