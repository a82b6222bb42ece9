// Package storage persists studies and their trials.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/trial"
)

var (
	ErrStudyNotFound  = errors.New("study not found")
	ErrTrialNotFound  = errors.New("trial not found")
	ErrDuplicateStudy = errors.New("study name already exists")
	// ErrTrialFinished is returned when a terminal trial is mutated.
	ErrTrialFinished = errors.New("trial already finished")
)

// Storage is the persistence contract the study core relies on. Every
// mutation is atomic from the point of view of a concurrent reader, and
// GetAllTrials reflects every write visible at call time.
type Storage interface {
	CreateStudy(ctx context.Context, name string, direction trial.Direction) (int64, error)
	DeleteStudy(ctx context.Context, studyID int64) error
	GetStudyIDFromName(ctx context.Context, name string) (int64, error)
	GetStudyName(ctx context.Context, studyID int64) (string, error)
	GetStudyDirection(ctx context.Context, studyID int64) (trial.Direction, error)
	SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error
	SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error
	GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error)
	GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error)
	GetAllStudySummaries(ctx context.Context) ([]trial.StudySummary, error)

	// CreateTrial starts a RUNNING trial whose number is one more than the
	// highest number in the study.
	CreateTrial(ctx context.Context, studyID int64) (*trial.FrozenTrial, error)
	SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist trial.Distribution) error
	ReportIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error
	SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error
	SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error
	// FinalizeTrial moves a RUNNING trial to a terminal state exactly once.
	FinalizeTrial(ctx context.Context, trialID int64, state trial.State, value *float64, completedAt time.Time) error
	GetTrial(ctx context.Context, trialID int64) (*trial.FrozenTrial, error)
	GetAllTrials(ctx context.Context, studyID int64) ([]*trial.FrozenTrial, error)

	Close() error
}

// Open picks a backend from the URL scheme: memory://, sqlite://<path>
// or postgres://... (postgresql:// is accepted too).
func Open(ctx context.Context, url string, logger *zap.Logger) (Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"), logger)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url, logger)
	}
	return nil, fmt.Errorf("unsupported storage URL %q: want memory://, sqlite:// or postgres://", url)
}

func checkStep(step int) error {
	if step < 0 {
		return fmt.Errorf("step must be non-negative but got %d", step)
	}
	return nil
}

// checkFinalState rejects a non-terminal state, and a value that does not
// match the state: only COMPLETE trials carry one.
func checkFinalState(state trial.State, value *float64) error {
	if !state.IsFinished() {
		return fmt.Errorf("cannot finalize a trial into state %s", state)
	}
	switch {
	case state == trial.Complete && value == nil:
		return fmt.Errorf("cannot finalize a trial as %s without a value", state)
	case state != trial.Complete && value != nil:
		return fmt.Errorf("cannot finalize a trial as %s with value %v", state, *value)
	}
	return nil
}
