package study

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/trial"
)

// EventKind names a point in a trial's life.
type EventKind string

const (
	EventTrialCreated  EventKind = "trial_created"
	EventTrialReported EventKind = "trial_reported"
	EventTrialFinished EventKind = "trial_finished"
)

// Event describes one trial lifecycle change.
type Event struct {
	Kind        EventKind   `json:"kind"`
	Study       string      `json:"study"`
	TrialID     int64       `json:"trial_id"`
	TrialNumber int         `json:"trial_number"`
	State       trial.State `json:"state"`
	Step        *int        `json:"step,omitempty"`
	Value       *float64    `json:"value,omitempty"`
	At          time.Time   `json:"at"`
}

// EventSink receives trial events. Publishing is best effort: a failing
// sink never fails the trial.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

func (s *Study) publish(ctx context.Context, ev Event) {
	if s.events == nil {
		return
	}
	ev.Study = s.name
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish trial event",
			zap.String("kind", string(ev.Kind)),
			zap.Int("trial", ev.TrialNumber),
			zap.Error(err))
	}
}
