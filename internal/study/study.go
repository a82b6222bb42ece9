// Package study runs optimization studies: it owns the trial lifecycle,
// consults the pruner while trials run and schedules trials over a pool
// of workers.
package study

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/pruner"
	"github.com/sbenjam1n/studysync/internal/storage"
	"github.com/sbenjam1n/studysync/internal/trial"
)

// ErrNoCompletedTrials is returned by the best-trial accessors before any
// trial has completed.
var ErrNoCompletedTrials = errors.New("no trials are completed yet")

// Study is a handle on one stored study.
type Study struct {
	id        int64
	name      string
	direction trial.Direction
	storage   storage.Storage
	pruner    pruner.Pruner
	sampler   Sampler
	events    EventSink
	logger    *zap.Logger
}

type options struct {
	name         string
	direction    trial.Direction
	pruner       pruner.Pruner
	sampler      Sampler
	events       EventSink
	logger       *zap.Logger
	loadIfExists bool
}

// Option configures Create and Load.
type Option func(*options)

// WithName names the study. Create generates a name when none is given.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDirection sets the direction of a new study. The default is Minimize.
func WithDirection(d trial.Direction) Option {
	return func(o *options) { o.direction = d }
}

// WithPruner sets the pruner consulted by Trial.ShouldPrune.
func WithPruner(p pruner.Pruner) Option {
	return func(o *options) { o.pruner = p }
}

// WithSampler sets the sampler behind the Suggest methods.
func WithSampler(s Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithEvents publishes trial lifecycle events to sink.
func WithEvents(sink EventSink) Option {
	return func(o *options) { o.events = sink }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// LoadIfExists makes Create return the existing study when the name is taken.
func LoadIfExists() Option {
	return func(o *options) { o.loadIfExists = true }
}

func buildOptions(opts []Option) options {
	o := options{direction: trial.Minimize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pruner == nil {
		o.pruner = pruner.Nop{}
	}
	if o.sampler == nil {
		o.sampler = NewRandomSampler(0)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Create stores a new study.
func Create(ctx context.Context, st storage.Storage, opts ...Option) (*Study, error) {
	o := buildOptions(opts)
	if o.name == "" {
		o.name = "no-name-" + uuid.NewString()
	}
	if o.direction == trial.NotSet {
		return nil, fmt.Errorf("create study %q: direction must be minimize or maximize", o.name)
	}

	id, err := st.CreateStudy(ctx, o.name, o.direction)
	if err != nil {
		if o.loadIfExists && errors.Is(err, storage.ErrDuplicateStudy) {
			o.logger.Info("using an existing study", zap.String("study", o.name))
			return load(ctx, st, o)
		}
		return nil, err
	}
	o.logger.Info("study created", zap.String("study", o.name), zap.Stringer("direction", o.direction))
	return newStudy(id, st, o), nil
}

// Load opens an existing study by name.
func Load(ctx context.Context, st storage.Storage, name string, opts ...Option) (*Study, error) {
	o := buildOptions(opts)
	o.name = name
	return load(ctx, st, o)
}

func load(ctx context.Context, st storage.Storage, o options) (*Study, error) {
	id, err := st.GetStudyIDFromName(ctx, o.name)
	if err != nil {
		return nil, err
	}
	o.direction, err = st.GetStudyDirection(ctx, id)
	if err != nil {
		return nil, err
	}
	return newStudy(id, st, o), nil
}

func newStudy(id int64, st storage.Storage, o options) *Study {
	return &Study{
		id:        id,
		name:      o.name,
		direction: o.direction,
		storage:   st,
		pruner:    o.pruner,
		sampler:   o.sampler,
		events:    o.events,
		logger:    o.logger.With(zap.String("study", o.name)),
	}
}

// Delete removes a study and all its trials.
func Delete(ctx context.Context, st storage.Storage, name string) error {
	id, err := st.GetStudyIDFromName(ctx, name)
	if err != nil {
		return err
	}
	return st.DeleteStudy(ctx, id)
}

// Summaries lists every stored study.
func Summaries(ctx context.Context, st storage.Storage) ([]trial.StudySummary, error) {
	return st.GetAllStudySummaries(ctx)
}

func (s *Study) ID() int64                  { return s.id }
func (s *Study) Name() string               { return s.name }
func (s *Study) Direction() trial.Direction { return s.direction }

// Trials returns every trial ordered by number.
func (s *Study) Trials(ctx context.Context) ([]*trial.FrozenTrial, error) {
	return s.storage.GetAllTrials(ctx, s.id)
}

// BestTrial returns the completed trial with the best value; ties go to
// the lowest number.
func (s *Study) BestTrial(ctx context.Context) (*trial.FrozenTrial, error) {
	trials, err := s.Trials(ctx)
	if err != nil {
		return nil, err
	}
	best := trial.Best(trials, s.direction)
	if best == nil {
		return nil, ErrNoCompletedTrials
	}
	return best, nil
}

// BestValue returns the value of BestTrial.
func (s *Study) BestValue(ctx context.Context) (float64, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return 0, err
	}
	return *best.Value, nil
}

// BestParams returns the parameters of BestTrial.
func (s *Study) BestParams(ctx context.Context) (map[string]any, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return nil, err
	}
	return best.Params, nil
}

func (s *Study) SetUserAttr(ctx context.Context, key string, value any) error {
	return s.storage.SetStudyUserAttr(ctx, s.id, key, value)
}

func (s *Study) SetSystemAttr(ctx context.Context, key string, value any) error {
	return s.storage.SetStudySystemAttr(ctx, s.id, key, value)
}

func (s *Study) UserAttrs(ctx context.Context) (map[string]any, error) {
	return s.storage.GetStudyUserAttrs(ctx, s.id)
}

func (s *Study) SystemAttrs(ctx context.Context) (map[string]any, error) {
	return s.storage.GetStudySystemAttrs(ctx, s.id)
}

// snapshot reads the study once so a pruner sees a consistent view.
func (s *Study) snapshot(ctx context.Context) (pruner.Snapshot, error) {
	trials, err := s.Trials(ctx)
	if err != nil {
		return nil, err
	}
	return pruner.StaticSnapshot{Dir: s.direction, All: trials}, nil
}
