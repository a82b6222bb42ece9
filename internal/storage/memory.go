package storage

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sbenjam1n/studysync/internal/trial"
)

type memStudy struct {
	id          int64
	name        string
	direction   trial.Direction
	userAttrs   map[string]any
	systemAttrs map[string]any
	trialIDs    []int64 // indexed by trial number
}

type memTrial struct {
	studyID int64
	record  *trial.FrozenTrial
}

// Memory keeps everything in process. Trials live in an arena addressed
// by id; every read returns a deep copy taken under the lock.
type Memory struct {
	mu          sync.RWMutex
	studies     map[int64]*memStudy
	names       map[string]int64
	trials      map[int64]*memTrial
	nextStudyID int64
	nextTrialID int64
}

// NewMemory returns an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		studies: make(map[int64]*memStudy),
		names:   make(map[string]int64),
		trials:  make(map[int64]*memTrial),
	}
}

func (m *Memory) CreateStudy(_ context.Context, name string, direction trial.Direction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[name]; ok {
		return 0, fmt.Errorf("create study %q: %w", name, ErrDuplicateStudy)
	}
	m.nextStudyID++
	s := &memStudy{
		id:          m.nextStudyID,
		name:        name,
		direction:   direction,
		userAttrs:   map[string]any{},
		systemAttrs: map[string]any{},
	}
	m.studies[s.id] = s
	m.names[name] = s.id
	return s.id, nil
}

func (m *Memory) DeleteStudy(_ context.Context, studyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.study(studyID)
	if err != nil {
		return err
	}
	for _, id := range s.trialIDs {
		delete(m.trials, id)
	}
	delete(m.names, s.name)
	delete(m.studies, studyID)
	return nil
}

func (m *Memory) GetStudyIDFromName(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.names[name]
	if !ok {
		return 0, fmt.Errorf("study %q: %w", name, ErrStudyNotFound)
	}
	return id, nil
}

func (m *Memory) GetStudyName(_ context.Context, studyID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.study(studyID)
	if err != nil {
		return "", err
	}
	return s.name, nil
}

func (m *Memory) GetStudyDirection(_ context.Context, studyID int64) (trial.Direction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.study(studyID)
	if err != nil {
		return trial.NotSet, err
	}
	return s.direction, nil
}

func (m *Memory) SetStudyUserAttr(_ context.Context, studyID int64, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.study(studyID)
	if err != nil {
		return err
	}
	s.userAttrs[key] = value
	return nil
}

func (m *Memory) SetStudySystemAttr(_ context.Context, studyID int64, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.study(studyID)
	if err != nil {
		return err
	}
	s.systemAttrs[key] = value
	return nil
}

func (m *Memory) GetStudyUserAttrs(_ context.Context, studyID int64) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.study(studyID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(s.userAttrs), nil
}

func (m *Memory) GetStudySystemAttrs(_ context.Context, studyID int64) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.study(studyID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(s.systemAttrs), nil
}

func (m *Memory) GetAllStudySummaries(_ context.Context) ([]trial.StudySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]trial.StudySummary, 0, len(m.studies))
	for _, s := range m.studies {
		summaries = append(summaries, trial.Summarize(
			s.id, s.name, s.direction,
			maps.Clone(s.userAttrs), maps.Clone(s.systemAttrs),
			m.trialsOf(s),
		))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].StudyID < summaries[j].StudyID })
	return summaries, nil
}

func (m *Memory) CreateTrial(_ context.Context, studyID int64) (*trial.FrozenTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.study(studyID)
	if err != nil {
		return nil, err
	}
	m.nextTrialID++
	now := time.Now()
	rec := &trial.FrozenTrial{
		ID:                 m.nextTrialID,
		Number:             len(s.trialIDs),
		State:              trial.Running,
		DatetimeStart:      &now,
		Params:             map[string]any{},
		Distributions:      map[string]trial.Distribution{},
		UserAttrs:          map[string]any{},
		SystemAttrs:        map[string]any{},
		IntermediateValues: map[int]float64{},
	}
	m.trials[rec.ID] = &memTrial{studyID: studyID, record: rec}
	s.trialIDs = append(s.trialIDs, rec.ID)
	return rec.Clone(), nil
}

func (m *Memory) SetTrialParam(_ context.Context, trialID int64, name string, internal float64, dist trial.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.runningTrial(trialID)
	if err != nil {
		return err
	}
	if old, ok := t.record.Distributions[name]; ok && !reflect.DeepEqual(old, dist) {
		return fmt.Errorf("parameter %q of trial %d already set with distribution %v", name, trialID, old)
	}
	t.record.Params[name] = dist.ToExternal(internal)
	t.record.Distributions[name] = dist
	return nil
}

func (m *Memory) ReportIntermediateValue(_ context.Context, trialID int64, step int, value float64) error {
	if err := checkStep(step); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.runningTrial(trialID)
	if err != nil {
		return err
	}
	t.record.IntermediateValues[step] = value
	return nil
}

func (m *Memory) SetTrialUserAttr(_ context.Context, trialID int64, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.runningTrial(trialID)
	if err != nil {
		return err
	}
	t.record.UserAttrs[key] = value
	return nil
}

func (m *Memory) SetTrialSystemAttr(_ context.Context, trialID int64, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.runningTrial(trialID)
	if err != nil {
		return err
	}
	t.record.SystemAttrs[key] = value
	return nil
}

func (m *Memory) FinalizeTrial(_ context.Context, trialID int64, state trial.State, value *float64, completedAt time.Time) error {
	if err := checkFinalState(state, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.runningTrial(trialID)
	if err != nil {
		return err
	}
	t.record.State = state
	if value != nil {
		v := *value
		t.record.Value = &v
	}
	t.record.DatetimeComplete = &completedAt
	return nil
}

func (m *Memory) GetTrial(_ context.Context, trialID int64) (*trial.FrozenTrial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trials[trialID]
	if !ok {
		return nil, fmt.Errorf("trial %d: %w", trialID, ErrTrialNotFound)
	}
	return t.record.Clone(), nil
}

func (m *Memory) GetAllTrials(_ context.Context, studyID int64) ([]*trial.FrozenTrial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.study(studyID)
	if err != nil {
		return nil, err
	}
	return m.trialsOf(s), nil
}

func (m *Memory) Close() error { return nil }

// Callers hold m.mu.
func (m *Memory) study(id int64) (*memStudy, error) {
	s, ok := m.studies[id]
	if !ok {
		return nil, fmt.Errorf("study %d: %w", id, ErrStudyNotFound)
	}
	return s, nil
}

func (m *Memory) runningTrial(id int64) (*memTrial, error) {
	t, ok := m.trials[id]
	if !ok {
		return nil, fmt.Errorf("trial %d: %w", id, ErrTrialNotFound)
	}
	if t.record.State.IsFinished() {
		return nil, fmt.Errorf("trial %d is %s: %w", t.record.Number, t.record.State, ErrTrialFinished)
	}
	return t, nil
}

func (m *Memory) trialsOf(s *memStudy) []*trial.FrozenTrial {
	out := make([]*trial.FrozenTrial, 0, len(s.trialIDs))
	for _, id := range s.trialIDs {
		out = append(out, m.trials[id].record.Clone())
	}
	return out
}
