package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/trial"
)

const (
	attrUser   = "user"
	attrSystem = "system"
)

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type row interface {
	Scan(dest ...any) error
}

// querier is the subset of a connection or transaction the SQL store uses.
// Queries are written with ? placeholders and rebound per dialect.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (rows, error)
	QueryRow(ctx context.Context, query string, args ...any) row
}

type conn interface {
	querier
	InTx(ctx context.Context, fn func(q querier) error) error
	Close() error
}

type dialect struct {
	name string
	// lockStudy serializes trial creation within one study.
	lockStudy   func(ctx context.Context, q querier, studyID int64) error
	forUpdate   string
	isDuplicate func(err error) bool
}

// SQL implements Storage on a relational database.
type SQL struct {
	db      conn
	dialect dialect
	logger  *zap.Logger
}

func (s *SQL) CreateStudy(ctx context.Context, name string, direction trial.Direction) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		"INSERT INTO studies (study_name, direction) VALUES (?, ?) RETURNING study_id",
		name, direction.String(),
	).Scan(&id)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return 0, fmt.Errorf("create study %q: %w", name, ErrDuplicateStudy)
		}
		return 0, fmt.Errorf("create study %q: %w", name, err)
	}
	s.logger.Debug("study created", zap.Int64("study_id", id), zap.String("study_name", name))
	return id, nil
}

func (s *SQL) DeleteStudy(ctx context.Context, studyID int64) error {
	return s.db.InTx(ctx, func(q querier) error {
		if _, err := studyName(ctx, q, studyID); err != nil {
			return err
		}
		for _, stmt := range []string{
			"DELETE FROM trial_params WHERE trial_id IN (SELECT trial_id FROM trials WHERE study_id = ?)",
			"DELETE FROM trial_values WHERE trial_id IN (SELECT trial_id FROM trials WHERE study_id = ?)",
			"DELETE FROM trial_attrs WHERE trial_id IN (SELECT trial_id FROM trials WHERE study_id = ?)",
			"DELETE FROM trials WHERE study_id = ?",
			"DELETE FROM study_attrs WHERE study_id = ?",
			"DELETE FROM studies WHERE study_id = ?",
		} {
			if _, err := q.Exec(ctx, stmt, studyID); err != nil {
				return fmt.Errorf("delete study %d: %w", studyID, err)
			}
		}
		return nil
	})
}

func (s *SQL) GetStudyIDFromName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, "SELECT study_id FROM studies WHERE study_name = ?", name).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("study %q: %w", name, ErrStudyNotFound)
		}
		return 0, fmt.Errorf("get study %q: %w", name, err)
	}
	return id, nil
}

func (s *SQL) GetStudyName(ctx context.Context, studyID int64) (string, error) {
	return studyName(ctx, s.db, studyID)
}

func (s *SQL) GetStudyDirection(ctx context.Context, studyID int64) (trial.Direction, error) {
	var dir string
	err := s.db.QueryRow(ctx, "SELECT direction FROM studies WHERE study_id = ?", studyID).Scan(&dir)
	if err != nil {
		if isNoRows(err) {
			return trial.NotSet, fmt.Errorf("study %d: %w", studyID, ErrStudyNotFound)
		}
		return trial.NotSet, fmt.Errorf("get study %d direction: %w", studyID, err)
	}
	return trial.ParseDirection(dir)
}

func (s *SQL) SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error {
	return s.setStudyAttr(ctx, studyID, attrUser, key, value)
}

func (s *SQL) SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error {
	return s.setStudyAttr(ctx, studyID, attrSystem, key, value)
}

func (s *SQL) setStudyAttr(ctx context.Context, studyID int64, kind, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode study attr %q: %w", key, err)
	}
	return s.db.InTx(ctx, func(q querier) error {
		if _, err := studyName(ctx, q, studyID); err != nil {
			return err
		}
		_, err := q.Exec(ctx, `
			INSERT INTO study_attrs (study_id, kind, key, value_json) VALUES (?, ?, ?, ?)
			ON CONFLICT (study_id, kind, key) DO UPDATE SET value_json = excluded.value_json
		`, studyID, kind, key, string(valueJSON))
		if err != nil {
			return fmt.Errorf("set study attr %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQL) GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	return s.studyAttrs(ctx, studyID, attrUser)
}

func (s *SQL) GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error) {
	return s.studyAttrs(ctx, studyID, attrSystem)
}

func (s *SQL) studyAttrs(ctx context.Context, studyID int64, kind string) (map[string]any, error) {
	if _, err := studyName(ctx, s.db, studyID); err != nil {
		return nil, err
	}
	rs, err := s.db.Query(ctx,
		"SELECT key, value_json FROM study_attrs WHERE study_id = ? AND kind = ?", studyID, kind)
	if err != nil {
		return nil, fmt.Errorf("query study attrs: %w", err)
	}
	defer rs.Close()

	attrs := map[string]any{}
	for rs.Next() {
		var key, valueJSON string
		if err := rs.Scan(&key, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan study attr: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
			return nil, fmt.Errorf("decode study attr %q: %w", key, err)
		}
		attrs[key] = v
	}
	return attrs, rs.Err()
}

func (s *SQL) GetAllStudySummaries(ctx context.Context) ([]trial.StudySummary, error) {
	rs, err := s.db.Query(ctx, "SELECT study_id, study_name, direction FROM studies ORDER BY study_id")
	if err != nil {
		return nil, fmt.Errorf("query studies: %w", err)
	}
	type studyRow struct {
		id        int64
		name, dir string
	}
	var studies []studyRow
	for rs.Next() {
		var r studyRow
		if err := rs.Scan(&r.id, &r.name, &r.dir); err != nil {
			rs.Close()
			return nil, fmt.Errorf("scan study: %w", err)
		}
		studies = append(studies, r)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return nil, err
	}

	summaries := make([]trial.StudySummary, 0, len(studies))
	for _, r := range studies {
		dir, err := trial.ParseDirection(r.dir)
		if err != nil {
			return nil, err
		}
		userAttrs, err := s.studyAttrs(ctx, r.id, attrUser)
		if err != nil {
			return nil, err
		}
		systemAttrs, err := s.studyAttrs(ctx, r.id, attrSystem)
		if err != nil {
			return nil, err
		}
		trials, err := s.GetAllTrials(ctx, r.id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, trial.Summarize(r.id, r.name, dir, userAttrs, systemAttrs, trials))
	}
	return summaries, nil
}

func (s *SQL) CreateTrial(ctx context.Context, studyID int64) (*trial.FrozenTrial, error) {
	now := time.Now()
	var rec *trial.FrozenTrial
	err := s.db.InTx(ctx, func(q querier) error {
		if _, err := studyName(ctx, q, studyID); err != nil {
			return err
		}
		if err := s.dialect.lockStudy(ctx, q, studyID); err != nil {
			return fmt.Errorf("lock study %d: %w", studyID, err)
		}

		var number int
		if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM trials WHERE study_id = ?", studyID).Scan(&number); err != nil {
			return fmt.Errorf("count trials: %w", err)
		}

		var id int64
		err := q.QueryRow(ctx, `
			INSERT INTO trials (study_id, number, state, datetime_start)
			VALUES (?, ?, ?, ?) RETURNING trial_id
		`, studyID, number, trial.Running.String(), now.UnixMicro()).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert trial: %w", err)
		}

		start := time.UnixMicro(now.UnixMicro())
		rec = &trial.FrozenTrial{
			ID:                 id,
			Number:             number,
			State:              trial.Running,
			DatetimeStart:      &start,
			Params:             map[string]any{},
			Distributions:      map[string]trial.Distribution{},
			UserAttrs:          map[string]any{},
			SystemAttrs:        map[string]any{},
			IntermediateValues: map[int]float64{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("trial created", zap.Int64("study_id", studyID), zap.Int("number", rec.Number))
	return rec, nil
}

func (s *SQL) SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist trial.Distribution) error {
	distJSON, err := trial.MarshalDistribution(dist)
	if err != nil {
		return err
	}
	return s.db.InTx(ctx, func(q querier) error {
		if err := s.checkRunning(ctx, q, trialID); err != nil {
			return err
		}
		var existing string
		err := q.QueryRow(ctx,
			"SELECT distribution_json FROM trial_params WHERE trial_id = ? AND param_name = ?",
			trialID, name,
		).Scan(&existing)
		switch {
		case err == nil && existing != string(distJSON):
			return fmt.Errorf("parameter %q of trial %d already set with distribution %s", name, trialID, existing)
		case err != nil && !isNoRows(err):
			return fmt.Errorf("get param %q: %w", name, err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO trial_params (trial_id, param_name, param_value, distribution_json) VALUES (?, ?, ?, ?)
			ON CONFLICT (trial_id, param_name) DO UPDATE SET param_value = excluded.param_value
		`, trialID, name, internal, string(distJSON))
		if err != nil {
			return fmt.Errorf("set param %q: %w", name, err)
		}
		return nil
	})
}

func (s *SQL) ReportIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error {
	if err := checkStep(step); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(q querier) error {
		if err := s.checkRunning(ctx, q, trialID); err != nil {
			return err
		}
		_, err := q.Exec(ctx, `
			INSERT INTO trial_values (trial_id, step, value) VALUES (?, ?, ?)
			ON CONFLICT (trial_id, step) DO UPDATE SET value = excluded.value
		`, trialID, step, nullableFloat(value))
		if err != nil {
			return fmt.Errorf("report step %d: %w", step, err)
		}
		return nil
	})
}

func (s *SQL) SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.setTrialAttr(ctx, trialID, attrUser, key, value)
}

func (s *SQL) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	return s.setTrialAttr(ctx, trialID, attrSystem, key, value)
}

func (s *SQL) setTrialAttr(ctx context.Context, trialID int64, kind, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode trial attr %q: %w", key, err)
	}
	return s.db.InTx(ctx, func(q querier) error {
		if err := s.checkRunning(ctx, q, trialID); err != nil {
			return err
		}
		_, err := q.Exec(ctx, `
			INSERT INTO trial_attrs (trial_id, kind, key, value_json) VALUES (?, ?, ?, ?)
			ON CONFLICT (trial_id, kind, key) DO UPDATE SET value_json = excluded.value_json
		`, trialID, kind, key, string(valueJSON))
		if err != nil {
			return fmt.Errorf("set trial attr %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQL) FinalizeTrial(ctx context.Context, trialID int64, state trial.State, value *float64, completedAt time.Time) error {
	if err := checkFinalState(state, value); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(q querier) error {
		if err := s.checkRunning(ctx, q, trialID); err != nil {
			return err
		}
		var v any
		if value != nil {
			v = *value
		}
		n, err := q.Exec(ctx, `
			UPDATE trials SET state = ?, value = ?, datetime_complete = ?
			WHERE trial_id = ? AND state = ?
		`, state.String(), v, completedAt.UnixMicro(), trialID, trial.Running.String())
		if err != nil {
			return fmt.Errorf("finalize trial %d: %w", trialID, err)
		}
		if n == 0 {
			return fmt.Errorf("trial %d: %w", trialID, ErrTrialFinished)
		}
		return nil
	})
}

func (s *SQL) GetTrial(ctx context.Context, trialID int64) (*trial.FrozenTrial, error) {
	var studyID int64
	err := s.db.QueryRow(ctx, "SELECT study_id FROM trials WHERE trial_id = ?", trialID).Scan(&studyID)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("trial %d: %w", trialID, ErrTrialNotFound)
		}
		return nil, fmt.Errorf("get trial %d: %w", trialID, err)
	}
	trials, err := s.loadTrials(ctx, "t.trial_id = ?", trialID)
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("trial %d: %w", trialID, ErrTrialNotFound)
	}
	return trials[0], nil
}

func (s *SQL) GetAllTrials(ctx context.Context, studyID int64) ([]*trial.FrozenTrial, error) {
	if _, err := studyName(ctx, s.db, studyID); err != nil {
		return nil, err
	}
	return s.loadTrials(ctx, "t.study_id = ?", studyID)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// loadTrials reads trial rows matching where and their child rows. Child
// tables only grow while a trial runs, so rows read after the trial row
// can only add information.
func (s *SQL) loadTrials(ctx context.Context, where string, arg int64) ([]*trial.FrozenTrial, error) {
	var (
		out  []*trial.FrozenTrial
		byID = map[int64]*trial.FrozenTrial{}
	)

	rs, err := s.db.Query(ctx, `
		SELECT t.trial_id, t.number, t.state, t.value, t.datetime_start, t.datetime_complete
		FROM trials t WHERE `+where+` ORDER BY t.number`, arg)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	for rs.Next() {
		var (
			rec      trial.FrozenTrial
			state    string
			value    sql.NullFloat64
			start    int64
			complete sql.NullInt64
		)
		if err := rs.Scan(&rec.ID, &rec.Number, &state, &value, &start, &complete); err != nil {
			rs.Close()
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if rec.State, err = trial.ParseState(state); err != nil {
			rs.Close()
			return nil, err
		}
		if value.Valid {
			v := value.Float64
			rec.Value = &v
		}
		ts := time.UnixMicro(start)
		rec.DatetimeStart = &ts
		if complete.Valid {
			tc := time.UnixMicro(complete.Int64)
			rec.DatetimeComplete = &tc
		}
		rec.Params = map[string]any{}
		rec.Distributions = map[string]trial.Distribution{}
		rec.UserAttrs = map[string]any{}
		rec.SystemAttrs = map[string]any{}
		rec.IntermediateValues = map[int]float64{}
		out = append(out, &rec)
		byID[rec.ID] = &rec
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := s.scanChildren(ctx, `
		SELECT p.trial_id, p.param_name, p.param_value, p.distribution_json
		FROM trial_params p JOIN trials t ON t.trial_id = p.trial_id WHERE `+where, arg,
		func(rs rows) error {
			var (
				id       int64
				name     string
				internal float64
				distJSON string
			)
			if err := rs.Scan(&id, &name, &internal, &distJSON); err != nil {
				return err
			}
			rec, ok := byID[id]
			if !ok {
				return nil
			}
			dist, err := trial.UnmarshalDistribution([]byte(distJSON))
			if err != nil {
				return err
			}
			rec.Params[name] = dist.ToExternal(internal)
			rec.Distributions[name] = dist
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}

	if err := s.scanChildren(ctx, `
		SELECT v.trial_id, v.step, v.value
		FROM trial_values v JOIN trials t ON t.trial_id = v.trial_id WHERE `+where, arg,
		func(rs rows) error {
			var (
				id    int64
				step  int
				value sql.NullFloat64
			)
			if err := rs.Scan(&id, &step, &value); err != nil {
				return err
			}
			if rec, ok := byID[id]; ok {
				rec.IntermediateValues[step] = floatOrNaN(value)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load intermediate values: %w", err)
	}

	if err := s.scanChildren(ctx, `
		SELECT a.trial_id, a.kind, a.key, a.value_json
		FROM trial_attrs a JOIN trials t ON t.trial_id = a.trial_id WHERE `+where, arg,
		func(rs rows) error {
			var id int64
			var kind, key, valueJSON string
			if err := rs.Scan(&id, &kind, &key, &valueJSON); err != nil {
				return err
			}
			rec, ok := byID[id]
			if !ok {
				return nil
			}
			var v any
			if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
				return fmt.Errorf("decode trial attr %q: %w", key, err)
			}
			if kind == attrSystem {
				rec.SystemAttrs[key] = v
			} else {
				rec.UserAttrs[key] = v
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load trial attrs: %w", err)
	}

	return out, nil
}

func (s *SQL) scanChildren(ctx context.Context, query string, arg int64, scan func(rows) error) error {
	rs, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rs.Close()
	for rs.Next() {
		if err := scan(rs); err != nil {
			return err
		}
	}
	return rs.Err()
}

func (s *SQL) checkRunning(ctx context.Context, q querier, trialID int64) error {
	var state string
	err := q.QueryRow(ctx, "SELECT state FROM trials WHERE trial_id = ?"+s.dialect.forUpdate, trialID).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("trial %d: %w", trialID, ErrTrialNotFound)
		}
		return fmt.Errorf("get trial %d state: %w", trialID, err)
	}
	if state != trial.Running.String() {
		return fmt.Errorf("trial %d is %s: %w", trialID, state, ErrTrialFinished)
	}
	return nil
}

func studyName(ctx context.Context, q querier, studyID int64) (string, error) {
	var name string
	err := q.QueryRow(ctx, "SELECT study_name FROM studies WHERE study_id = ?", studyID).Scan(&name)
	if err != nil {
		if isNoRows(err) {
			return "", fmt.Errorf("study %d: %w", studyID, ErrStudyNotFound)
		}
		return "", fmt.Errorf("get study %d: %w", studyID, err)
	}
	return name, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// NaN is stored as NULL; SQLite cannot store NaN in a REAL column.
func nullableFloat(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
