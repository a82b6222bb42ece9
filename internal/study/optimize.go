package study

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OptimizeOptions bounds an Optimize run. With neither NTrials nor Timeout
// set, trials run until ctx is cancelled.
type OptimizeOptions struct {
	// NTrials is the exact number of trials to start; 0 means unbounded.
	NTrials int
	// Timeout stops scheduling new trials once elapsed; 0 means none.
	Timeout time.Duration
	// NJobs is the number of concurrent workers. -1 uses GOMAXPROCS and
	// 0 means 1.
	NJobs int
}

func (o OptimizeOptions) workers() (int, error) {
	switch {
	case o.NJobs == -1:
		return runtime.GOMAXPROCS(0), nil
	case o.NJobs == 0:
		return 1, nil
	case o.NJobs < -1:
		return 0, fmt.Errorf("n_jobs must be positive or -1, got %d", o.NJobs)
	}
	return o.NJobs, nil
}

// Optimize runs objective repeatedly until a stop condition holds. Trials
// already running when a stop condition fires finish normally. Objective
// errors never stop the run; a storage failure does and is returned.
func (s *Study) Optimize(ctx context.Context, objective Objective, opts OptimizeOptions) error {
	nJobs, err := opts.workers()
	if err != nil {
		return err
	}
	if opts.NTrials < 0 {
		return fmt.Errorf("n_trials must be non-negative, got %d", opts.NTrials)
	}
	if opts.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", opts.Timeout)
	}

	started := time.Now()
	var (
		mu      sync.Mutex
		claimed int
	)
	claim := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if opts.NTrials > 0 && claimed >= opts.NTrials {
			return false
		}
		if opts.Timeout > 0 && time.Since(started) >= opts.Timeout {
			return false
		}
		claimed++
		return true
	}

	s.logger.Info("optimization started",
		zap.Int("n_trials", opts.NTrials),
		zap.Duration("timeout", opts.Timeout),
		zap.Int("n_jobs", nJobs))

	g, gctx := errgroup.WithContext(ctx)
	// In-flight trials outlive cancellation so they reach a terminal state.
	trialCtx := context.WithoutCancel(ctx)
	for range nJobs {
		g.Go(func() error {
			for gctx.Err() == nil && claim() {
				if _, err := s.runTrial(trialCtx, objective); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("optimize %s: %w", s.name, err)
	}

	s.logger.Info("optimization finished",
		zap.Int("trials", claimed),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}
