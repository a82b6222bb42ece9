package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/pruner"
	"github.com/sbenjam1n/studysync/internal/study"
	"github.com/sbenjam1n/studysync/internal/trial"
)

func newRunDemoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-demo",
		Short: "Optimize a synthetic training curve to exercise storage, pruning and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("study")
			nTrials, _ := cmd.Flags().GetInt("n-trials")
			nJobs, _ := cmd.Flags().GetInt("n-jobs")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			steps, _ := cmd.Flags().GetInt("steps")
			seed, _ := cmd.Flags().GetUint64("seed")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			p, err := demoPruner(cmd)
			if err != nil {
				return err
			}
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := []study.Option{
				study.WithName(name),
				study.WithDirection(trial.Minimize),
				study.WithPruner(p),
				study.WithSampler(study.NewRandomSampler(seed)),
				study.WithLogger(a.logger),
				study.LoadIfExists(),
			}
			q, closeQueue, err := a.eventQueue(ctx)
			if err != nil {
				return err
			}
			defer closeQueue()
			if q != nil {
				opts = append(opts, study.WithEvents(q))
			}

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", zap.Error(err))
					}
				}()
				defer srv.Shutdown(context.Background())
				a.logger.Info("serving metrics", zap.String("addr", metricsAddr))
			}

			s, err := study.Create(ctx, st, opts...)
			if err != nil {
				return fmt.Errorf("create study: %w", err)
			}
			err = s.Optimize(ctx, demoObjective(steps), study.OptimizeOptions{
				NTrials: nTrials,
				Timeout: timeout,
				NJobs:   nJobs,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			best, err := s.BestTrial(context.Background())
			if errors.Is(err, study.ErrNoCompletedTrials) {
				fmt.Fprintf(out, "%s: no trial completed\n", s.Name())
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: best trial #%d value=%s %s\n",
				s.Name(), best.Number, formatValue(best.Value), formatParams(best.Params))
			return nil
		},
	}
	cmd.Flags().String("study", "demo", "Study name (reused when it exists)")
	cmd.Flags().Int("n-trials", 20, "Number of trials (0 = until timeout or interrupt)")
	cmd.Flags().Int("n-jobs", 1, "Concurrent workers (-1 = GOMAXPROCS)")
	cmd.Flags().Duration("timeout", 0, "Stop starting trials after this long")
	cmd.Flags().Int("steps", 20, "Intermediate values reported per trial")
	cmd.Flags().Uint64("seed", 0, "Sampler seed (0 = random)")
	cmd.Flags().String("pruner", "median", "Pruner: none|median|percentile")
	cmd.Flags().Float64("percentile", 25, "Percentile for --pruner=percentile")
	cmd.Flags().Int("startup-trials", 5, "Completed trials required before pruning")
	cmd.Flags().Int("warmup-steps", 0, "Steps before a trial can be pruned")
	cmd.Flags().Int("interval-steps", 1, "Steps between pruning checks")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func demoPruner(cmd *cobra.Command) (pruner.Pruner, error) {
	kind, _ := cmd.Flags().GetString("pruner")
	q, _ := cmd.Flags().GetFloat64("percentile")
	startup, _ := cmd.Flags().GetInt("startup-trials")
	warmup, _ := cmd.Flags().GetInt("warmup-steps")
	interval, _ := cmd.Flags().GetInt("interval-steps")
	opts := []pruner.Option{
		pruner.WithStartupTrials(startup),
		pruner.WithWarmupSteps(warmup),
		pruner.WithIntervalSteps(interval),
	}

	switch kind {
	case "none":
		return pruner.Nop{}, nil
	case "median":
		return pruner.NewMedian(opts...)
	case "percentile":
		return pruner.NewPercentile(q, opts...)
	}
	return nil, fmt.Errorf("unknown pruner %q: want none, median or percentile", kind)
}

// demoObjective models a training run whose loss decays towards a floor
// set by the parameters.
func demoObjective(steps int) study.Objective {
	return func(ctx context.Context, t *study.Trial) (float64, error) {
		x, err := t.SuggestUniform(ctx, "x", -10, 10)
		if err != nil {
			return 0, err
		}
		lr, err := t.SuggestLogUniform(ctx, "lr", 1e-3, 1)
		if err != nil {
			return 0, err
		}
		layers, err := t.SuggestInt(ctx, "layers", 1, 4)
		if err != nil {
			return 0, err
		}

		floor := (x-2)*(x-2) + 0.5*float64(layers)
		var loss float64
		for step := range steps {
			loss = floor + 10*math.Exp(-5*lr*float64(step+1))
			if err := t.Report(ctx, step, loss); err != nil {
				return 0, err
			}
			prune, err := t.ShouldPrune(ctx)
			if err != nil {
				return 0, err
			}
			if prune {
				return 0, fmt.Errorf("step %d: %w", step, study.ErrTrialPruned)
			}
		}
		return loss, nil
	}
}
