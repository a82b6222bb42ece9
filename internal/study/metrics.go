package study

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trialsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studysync_trials_finished_total",
		Help: "Trials that reached a terminal state, by state.",
	}, []string{"state"})

	pruneChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studysync_prune_checks_total",
		Help: "Pruner consultations, by decision.",
	}, []string{"decision"})

	trialDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "studysync_trial_duration_seconds",
		Help:    "Wall time from trial creation to finalization.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	})
)
