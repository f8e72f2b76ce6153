package logic

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

var (
	commitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_commit_attempts_total",
		Help: "Commit retry loop attempts by result",
	}, []string{"result"})

	commitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_commit_retries_total",
		Help: "Commit attempts repeated after a lost compare-and-swap or a throttled backend",
	})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_commit_duration_seconds",
		Help:    "Time to build and persist one commit",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	indexSpills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_index_spills_total",
		Help: "Commits whose incremental index was spilled into a striped reference index",
	})

	referenceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_reference_operations_total",
		Help: "Reference operations by operation and result",
	}, []string{"operation", "result"})

	referenceRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_reference_recoveries_total",
		Help: "Reference recovery actions by kind",
	}, []string{"kind"})
)

// resultLabel maps an error to a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRetryTimeout):
		return "retry_timeout"
	case errors.Is(err, persist.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, persist.ErrNotFound):
		return "not_found"
	case errors.Is(err, persist.ErrConditionFailed):
		return "condition_failed"
	case errors.Is(err, persist.ErrBackendLimitExceeded):
		return "backend_limit"
	case errors.Is(err, object.ErrObjTooLarge):
		return "too_large"
	default:
		return "error"
	}
}
