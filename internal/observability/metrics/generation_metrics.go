package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/slabworks/pkg/db"
)

const (
	ProviderOpStart  = "start_job"
	ProviderOpPoll   = "poll_job"
	ProviderOpResult = "fetch_result"

	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
	OutcomeNotFound    = "not_found"
	OutcomeTimeout     = "timeout"

	ArchiveOutcomeStored  = "stored"
	ArchiveOutcomeFailed  = "failed"
	ArchiveOutcomeSkipped = "skipped"

	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonDB                   = "db"
	ReasonUnknown              = "unknown"
)

// GenerationMetrics tracks the job lifecycle and provider health.
type GenerationMetrics struct {
	jobsStarted       *prometheus.CounterVec
	jobTransitions    *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	providerRequests  *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	archives          *prometheus.CounterVec
	archiveBytes      prometheus.Counter
	finalizeErrors    *prometheus.CounterVec
	resolveContention prometheus.Counter
}

var (
	generationMetricsOnce sync.Once
	generationMetrics     *GenerationMetrics
)

// Generation returns the process-wide generation metrics registered on the default registerer.
func Generation() *GenerationMetrics {
	return GenerationWithConfig(Config{})
}

// GenerationWithConfig returns the singleton using config labels.
func GenerationWithConfig(cfg Config) *GenerationMetrics {
	generationMetricsOnce.Do(func() {
		generationMetrics = NewGenerationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return generationMetrics
}

// ResetGenerationMetricsForTest resets the singleton for tests.
func ResetGenerationMetricsForTest() {
	generationMetricsOnce = sync.Once{}
	generationMetrics = nil
}

// NewGenerationMetrics registers the collectors on registerer.
func NewGenerationMetrics(registerer prometheus.Registerer, cfg Config) *GenerationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "slabworks"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobsStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slabworks_generation_jobs_started_total",
		Help:        "Generation jobs accepted by the provider, by model tier.",
		ConstLabels: constLabels,
	}, []string{"model"})
	jobTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slabworks_generation_job_transitions_total",
		Help:        "Generation job state transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "slabworks_generation_job_duration_seconds",
		Help:        "Time from submission to a terminal state.",
		Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		ConstLabels: constLabels,
	}, []string{"model", "state"})
	providerRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slabworks_provider_requests_total",
		Help:        "World generation provider calls by operation and outcome.",
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})
	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "slabworks_provider_request_duration_seconds",
		Help:        "World generation provider call latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"operation"})
	archives := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slabworks_archive_total",
		Help:        "Artifact archive attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	archiveBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "slabworks_archive_bytes_total",
		Help:        "Bytes copied into tenant storage.",
		ConstLabels: constLabels,
	})
	finalizeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slabworks_generation_finalize_errors_total",
		Help:        "Finalization failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	resolveContention := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "slabworks_generation_resolve_contention_total",
		Help:        "Resolve calls that found the job locked by another resolver.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobsStarted,
		jobTransitions,
		jobDuration,
		providerRequests,
		providerLatency,
		archives,
		archiveBytes,
		finalizeErrors,
		resolveContention,
	)

	return &GenerationMetrics{
		jobsStarted:       jobsStarted,
		jobTransitions:    jobTransitions,
		jobDuration:       jobDuration,
		providerRequests:  providerRequests,
		providerLatency:   providerLatency,
		archives:          archives,
		archiveBytes:      archiveBytes,
		finalizeErrors:    finalizeErrors,
		resolveContention: resolveContention,
	}
}

func (m *GenerationMetrics) IncJobStarted(model string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(model).Inc()
}

func (m *GenerationMetrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

// ObserveJobDuration records submission-to-terminal latency.
func (m *GenerationMetrics) ObserveJobDuration(model, state string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.jobDuration.WithLabelValues(model, state).Observe(d.Seconds())
}

// ObserveProviderRequest records one provider call.
func (m *GenerationMetrics) ObserveProviderRequest(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(operation, outcome).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *GenerationMetrics) IncArchive(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.archives.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.archiveBytes.Add(float64(bytes))
	}
}

func (m *GenerationMetrics) IncFinalizeError(err error) {
	if m == nil || err == nil {
		return
	}
	m.finalizeErrors.WithLabelValues(ClassifyReason(err)).Inc()
}

func (m *GenerationMetrics) IncResolveContention() {
	if m == nil {
		return
	}
	m.resolveContention.Inc()
}

// ClassifyReason maps storage errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case db.IsSerializationFailure(err):
		return ReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return ReasonUniqueViolation
	case db.IsDBError(err):
		return ReasonDB
	default:
		return ReasonUnknown
	}
}
