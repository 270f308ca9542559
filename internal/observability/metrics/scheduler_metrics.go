package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonCircuitOpen          = "circuit_open"
	SchedulerJobReasonProvider             = "provider"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld    = "lock_held"
	SchedulerBatchDeferredReasonCircuitOpen = "circuit_open"
)

const (
	SchedulerResourceSubscriptions = "subscriptions"
	SchedulerResourceCounters      = "usage_counters"
)

const (
	DriftSeverityCorrected = "corrected"
	DriftSeverityLow       = "low"
	DriftSeverityHigh      = "high"
)

// SchedulerMetrics captures background job health for the metering pipeline.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	countersRolled   prometheus.Counter
	overageReported  prometheus.Counter
	driftDetected    *prometheus.CounterVec
	driftMagnitude   prometheus.Observer
	driftObserverFor map[string]prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

// NewSchedulerMetricsForTest builds scheduler metrics against a private registry.
func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "agentmeter", Environment: "test"})
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "agentmeter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "agentmeter_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that exceeded their soft timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_scheduler_batch_processed_total",
		Help:        "Items processed by scheduler jobs.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_scheduler_batch_deferred_total",
		Help:        "Scheduler runs deferred by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "agentmeter_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	countersRolled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "agentmeter_usage_counters_rolled_total",
		Help:        "Usage counters created for a new billing period.",
		ConstLabels: constLabels,
	})
	overageReported := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "agentmeter_overage_units_reported_total",
		Help:        "Overage units accepted by the billing provider.",
		ConstLabels: constLabels,
	})
	driftDetected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_usage_drift_total",
		Help:        "Counter drift findings by severity.",
		ConstLabels: constLabels,
	}, []string{"severity"})
	driftMagnitude := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "agentmeter_usage_drift_ratio",
		Help:        "Relative counter drift found during reconciliation.",
		Buckets:     []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		countersRolled,
		overageReported,
		driftDetected,
		driftMagnitude,
	)

	driftObserverFor := map[string]prometheus.Counter{}
	for _, severity := range []string{DriftSeverityCorrected, DriftSeverityLow, DriftSeverityHigh} {
		driftObserverFor[severity] = driftDetected.WithLabelValues(severity)
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		countersRolled:   countersRolled,
		overageReported:  overageReported,
		driftDetected:    driftDetected,
		driftMagnitude:   driftMagnitude,
		driftObserverFor: driftObserverFor,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// AddCountersRolled counts counters created by period rollover.
func (m *SchedulerMetrics) AddCountersRolled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.countersRolled.Add(float64(count))
}

// AddOverageReported counts overage units accepted by the provider.
func (m *SchedulerMetrics) AddOverageReported(units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.overageReported.Add(float64(units))
}

// ObserveDrift records a reconciliation finding.
func (m *SchedulerMetrics) ObserveDrift(severity string, ratio float64) {
	if m == nil {
		return
	}
	if counter, ok := m.driftObserverFor[severity]; ok {
		counter.Inc()
	} else {
		m.driftDetected.WithLabelValues(severity).Inc()
	}
	m.driftMagnitude.Observe(ratio)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, billingsyncdomain.ErrCircuitOpen) {
		return SchedulerJobReasonCircuitOpen
	}
	var providerErr *billingsyncdomain.ProviderError
	if errors.As(err, &providerErr) {
		return SchedulerJobReasonProvider
	}
	if hasPGCode(err, "55P03") {
		return SchedulerJobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SchedulerJobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

// IsSchedulerErrorRetryable reports whether the error is worth another attempt next tick.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifySchedulerJobReason(err) {
	case SchedulerJobReasonDeadlineExceeded,
		SchedulerJobReasonDBLockTimeout,
		SchedulerJobReasonSerializationFailure,
		SchedulerJobReasonCircuitOpen,
		SchedulerJobReasonProvider:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
