package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"github.com/smallbiznis/agentmeter/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	// DriftDetectPct is the drift above which a counter counts as drifted.
	// Smaller nonzero drift is still repaired, without alerting.
	DriftDetectPct = 0.1
	// DriftAutoCorrectPct bounds automatic correction; at or above it the
	// counter is left for manual investigation.
	DriftAutoCorrectPct = 5.0
)

type DriftAlert struct {
	TenantID     string            `json:"tenant_id"`
	Agent        usagedomain.Agent `json:"agent"`
	CounterID    snowflake.ID      `json:"counter_id"`
	CounterCount int64             `json:"counter_count"`
	EventsSum    int64             `json:"events_sum"`
	DriftPct     float64           `json:"drift_pct"`
}

type ReconciliationResult struct {
	Checked       int `json:"checked"`
	DriftDetected int `json:"drift_detected"`
	Corrected     int `json:"corrected"`
	// Conflicts counts corrections skipped because the counter moved between
	// read and write. The next run retries them.
	Conflicts int          `json:"conflicts"`
	Failures  int          `json:"failures"`
	HighDrift []DriftAlert `json:"high_drift"`
}

// DriftPercent returns |sum-count| as a percentage of sum. A non-zero count
// against an empty event log is 100% drift.
func DriftPercent(eventsSum, count int64) float64 {
	diff := eventsSum - count
	if diff < 0 {
		diff = -diff
	}
	if eventsSum == 0 {
		if count == 0 {
			return 0
		}
		return 100
	}
	return float64(diff) * 100 / float64(eventsSum)
}

// ReconciliationJob compares each current-period counter to the sum of its
// events and repairs small drift with a compare-and-set write.
func (s *Scheduler) ReconciliationJob(ctx context.Context) (ReconciliationResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconciliation, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result := ReconciliationResult{HighDrift: []DriftAlert{}}

	err := s.forEachBillable(ctx, func(sub subscriptiondomain.Subscription) bool {
		if guard.EnsureCountable(sub) != nil {
			return false
		}
		start, end, _ := sub.Period()
		counters, err := s.usage.ListCountersForPeriod(ctx, nil, sub.TenantID, start)
		if err != nil {
			result.Failures++
			s.logItemError(ctx, "list counters failed", sub.TenantID, err)
			return false
		}
		for _, counter := range counters {
			if ctx.Err() != nil {
				return true
			}
			run.AddProcessed(1)
			s.reconcileCounter(ctx, counter, start, end, &result)
		}
		return false
	})
	if err == nil {
		err = ctx.Err()
	}

	s.metrics.AddBatchProcessed(JobReconciliation, obsmetrics.SchedulerResourceCounters, result.Checked)
	return result, err
}

func (s *Scheduler) reconcileCounter(ctx context.Context, counter usagedomain.UsageCounter, start, end time.Time, result *ReconciliationResult) {
	sum, err := s.usage.SumEvents(ctx, nil, counter.TenantID, counter.Agent, start, end)
	if err != nil {
		result.Failures++
		s.logItemError(ctx, "sum events failed", counter.TenantID, err, zap.String("agent", string(counter.Agent)))
		return
	}
	result.Checked++

	if sum == counter.Count {
		return
	}
	pct := DriftPercent(sum, counter.Count)
	detected := pct > DriftDetectPct
	if detected {
		result.DriftDetected++
	}

	fields := []zap.Field{
		zap.String("tenant_id", counter.TenantID),
		zap.String("agent", string(counter.Agent)),
		zap.Int64("counter_count", counter.Count),
		zap.Int64("events_sum", sum),
		zap.Float64("drift_pct", pct),
	}

	if pct >= DriftAutoCorrectPct {
		result.HighDrift = append(result.HighDrift, DriftAlert{
			TenantID:     counter.TenantID,
			Agent:        counter.Agent,
			CounterID:    counter.ID,
			CounterCount: counter.Count,
			EventsSum:    sum,
			DriftPct:     pct,
		})
		s.metrics.ObserveDrift(obsmetrics.DriftSeverityHigh, pct/100)
		s.logger(ctx).Error("usage counter high drift", fields...)
		return
	}

	ok, err := s.usage.CompareAndSetCount(ctx, nil, int64(counter.ID), counter.Count, sum, s.clock.Now())
	if err != nil {
		result.Failures++
		s.logItemError(ctx, "correct counter failed", counter.TenantID, err, zap.String("agent", string(counter.Agent)))
		return
	}
	if !ok {
		result.Conflicts++
		s.metrics.ObserveDrift(obsmetrics.DriftSeverityLow, pct/100)
		s.logger(ctx).Info("usage counter moved during reconciliation", fields...)
		return
	}
	result.Corrected++
	if !detected {
		s.logger(ctx).Debug("usage counter trued up", fields...)
		return
	}
	s.metrics.ObserveDrift(obsmetrics.DriftSeverityCorrected, pct/100)
	s.logger(ctx).Warn("usage counter corrected", fields...)
}
