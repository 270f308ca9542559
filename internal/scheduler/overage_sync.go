package scheduler

import (
	"context"
	"errors"
	"fmt"

	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	obsmetrics "github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"github.com/smallbiznis/agentmeter/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	usagestatsdomain "github.com/smallbiznis/agentmeter/internal/usagestats/domain"
	"go.uber.org/zap"
)

type OverageSyncResult struct {
	Reported      int   `json:"reported"`
	Skipped       int   `json:"skipped"`
	Failures      int   `json:"failures"`
	UnitsReported int64 `json:"units_reported"`
	// Aborted is set when the breaker was open; the remaining batch was not attempted.
	Aborted bool `json:"aborted"`
}

var errPlanMissing = errors.New("plan_missing")

// OverageSyncJob reports the absolute overage of every active subscription's
// current-period counters through the billing gate.
func (s *Scheduler) OverageSyncJob(ctx context.Context) (OverageSyncResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobOverageSync, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var result OverageSyncResult
	catalog := s.catalog.Catalog()

	err := s.forEachBillable(ctx, func(sub subscriptiondomain.Subscription) bool {
		if guard.EnsureChargeable(sub) != nil {
			return false
		}
		start, _, _ := sub.Period()
		counters, err := s.usage.ListCountersForPeriod(ctx, nil, sub.TenantID, start)
		if err != nil {
			result.Failures++
			s.logItemError(ctx, "list counters failed", sub.TenantID, err)
			return false
		}
		if len(counters) == 0 {
			return false
		}

		plan, err := s.planFor(ctx, sub)
		if err != nil {
			result.Failures += len(counters)
			s.logItemError(ctx, "overage plan lookup failed", sub.TenantID, err,
				zap.String("subscription_id", sub.ID.String()),
				zap.Int("counters", len(counters)),
			)
			return false
		}

		for _, counter := range counters {
			if err := ctx.Err(); err != nil {
				return true
			}
			run.AddProcessed(1)
			spec, ok := catalog.Lookup(counter.Agent)
			if !ok {
				result.Skipped++
				continue
			}
			usage := usagestatsdomain.ComputeAgentUsage(spec, counter.Count, plan.Allowance(spec.AllowanceKey))
			if usage.Overage == 0 {
				result.Skipped++
				continue
			}

			err := s.gate.Report(ctx,
				sub.TargetRef(string(counter.Agent)),
				usage.Overage,
				s.clock.Now(),
				usagedomain.OverageIdempotencyKey(sub.TenantID, counter.Agent, start),
			)
			switch {
			case errors.Is(err, billingsyncdomain.ErrCircuitOpen):
				result.Aborted = true
				s.metrics.IncBatchDeferred(JobOverageSync, obsmetrics.SchedulerBatchDeferredReasonCircuitOpen)
				s.logger(ctx).Warn("overage sync aborted, billing circuit open",
					zap.String("tenant_id", sub.TenantID),
					zap.Int("reported", result.Reported),
				)
				return true
			case err != nil:
				result.Failures++
				s.logItemError(ctx, "overage report failed", sub.TenantID, err,
					zap.String("agent", string(counter.Agent)),
					zap.Int64("overage", usage.Overage),
				)
			default:
				result.Reported++
				result.UnitsReported += usage.Overage
				s.metrics.AddOverageReported(usage.Overage)
			}
		}
		return false
	})
	if err == nil {
		err = ctx.Err()
	}

	s.metrics.AddBatchProcessed(JobOverageSync, obsmetrics.SchedulerResourceCounters, result.Reported+result.Skipped+result.Failures)
	return result, err
}

func (s *Scheduler) planFor(ctx context.Context, sub subscriptiondomain.Subscription) (*subscriptiondomain.Plan, error) {
	if sub.PlanID == nil {
		return nil, errPlanMissing
	}
	plan, err := s.subscriptions.GetPlan(ctx, *sub.PlanID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrPlanNotFound) {
			return nil, fmt.Errorf("%w: %s", errPlanMissing, sub.PlanID.String())
		}
		return nil, err
	}
	if plan == nil {
		return nil, errPlanMissing
	}
	return plan, nil
}
