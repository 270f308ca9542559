package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"github.com/smallbiznis/agentmeter/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"go.uber.org/zap"
)

type RolloverResult struct {
	SubscriptionsChecked int `json:"subscriptions_checked"`
	CountersCreated      int `json:"counters_created"`
	Failures             int `json:"failures"`
}

// PeriodRolloverJob makes sure every countable subscription has a zero
// counter per agent for its current period. Existing counters are left alone,
// so repeated runs create nothing.
func (s *Scheduler) PeriodRolloverJob(ctx context.Context) (RolloverResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobPeriodRollover, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var result RolloverResult
	agents := s.catalog.Catalog().Agents()

	err := s.forEachBillable(ctx, func(sub subscriptiondomain.Subscription) bool {
		if guard.EnsureCountable(sub) != nil {
			return false
		}
		result.SubscriptionsChecked++
		run.AddProcessed(1)

		created, err := s.rolloverSubscription(ctx, sub, agents)
		result.CountersCreated += created
		if err != nil {
			result.Failures++
			s.logItemError(ctx, "rollover subscription failed", sub.TenantID, err,
				zap.String("subscription_id", sub.ID.String()),
			)
		}
		return false
	})

	s.metrics.AddCountersRolled(result.CountersCreated)
	s.metrics.AddBatchProcessed(JobPeriodRollover, obsmetrics.SchedulerResourceSubscriptions, result.SubscriptionsChecked)
	return result, err
}

func (s *Scheduler) rolloverSubscription(ctx context.Context, sub subscriptiondomain.Subscription, agents []usagedomain.Agent) (int, error) {
	start, end, _ := sub.Period()
	now := s.clock.Now()
	created := 0
	for _, agent := range agents {
		ok, err := s.usage.EnsureCounter(ctx, nil, usagedomain.CounterKey{
			TenantID:    sub.TenantID,
			Agent:       agent,
			PeriodStart: start,
		}, end, now)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}
