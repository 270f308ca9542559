package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/agentmeter/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	usagestatsdomain "github.com/smallbiznis/agentmeter/internal/usagestats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Usage         usagedomain.Repository
	Subscriptions subscriptiondomain.Provider
	Catalog       usagedomain.CatalogSource
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	usage         usagedomain.Repository
	subscriptions subscriptiondomain.Provider
	catalog       usagedomain.CatalogSource
	metrics       *metrics.Metrics
}

func NewService(p Params) usagestatsdomain.Service {
	return &Service{
		log:           p.Log.Named("usagestats.service"),
		usage:         p.Usage,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		metrics:       p.Metrics,
	}
}

type billingContext struct {
	subscription *subscriptiondomain.Subscription
	plan         *subscriptiondomain.Plan
	periodStart  time.Time
	periodEnd    time.Time
}

func (s *Service) GetUsageStats(ctx context.Context, tenantID string) (*usagestatsdomain.UsageStatsReport, error) {
	tenantID = strings.TrimSpace(tenantID)
	bc, err := s.resolve(ctx, tenantID)
	if err != nil {
		s.metrics.RecordUsageStats(ctx, outcomeFor(err))
		return nil, err
	}

	counters, err := s.usage.ListCountersForPeriod(ctx, nil, tenantID, bc.periodStart)
	if err != nil {
		s.metrics.RecordUsageStats(ctx, outcomeFor(usagestatsdomain.ErrInternal))
		return nil, fmt.Errorf("%w: list usage counters: %w", usagestatsdomain.ErrInternal, err)
	}
	counts := make(map[usagedomain.Agent]int64, len(counters))
	for _, counter := range counters {
		counts[counter.Agent] = counter.Count
	}

	report := &usagestatsdomain.UsageStatsReport{
		TenantID:    tenantID,
		PeriodStart: bc.periodStart,
		PeriodEnd:   bc.periodEnd,
		Plan: usagestatsdomain.PlanSummary{
			Name:       bc.plan.Name,
			Allowances: bc.plan.AllowanceTable(),
		},
		Agents: []usagestatsdomain.AgentUsage{},
		Alerts: []usagestatsdomain.Alert{},
	}

	for _, spec := range s.catalog.Catalog().Specs() {
		usage := usagestatsdomain.ComputeAgentUsage(spec, counts[spec.Agent], bc.plan.Allowance(spec.AllowanceKey))
		report.Agents = append(report.Agents, usage)
		report.TotalOverageCostInCents += usage.OverageCostInCents
		if alert := usagestatsdomain.AlertFor(spec, usage); alert != nil {
			report.Alerts = append(report.Alerts, *alert)
		}
	}

	s.metrics.RecordUsageStats(ctx, "ok")
	return report, nil
}

func (s *Service) GetUsageForAgent(ctx context.Context, tenantID string, agent usagedomain.Agent) (*usagestatsdomain.AgentUsage, error) {
	tenantID = strings.TrimSpace(tenantID)
	agent = usagedomain.Agent(strings.ToLower(strings.TrimSpace(string(agent))))
	spec, ok := s.catalog.Catalog().Lookup(agent)
	if !ok {
		return nil, usagedomain.ErrInvalidAgent
	}

	bc, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	counter, err := s.usage.GetCounter(ctx, nil, usagedomain.CounterKey{
		TenantID:    tenantID,
		Agent:       agent,
		PeriodStart: bc.periodStart,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get usage counter: %w", usagestatsdomain.ErrInternal, err)
	}
	if counter == nil {
		return nil, nil
	}

	usage := usagestatsdomain.ComputeAgentUsage(spec, counter.Count, bc.plan.Allowance(spec.AllowanceKey))
	return &usage, nil
}

func (s *Service) resolve(ctx context.Context, tenantID string) (*billingContext, error) {
	sub, err := s.subscriptions.GetActiveSubscription(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) || errors.Is(err, subscriptiondomain.ErrInvalidTenant) {
			return nil, usagestatsdomain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: lookup subscription: %w", usagestatsdomain.ErrInternal, err)
	}
	if !sub.Status.Usable() {
		return nil, usagestatsdomain.ErrForbidden
	}

	if sub.PlanID == nil {
		s.log.Error("subscription has no plan",
			zap.String("tenant_id", tenantID),
			zap.String("subscription_id", sub.ID.String()),
		)
		return nil, fmt.Errorf("%w: subscription %s has no plan", usagestatsdomain.ErrInternal, sub.ID)
	}
	plan, err := s.subscriptions.GetPlan(ctx, *sub.PlanID)
	if err != nil {
		s.log.Error("failed to load plan",
			zap.String("tenant_id", tenantID),
			zap.String("plan_id", sub.PlanID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: load plan: %w", usagestatsdomain.ErrInternal, err)
	}

	start, end, ok := sub.Period()
	if !ok {
		s.log.Error("subscription has no billing period",
			zap.String("tenant_id", tenantID),
			zap.String("subscription_id", sub.ID.String()),
		)
		return nil, fmt.Errorf("%w: subscription %s has no billing period", usagestatsdomain.ErrInternal, sub.ID)
	}

	return &billingContext{
		subscription: sub,
		plan:         plan,
		periodStart:  start,
		periodEnd:    end,
	}, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, usagestatsdomain.ErrNotFound):
		return "not_found"
	case errors.Is(err, usagestatsdomain.ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
