package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/agentmeter/internal/clock"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/agentmeter/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/agentmeter/internal/subscription/service"
	"github.com/smallbiznis/agentmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/agentmeter/internal/usage/repository"
	usageservice "github.com/smallbiznis/agentmeter/internal/usage/service"
	usagestatsdomain "github.com/smallbiznis/agentmeter/internal/usagestats/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	plan     subscriptiondomain.Plan
	repo     usagedomain.Repository
	stats    usagestatsdomain.Service
	recorder usagedomain.Recorder
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	plan := testutil.SeedPlan(t, db, node, "Starter", map[string]int64{
		"inbox_actions":    1000,
		"calendar_actions": 500,
	})

	repo := usagerepo.Provide(db, node)
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: subscriptionrepo.Provide(),
	})
	catalog := usagedomain.NewStaticCatalogSource(usagedomain.DefaultCatalog())

	return fixture{
		db:   db,
		node: node,
		plan: plan,
		repo: repo,
		stats: NewService(Params{
			Log:           zap.NewNop(),
			Usage:         repo,
			Subscriptions: subs,
			Catalog:       catalog,
		}),
		recorder: usageservice.NewService(usageservice.Params{
			DB:            db,
			Log:           zap.NewNop(),
			Repo:          repo,
			Subscriptions: subs,
			Catalog:       catalog,
			Clock:         clock.NewFakeClock(periodStart.Add(time.Hour)),
		}),
	}
}

func (f fixture) subscribe(t *testing.T, tenantID string, status subscriptiondomain.SubscriptionStatus) {
	t.Helper()
	start, end := testutil.Period(periodStart)
	testutil.SeedSubscription(t, f.db, f.node, testutil.SubscriptionFixture{
		TenantID:    tenantID,
		Status:      status,
		PlanID:      &f.plan.ID,
		PeriodStart: start,
		PeriodEnd:   end,
	})
}

func (f fixture) setCount(t *testing.T, tenantID string, agent usagedomain.Agent, count int64) {
	t.Helper()
	require.NoError(t, f.repo.IncrementCounter(context.Background(), nil, usagedomain.CounterKey{
		TenantID:    tenantID,
		Agent:       agent,
		PeriodStart: periodStart,
	}, periodStart.AddDate(0, 1, 0), count, periodStart))
}

func agentUsage(t *testing.T, report *usagestatsdomain.UsageStatsReport, agent usagedomain.Agent) usagestatsdomain.AgentUsage {
	t.Helper()
	for _, usage := range report.Agents {
		if usage.Agent == agent {
			return usage
		}
	}
	t.Fatalf("agent %s missing from report", agent)
	return usagestatsdomain.AgentUsage{}
}

func TestGetUsageStatsWarningAtEightyPercent(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-a", subscriptiondomain.SubscriptionStatusActive)
	f.setCount(t, "tenant-a", usagedomain.AgentInbox, 800)

	report, err := f.stats.GetUsageStats(context.Background(), "tenant-a")
	require.NoError(t, err)

	inbox := agentUsage(t, report, usagedomain.AgentInbox)
	assert.Equal(t, int64(80), inbox.Percentage)
	assert.Equal(t, int64(0), inbox.Overage)

	require.Len(t, report.Alerts, 1)
	assert.Equal(t, usagestatsdomain.AlertLevelWarning, report.Alerts[0].Level)
	assert.Contains(t, report.Alerts[0].Message, "80%")
	assert.Equal(t, int64(0), report.TotalOverageCostInCents)
}

func TestGetUsageStatsOverage(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-a", subscriptiondomain.SubscriptionStatusTrial)
	f.setCount(t, "tenant-a", usagedomain.AgentInbox, 1200)
	f.setCount(t, "tenant-a", usagedomain.AgentOutreach, 42)

	report, err := f.stats.GetUsageStats(context.Background(), "tenant-a")
	require.NoError(t, err)

	inbox := agentUsage(t, report, usagedomain.AgentInbox)
	assert.Equal(t, int64(200), inbox.Overage)
	assert.Equal(t, int64(400), inbox.OverageCostInCents)

	outreach := agentUsage(t, report, usagedomain.AgentOutreach)
	assert.True(t, outreach.Unlimited)
	assert.Equal(t, usagestatsdomain.UnlimitedAllowance, outreach.Limit)
	assert.Equal(t, int64(0), outreach.Overage)

	require.Len(t, report.Alerts, 1)
	assert.Equal(t, usagestatsdomain.AlertLevelError, report.Alerts[0].Level)
	assert.Equal(t, int64(400), report.TotalOverageCostInCents)

	assert.Equal(t, "Starter", report.Plan.Name)
	assert.Equal(t, int64(1000), report.Plan.Allowances["inbox_actions"])
	assert.True(t, report.PeriodStart.Equal(periodStart))
}

func TestGetUsageStatsIgnoresPreviousPeriods(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-a", subscriptiondomain.SubscriptionStatusActive)
	previous := periodStart.AddDate(0, -1, 0)
	require.NoError(t, f.repo.IncrementCounter(context.Background(), nil, usagedomain.CounterKey{
		TenantID:    "tenant-a",
		Agent:       usagedomain.AgentInbox,
		PeriodStart: previous,
	}, periodStart, 5000, previous))

	report, err := f.stats.GetUsageStats(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agentUsage(t, report, usagedomain.AgentInbox).Count)
	assert.Empty(t, report.Alerts)
}

func TestGetUsageStatsErrors(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-canceled", subscriptiondomain.SubscriptionStatusCanceled)
	f.subscribe(t, "tenant-past-due", subscriptiondomain.SubscriptionStatusPastDue)
	start, end := testutil.Period(periodStart)
	testutil.SeedSubscription(t, f.db, f.node, testutil.SubscriptionFixture{
		TenantID:    "tenant-no-plan",
		PeriodStart: start,
		PeriodEnd:   end,
	})
	missingPlan := f.node.Generate()
	testutil.SeedSubscription(t, f.db, f.node, testutil.SubscriptionFixture{
		TenantID:    "tenant-missing-plan",
		PlanID:      &missingPlan,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	testutil.SeedSubscription(t, f.db, f.node, testutil.SubscriptionFixture{
		TenantID: "tenant-no-period",
		PlanID:   &f.plan.ID,
	})

	cases := map[string]error{
		"tenant-unknown":      usagestatsdomain.ErrNotFound,
		"":                    usagestatsdomain.ErrNotFound,
		"tenant-canceled":     usagestatsdomain.ErrForbidden,
		"tenant-past-due":     usagestatsdomain.ErrForbidden,
		"tenant-no-plan":      usagestatsdomain.ErrInternal,
		"tenant-missing-plan": usagestatsdomain.ErrInternal,
		"tenant-no-period":    usagestatsdomain.ErrInternal,
	}
	for tenant, want := range cases {
		t.Run(fmt.Sprintf("tenant=%q", tenant), func(t *testing.T) {
			report, err := f.stats.GetUsageStats(context.Background(), tenant)
			assert.Nil(t, report)
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestGetUsageForAgent(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-a", subscriptiondomain.SubscriptionStatusActive)
	f.setCount(t, "tenant-a", usagedomain.AgentCalendar, 450)

	usage, err := f.stats.GetUsageForAgent(context.Background(), "tenant-a", usagedomain.AgentCalendar)
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(450), usage.Count)
	assert.Equal(t, int64(90), usage.Percentage)

	usage, err = f.stats.GetUsageForAgent(context.Background(), "tenant-a", usagedomain.AgentOutreach)
	require.NoError(t, err)
	assert.Nil(t, usage)

	_, err = f.stats.GetUsageForAgent(context.Background(), "tenant-a", "crm")
	assert.ErrorIs(t, err, usagedomain.ErrInvalidAgent)

	_, err = f.stats.GetUsageForAgent(context.Background(), "tenant-unknown", usagedomain.AgentInbox)
	assert.ErrorIs(t, err, usagestatsdomain.ErrNotFound)
}

func TestEndToEndTwoTenants(t *testing.T) {
	f := setup(t)
	f.subscribe(t, "tenant-a", subscriptiondomain.SubscriptionStatusActive)
	f.subscribe(t, "tenant-b", subscriptiondomain.SubscriptionStatusActive)

	ctx := context.Background()
	for i := 0; i < 1200; i++ {
		_, err := f.recorder.Track(ctx, usagedomain.TrackRequest{
			TenantID:       "tenant-a",
			Agent:          usagedomain.AgentInbox,
			ActionType:     "triage",
			IdempotencyKey: fmt.Sprintf("a-inbox-%d", i),
		})
		require.NoError(t, err)
	}

	reportA, err := f.stats.GetUsageStats(ctx, "tenant-a")
	require.NoError(t, err)
	inbox := agentUsage(t, reportA, usagedomain.AgentInbox)
	assert.Equal(t, int64(1200), inbox.Count)
	assert.Equal(t, int64(200), inbox.Overage)
	assert.Equal(t, int64(400), inbox.OverageCostInCents)

	reportB, err := f.stats.GetUsageStats(ctx, "tenant-b")
	require.NoError(t, err)
	require.Len(t, reportB.Agents, 3)
	for _, usage := range reportB.Agents {
		assert.Equal(t, int64(0), usage.Count, usage.Agent)
	}
	assert.Empty(t, reportB.Alerts)
}
