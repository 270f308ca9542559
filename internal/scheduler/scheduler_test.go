package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"github.com/smallbiznis/agentmeter/internal/redisclient"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/agentmeter/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/agentmeter/internal/subscription/service"
	"github.com/smallbiznis/agentmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/agentmeter/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type gateCall struct {
	Target         string
	Quantity       int64
	IdempotencyKey string
}

type fakeGate struct {
	mu    sync.Mutex
	calls []gateCall
	errs  []error
}

func (g *fakeGate) Report(_ context.Context, target string, quantity int64, _ time.Time, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{Target: target, Quantity: quantity, IdempotencyKey: key})
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func (g *fakeGate) Status(context.Context) (billingsyncdomain.Status, error) {
	return billingsyncdomain.Status{State: billingsyncdomain.StateClosed}, nil
}

func (g *fakeGate) Calls() []gateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateCall(nil), g.calls...)
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	repo     usagedomain.Repository
	gate     *fakeGate
	clock    *clock.FakeClock
	registry *prometheus.Registry
	sched    *Scheduler
}

func setup(t *testing.T, opts ...func(*Params)) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	repo := usagerepo.Provide(db, node)
	gate := &fakeGate{}
	clk := clock.NewFakeClock(periodStart.Add(10 * 24 * time.Hour))
	reg := prometheus.NewRegistry()

	p := Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Usage: repo,
		Subscriptions: subscriptionservice.NewService(subscriptionservice.Params{
			DB:   db,
			Log:  zap.NewNop(),
			Repo: subscriptionrepo.Provide(),
		}),
		Catalog: usagedomain.NewStaticCatalogSource(usagedomain.DefaultCatalog()),
		Gate:    gate,
		Metrics: obsmetrics.NewSchedulerMetricsForTest(reg),
		Config:  Config{BatchSize: 2},
	}
	for _, opt := range opts {
		opt(&p)
	}
	sched, err := New(p)
	require.NoError(t, err)

	return fixture{db: db, node: node, repo: repo, gate: gate, clock: clk, registry: reg, sched: sched}
}

func (f fixture) subscribe(t *testing.T, fx testutil.SubscriptionFixture) subscriptiondomain.Subscription {
	t.Helper()
	if fx.PeriodStart == nil {
		fx.PeriodStart, fx.PeriodEnd = testutil.Period(periodStart)
	}
	return testutil.SeedSubscription(t, f.db, f.node, fx)
}

func (f fixture) plan(t *testing.T) subscriptiondomain.Plan {
	t.Helper()
	return testutil.SeedPlan(t, f.db, f.node, "Starter", map[string]int64{
		"inbox_actions":    1000,
		"calendar_actions": 500,
	})
}

func (f fixture) setCount(t *testing.T, tenantID string, agent usagedomain.Agent, count int64) {
	t.Helper()
	_, end := testutil.Period(periodStart)
	require.NoError(t, f.repo.IncrementCounter(context.Background(), nil, usagedomain.CounterKey{
		TenantID:    tenantID,
		Agent:       agent,
		PeriodStart: periodStart,
	}, *end, count, periodStart.Add(time.Hour)))
}

func (f fixture) addEvents(t *testing.T, tenantID string, agent usagedomain.Agent, quantity int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.repo.InsertEvent(context.Background(), nil, &usagedomain.UsageEvent{
		TenantID:       tenantID,
		Agent:          agent,
		ActionType:     "seed",
		Quantity:       quantity,
		IdempotencyKey: fmt.Sprintf("%s-%s-%d", tenantID, agent, at.UnixNano()),
		CreatedAt:      at,
	}))
}

func (f fixture) counter(t *testing.T, tenantID string, agent usagedomain.Agent) *usagedomain.UsageCounter {
	t.Helper()
	c, err := f.repo.GetCounter(context.Background(), nil, usagedomain.CounterKey{
		TenantID:    tenantID,
		Agent:       agent,
		PeriodStart: periodStart,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	f := setup(t)

	err := f.sched.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "agentmeter",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, 1.0, getCounterValue(t, f.registry, "agentmeter_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "agentmeter",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, 1.0, getCounterValue(t, f.registry, "agentmeter_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	f := setup(t)
	boom := errors.New("boom")

	err := f.sched.runJob(context.Background(), "broken", 0, time.Second, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestTriggerUnknownJob(t *testing.T) {
	f := setup(t)
	_, err := f.sched.Trigger(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.Equal(t, []string{JobPeriodRollover, JobOverageSync, JobReconciliation}, f.sched.JobNames())
}

func TestTriggerSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewLocker(client)

	f := setup(t, func(p *Params) { p.Locker = locker })
	plan := f.plan(t)
	f.subscribe(t, testutil.SubscriptionFixture{TenantID: "tenant-a", PlanID: &plan.ID, ExternalRef: "sub_a"})
	f.setCount(t, "tenant-a", usagedomain.AgentInbox, 1500)

	_, err := locker.AcquireJob(context.Background(), JobOverageSync, time.Minute)
	require.NoError(t, err)

	_, err = f.sched.Trigger(context.Background(), JobOverageSync)
	assert.ErrorIs(t, err, ErrJobLocked)
	assert.Empty(t, f.gate.Calls())

	mr.FastForward(2 * time.Minute)

	res, err := f.sched.Trigger(context.Background(), JobOverageSync)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(OverageSyncResult).Reported)
	assert.False(t, mr.Exists(redisclient.JobLockKey(JobOverageSync)), "lock released after the run")
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := setup(t, func(p *Params) { p.Config.EnabledJobs = []string{JobPeriodRollover} })
	f.subscribe(t, testutil.SubscriptionFixture{TenantID: "tenant-a"})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.NotNil(t, f.counter(t, "tenant-a", usagedomain.AgentInbox))
	assert.Empty(t, f.gate.Calls())
	assert.Equal(t, 1.0, getCounterValue(t, f.registry, "agentmeter_scheduler_job_runs_total", map[string]string{
		"service": "agentmeter", "env": "test", "job": JobPeriodRollover,
	}))
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
