package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/agentmeter/internal/clock"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/agentmeter/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/agentmeter/internal/subscription/service"
	"github.com/smallbiznis/agentmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"github.com/smallbiznis/agentmeter/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testPeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	recorder usagedomain.Recorder
	repo     usagedomain.Repository
}

func setupRecorder(t *testing.T) fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	start, end := testutil.Period(testPeriodStart)
	plan := testutil.SeedPlan(t, db, node, "Starter", map[string]int64{"inbox_actions": 1000})
	testutil.SeedSubscription(t, db, node, testutil.SubscriptionFixture{
		TenantID:    "tenant-a",
		PlanID:      &plan.ID,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	testutil.SeedSubscription(t, db, node, testutil.SubscriptionFixture{
		TenantID: "tenant-no-period",
		PlanID:   &plan.ID,
	})
	for tenantID, status := range map[string]subscriptiondomain.SubscriptionStatus{
		"tenant-canceled": subscriptiondomain.SubscriptionStatusCanceled,
		"tenant-past-due": subscriptiondomain.SubscriptionStatusPastDue,
		"tenant-ended":    subscriptiondomain.SubscriptionStatusEnded,
		"tenant-trial":    subscriptiondomain.SubscriptionStatusTrial,
	} {
		testutil.SeedSubscription(t, db, node, testutil.SubscriptionFixture{
			TenantID:    tenantID,
			Status:      status,
			PlanID:      &plan.ID,
			PeriodStart: start,
			PeriodEnd:   end,
		})
	}

	clk := clock.NewFakeClock(testPeriodStart.Add(24 * time.Hour))
	repo := repository.Provide(db, node)
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: subscriptionrepo.Provide(),
	})

	recorder := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		Repo:          repo,
		Subscriptions: subs,
		Catalog:       usagedomain.NewStaticCatalogSource(usagedomain.DefaultCatalog()),
		Clock:         clk,
	})
	return fixture{db: db, clock: clk, recorder: recorder, repo: repo}
}

func (f fixture) count(t *testing.T, tenantID string, agent usagedomain.Agent) int64 {
	t.Helper()
	counter, err := f.repo.GetCounter(context.Background(), nil, usagedomain.CounterKey{
		TenantID:    tenantID,
		Agent:       agent,
		PeriodStart: testPeriodStart,
	})
	require.NoError(t, err)
	if counter == nil {
		return 0
	}
	return counter.Count
}

func TestTrackRecordsEventAndCounter(t *testing.T) {
	f := setupRecorder(t)

	event, err := f.recorder.Track(context.Background(), usagedomain.TrackRequest{
		TenantID:   "tenant-a",
		Agent:      "Inbox",
		ActionType: "triage",
		ResourceID: "msg-1",
		Quantity:   3,
		Metadata:   map[string]any{"thread": "t-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.NotZero(t, event.ID)
	assert.Equal(t, usagedomain.AgentInbox, event.Agent)
	assert.Equal(t, int64(3), event.Quantity)
	require.NotNil(t, event.ResourceID)
	assert.Equal(t, "msg-1", *event.ResourceID)
	assert.NotEmpty(t, event.IdempotencyKey)

	assert.Equal(t, int64(3), f.count(t, "tenant-a", usagedomain.AgentInbox))
}

func TestTrackDefaultsQuantityToOne(t *testing.T) {
	f := setupRecorder(t)

	event, err := f.recorder.Track(context.Background(), usagedomain.TrackRequest{
		TenantID:   "tenant-a",
		Agent:      usagedomain.AgentCalendar,
		ActionType: "schedule",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), event.Quantity)
	assert.Equal(t, int64(1), f.count(t, "tenant-a", usagedomain.AgentCalendar))
}

// The sqlite test store has one connection, so these calls are serialized and
// this is a smoke test for the concurrent path. Lost-update safety comes from
// the single-statement upsert in the repository.
func TestTrackConcurrentCallsAreAllCounted(t *testing.T) {
	f := setupRecorder(t)
	const calls = 40

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.recorder.Track(context.Background(), usagedomain.TrackRequest{
				TenantID:       "tenant-a",
				Agent:          usagedomain.AgentOutreach,
				ActionType:     "send_email",
				IdempotencyKey: fmt.Sprintf("send-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(calls), f.count(t, "tenant-a", usagedomain.AgentOutreach))

	var events int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&events).Error)
	assert.Equal(t, int64(calls), events)
}

func TestTrackDuplicateKeyLeavesCounterUntouched(t *testing.T) {
	f := setupRecorder(t)
	req := usagedomain.TrackRequest{
		TenantID:       "tenant-a",
		Agent:          usagedomain.AgentInbox,
		ActionType:     "triage",
		Quantity:       2,
		IdempotencyKey: "caller-key",
	}

	_, err := f.recorder.Track(context.Background(), req)
	require.NoError(t, err)

	_, err = f.recorder.Track(context.Background(), req)
	assert.ErrorIs(t, err, usagedomain.ErrDuplicateEvent)
	assert.Equal(t, int64(2), f.count(t, "tenant-a", usagedomain.AgentInbox))
}

func TestTrackDerivedKeyCollapsesSameInstant(t *testing.T) {
	f := setupRecorder(t)
	req := usagedomain.TrackRequest{
		TenantID:   "tenant-a",
		Agent:      usagedomain.AgentInbox,
		ActionType: "triage",
		ResourceID: "msg-1",
	}

	_, err := f.recorder.Track(context.Background(), req)
	require.NoError(t, err)

	_, err = f.recorder.Track(context.Background(), req)
	assert.ErrorIs(t, err, usagedomain.ErrDuplicateEvent)

	f.clock.Advance(time.Millisecond)
	_, err = f.recorder.Track(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.count(t, "tenant-a", usagedomain.AgentInbox))
}

func TestTrackRejections(t *testing.T) {
	f := setupRecorder(t)

	cases := []struct {
		name string
		req  usagedomain.TrackRequest
		want error
	}{
		{
			name: "unknown agent",
			req:  usagedomain.TrackRequest{TenantID: "tenant-a", Agent: "crm", ActionType: "sync"},
			want: usagedomain.ErrInvalidAgent,
		},
		{
			name: "negative quantity",
			req:  usagedomain.TrackRequest{TenantID: "tenant-a", Agent: usagedomain.AgentInbox, ActionType: "triage", Quantity: -1},
			want: usagedomain.ErrInvalidQuantity,
		},
		{
			name: "missing tenant",
			req:  usagedomain.TrackRequest{TenantID: "  ", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrInvalidRequest,
		},
		{
			name: "missing action type",
			req:  usagedomain.TrackRequest{TenantID: "tenant-a", Agent: usagedomain.AgentInbox},
			want: usagedomain.ErrInvalidRequest,
		},
		{
			name: "no subscription",
			req:  usagedomain.TrackRequest{TenantID: "tenant-unknown", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrNoSubscription,
		},
		{
			name: "canceled subscription",
			req:  usagedomain.TrackRequest{TenantID: "tenant-canceled", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrSubscriptionInactive,
		},
		{
			name: "past due subscription",
			req:  usagedomain.TrackRequest{TenantID: "tenant-past-due", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrNoSubscription,
		},
		{
			name: "ended subscription",
			req:  usagedomain.TrackRequest{TenantID: "tenant-ended", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrSubscriptionInactive,
		},
		{
			name: "no billing period",
			req:  usagedomain.TrackRequest{TenantID: "tenant-no-period", Agent: usagedomain.AgentInbox, ActionType: "triage"},
			want: usagedomain.ErrNoBillingPeriod,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := f.recorder.Track(context.Background(), tc.req)
			assert.Nil(t, event)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	var events int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&events).Error)
	assert.Zero(t, events)
}

func TestTrackAcceptsTrialSubscription(t *testing.T) {
	f := setupRecorder(t)

	_, err := f.recorder.Track(context.Background(), usagedomain.TrackRequest{
		TenantID:   "tenant-trial",
		Agent:      usagedomain.AgentInbox,
		ActionType: "triage",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, "tenant-trial", usagedomain.AgentInbox))
	assert.Zero(t, f.count(t, "tenant-canceled", usagedomain.AgentInbox))
}

func TestTrackUsesSubscriptionPeriodBounds(t *testing.T) {
	f := setupRecorder(t)

	_, err := f.recorder.Track(context.Background(), usagedomain.TrackRequest{
		TenantID:   "tenant-a",
		Agent:      usagedomain.AgentInbox,
		ActionType: "triage",
	})
	require.NoError(t, err)

	var counter usagedomain.UsageCounter
	require.NoError(t, f.db.Where("tenant_id = ?", "tenant-a").First(&counter).Error)
	assert.True(t, counter.PeriodStart.Equal(testPeriodStart))
	assert.True(t, counter.PeriodEnd.Equal(testPeriodStart.AddDate(0, 1, 0)))
}

var _ subscriptiondomain.Provider = (*subscriptionservice.Service)(nil)
