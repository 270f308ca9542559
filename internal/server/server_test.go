package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/observability"
	"github.com/smallbiznis/agentmeter/internal/scheduler"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	usagestatsdomain "github.com/smallbiznis/agentmeter/internal/usagestats/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStats struct {
	report    *usagestatsdomain.UsageStatsReport
	agent     *usagestatsdomain.AgentUsage
	err       error
	lastAgent usagedomain.Agent
}

func (f *fakeStats) GetUsageStats(ctx context.Context, tenantID string) (*usagestatsdomain.UsageStatsReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func (f *fakeStats) GetUsageForAgent(ctx context.Context, tenantID string, agent usagedomain.Agent) (*usagestatsdomain.AgentUsage, error) {
	f.lastAgent = agent
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

type fakeGate struct {
	status billingsyncdomain.Status
}

func (f *fakeGate) Report(ctx context.Context, targetRef string, quantity int64, timestamp time.Time, idempotencyKey string) error {
	return nil
}

func (f *fakeGate) Status(ctx context.Context) (billingsyncdomain.Status, error) {
	return f.status, nil
}

type fakeJobs struct {
	err         error
	ran         []string
	hadDeadline bool
}

func (f *fakeJobs) Trigger(ctx context.Context, name string) (any, error) {
	_, f.hadDeadline = ctx.Deadline()
	f.ran = append(f.ran, name)
	if f.err != nil {
		return nil, f.err
	}
	return scheduler.RolloverResult{SubscriptionsChecked: 2, CountersCreated: 6}, nil
}

func (f *fakeJobs) JobNames() []string {
	return []string{scheduler.JobPeriodRollover, scheduler.JobOverageSync, scheduler.JobReconciliation}
}

func newTestServer(stats *fakeStats, gate *fakeGate, jobs *fakeJobs) *Server {
	engine := NewEngine(observability.Config{ServiceName: "agentmeter", Environment: "test"}, zap.NewNop())
	return newServer(engine, zap.NewNop(), nil, stats, gate, jobs)
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Engine().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHealthWithoutDatabase(t *testing.T) {
	s := newTestServer(&fakeStats{}, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	s := newTestServer(&fakeStats{}, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestGetTenantUsageReport(t *testing.T) {
	stats := &fakeStats{report: &usagestatsdomain.UsageStatsReport{
		TenantID: "tenant-1",
		Agents: []usagestatsdomain.AgentUsage{
			{Agent: usagedomain.AgentInbox, Count: 1200, Limit: 1000, Overage: 200},
		},
	}}
	s := newTestServer(stats, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/internal/tenants/tenant-1/usage")

	require.Equal(t, http.StatusOK, w.Code)
	var got usagestatsdomain.UsageStatsReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tenant-1", got.TenantID)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, int64(200), got.Agents[0].Overage)
}

func TestGetTenantUsageForAgent(t *testing.T) {
	stats := &fakeStats{agent: &usagestatsdomain.AgentUsage{Agent: usagedomain.AgentInbox, Count: 5}}
	s := newTestServer(stats, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/internal/tenants/tenant-1/usage?agent="+string(usagedomain.AgentInbox))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, usagedomain.AgentInbox, stats.lastAgent)
}

func TestGetTenantUsageForAgentWithoutCounter(t *testing.T) {
	s := newTestServer(&fakeStats{}, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/internal/tenants/tenant-1/usage?agent="+string(usagedomain.AgentInbox))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestGetTenantUsageErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		path     string
		wantCode int
		wantType string
	}{
		{"not found", usagestatsdomain.ErrNotFound, "/internal/tenants/t/usage", http.StatusNotFound, "not_found"},
		{"forbidden", fmt.Errorf("usage stats: %w", usagestatsdomain.ErrForbidden), "/internal/tenants/t/usage", http.StatusForbidden, "forbidden"},
		{"internal", usagestatsdomain.ErrInternal, "/internal/tenants/t/usage", http.StatusInternalServerError, "internal_error"},
		{"unknown agent", nil, "/internal/tenants/t/usage?agent=nope", http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeStats{err: tt.err}, &fakeGate{}, &fakeJobs{})

			w := do(t, s, http.MethodGet, tt.path)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantType, decodeError(t, w).Type)
		})
	}
}

func TestBillingSyncStatus(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	gate := &fakeGate{status: billingsyncdomain.Status{
		Backend:             "memory",
		State:               billingsyncdomain.StateOpen,
		ConsecutiveFailures: 5,
		MaxFailures:         5,
		Cooldown:            "15m0s",
		OpenUntil:           &until,
	}}
	s := newTestServer(&fakeStats{}, gate, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/internal/billing-sync/status")

	require.Equal(t, http.StatusOK, w.Code)
	var got billingsyncdomain.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, billingsyncdomain.StateOpen, got.State)
	assert.Equal(t, int64(5), got.ConsecutiveFailures)
	require.NotNil(t, got.OpenUntil)
	assert.True(t, until.Equal(*got.OpenUntil))
}

func TestListJobs(t *testing.T) {
	s := newTestServer(&fakeStats{}, &fakeGate{}, &fakeJobs{})

	w := do(t, s, http.MethodGet, "/internal/jobs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":["period_rollover","overage_sync","reconciliation"]}`, w.Body.String())
}

func TestRunJob(t *testing.T) {
	jobs := &fakeJobs{}
	s := newTestServer(&fakeStats{}, &fakeGate{}, jobs)

	w := do(t, s, http.MethodPost, "/internal/jobs/period_rollover/run")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"period_rollover"}, jobs.ran)
	assert.True(t, jobs.hadDeadline)
	assert.Contains(t, w.Body.String(), `"job":"period_rollover"`)
}

func TestRunJobErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"unknown", scheduler.ErrUnknownJob, http.StatusNotFound},
		{"locked", fmt.Errorf("overage_sync: %w", scheduler.ErrJobLocked), http.StatusConflict},
		{"failed", fmt.Errorf("list billable: boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeStats{}, &fakeGate{}, &fakeJobs{err: tt.err})

			w := do(t, s, http.MethodPost, "/internal/jobs/whatever/run")

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}
