package domain

import (
	"testing"

	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboxSpec(t *testing.T) usagedomain.AgentSpec {
	t.Helper()
	spec, ok := usagedomain.DefaultCatalog().Lookup(usagedomain.AgentInbox)
	require.True(t, ok)
	return spec
}

func TestComputeAgentUsage(t *testing.T) {
	spec := inboxSpec(t)

	cases := []struct {
		name      string
		count     int64
		allowance int64
		wantPct   int64
		wantOver  int64
		wantCost  int64
		wantLimit int64
	}{
		{name: "under", count: 500, allowance: 1000, wantPct: 50, wantLimit: 1000},
		{name: "floors percentage", count: 799, allowance: 1000, wantPct: 79, wantLimit: 1000},
		{name: "warning", count: 800, allowance: 1000, wantPct: 80, wantLimit: 1000},
		{name: "exactly at limit", count: 1000, allowance: 1000, wantPct: 100, wantLimit: 1000},
		{name: "overage", count: 1200, allowance: 1000, wantPct: 120, wantOver: 200, wantCost: 400, wantLimit: 1000},
		{name: "unlimited", count: 5000, allowance: 0, wantPct: 0, wantLimit: UnlimitedAllowance},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeAgentUsage(spec, tc.count, tc.allowance)
			assert.Equal(t, tc.wantPct, got.Percentage)
			assert.Equal(t, tc.wantOver, got.Overage)
			assert.Equal(t, tc.wantCost, got.OverageCostInCents)
			assert.Equal(t, tc.wantLimit, got.Limit)
		})
	}
}

func TestAlertFor(t *testing.T) {
	spec := inboxSpec(t)

	assert.Nil(t, AlertFor(spec, ComputeAgentUsage(spec, 799, 1000)))

	warning := AlertFor(spec, ComputeAgentUsage(spec, 800, 1000))
	require.NotNil(t, warning)
	assert.Equal(t, AlertLevelWarning, warning.Level)
	assert.Contains(t, warning.Message, "80%")

	exceeded := AlertFor(spec, ComputeAgentUsage(spec, 1200, 1000))
	require.NotNil(t, exceeded)
	assert.Equal(t, AlertLevelError, exceeded.Level)
	assert.Contains(t, exceeded.Message, "exceeded")
	assert.Contains(t, exceeded.Message, "$4.00")
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "0.00", FormatCents(0))
	assert.Equal(t, "4.00", FormatCents(400))
	assert.Equal(t, "12.35", FormatCents(1235))
}
