// Package domain defines the read-only usage report served to tenants.
package domain

import (
	"time"

	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
)

// UnlimitedAllowance stands in for a zero or absent plan allowance so
// percentage and overage stay well-defined.
const UnlimitedAllowance int64 = 1_000_000_000

type AlertLevel string

const (
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelError   AlertLevel = "error"
)

const (
	WarningThresholdPct int64 = 80
	ErrorThresholdPct   int64 = 100
)

type Alert struct {
	Agent   usagedomain.Agent `json:"agent"`
	Level   AlertLevel        `json:"level"`
	Message string            `json:"message"`
}

type AgentUsage struct {
	Agent              usagedomain.Agent `json:"agent"`
	Count              int64             `json:"count"`
	Limit              int64             `json:"limit"`
	Unlimited          bool              `json:"unlimited"`
	Percentage         int64             `json:"percentage"`
	Overage            int64             `json:"overage"`
	UnitPriceInCents   int64             `json:"unit_price_cents"`
	OverageCostInCents int64             `json:"overage_cost_cents"`
}

type PlanSummary struct {
	Name       string           `json:"name"`
	Allowances map[string]int64 `json:"allowances"`
}

type UsageStatsReport struct {
	TenantID                string       `json:"tenant_id"`
	PeriodStart             time.Time    `json:"period_start"`
	PeriodEnd               time.Time    `json:"period_end"`
	Plan                    PlanSummary  `json:"plan"`
	Agents                  []AgentUsage `json:"agents"`
	TotalOverageCostInCents int64        `json:"total_overage_cost_cents"`
	Alerts                  []Alert      `json:"alerts"`
}
