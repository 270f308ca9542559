package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
)

// ComputeAgentUsage derives limit, percentage and overage for one agent.
func ComputeAgentUsage(spec usagedomain.AgentSpec, count, allowance int64) AgentUsage {
	usage := AgentUsage{
		Agent:            spec.Agent,
		Count:            count,
		Limit:            allowance,
		UnitPriceInCents: spec.UnitPriceInCents,
	}
	if allowance <= 0 {
		usage.Limit = UnlimitedAllowance
		usage.Unlimited = true
	}
	usage.Percentage = count * 100 / usage.Limit
	if count > usage.Limit {
		usage.Overage = count - usage.Limit
	}
	usage.OverageCostInCents = usage.Overage * spec.UnitPriceInCents
	return usage
}

// AlertFor returns the alert for usage, if any.
func AlertFor(spec usagedomain.AgentSpec, usage AgentUsage) *Alert {
	name := spec.DisplayName
	if name == "" {
		name = string(spec.Agent)
	}
	switch {
	case usage.Percentage >= ErrorThresholdPct:
		return &Alert{
			Agent: usage.Agent,
			Level: AlertLevelError,
			Message: fmt.Sprintf("%s quota exceeded: %d of %d actions used, $%s overage",
				name, usage.Count, usage.Limit, FormatCents(usage.OverageCostInCents)),
		}
	case usage.Percentage >= WarningThresholdPct:
		return &Alert{
			Agent: usage.Agent,
			Level: AlertLevelWarning,
			Message: fmt.Sprintf("%s at %d%% of quota used (%d of %d actions)",
				name, usage.Percentage, usage.Count, usage.Limit),
		}
	default:
		return nil
	}
}

// FormatCents renders cents as a dollar amount with two decimals.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
