package domain

import (
	"context"
	"errors"

	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
)

type Service interface {
	GetUsageStats(ctx context.Context, tenantID string) (*UsageStatsReport, error)
	// GetUsageForAgent returns nil, nil when the agent has no counter in the current period.
	GetUsageForAgent(ctx context.Context, tenantID string, agent usagedomain.Agent) (*AgentUsage, error)
}

var (
	ErrNotFound  = errors.New("not_found")
	ErrForbidden = errors.New("forbidden")
	ErrInternal  = errors.New("internal_error")
)
