package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Provider is the read side of the subscription owner.
type Provider interface {
	// GetActiveSubscription returns the tenant's current subscription whatever
	// its status. Callers decide which statuses they accept.
	GetActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	GetPlan(ctx context.Context, planID snowflake.ID) (*Plan, error)
	// ListBillable pages trial and active subscriptions in id order.
	ListBillable(ctx context.Context, afterID snowflake.ID, limit int) ([]Subscription, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrInvalidTenant        = errors.New("invalid_tenant")
)
