package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// FindCurrentByTenant returns the tenant's most recent subscription, nil when none exists.
	FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*Subscription, error)
	FindPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*Plan, error)
	// ListByStatus pages subscriptions in id order.
	ListByStatus(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus, afterID snowflake.ID, limit int) ([]Subscription, error)
}
