package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	"github.com/smallbiznis/agentmeter/pkg/db/option"
	"github.com/smallbiznis/agentmeter/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*subscriptiondomain.Subscription, error) {
	return repository.ProvideStore[subscriptiondomain.Subscription](db).FindOne(ctx,
		&subscriptiondomain.Subscription{TenantID: tenantID},
		option.ApplyOrder("created_at", true),
		option.ApplyOrder("id", true),
	)
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*subscriptiondomain.Plan, error) {
	return repository.ProvideStore[subscriptiondomain.Plan](db).FindOne(ctx,
		&subscriptiondomain.Plan{ID: planID},
	)
}

func (r *repo) ListByStatus(
	ctx context.Context,
	db *gorm.DB,
	statuses []subscriptiondomain.SubscriptionStatus,
	afterID snowflake.ID,
	limit int,
) ([]subscriptiondomain.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	rows, err := repository.ProvideStore[subscriptiondomain.Subscription](db).Find(ctx, nil,
		option.ApplyIn("status", values),
		option.ApplyAfterID(afterID.Int64()),
		option.ApplyOrder("id", false),
		option.ApplyLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	out := make([]subscriptiondomain.Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}
