package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/agentmeter/internal/cache"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 500

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  subscriptiondomain.Repository
	Cache cache.SubscriptionCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  subscriptiondomain.Repository
	cache cache.SubscriptionCache
}

func NewService(p Params) subscriptiondomain.Provider {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) GetActiveSubscription(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, subscriptiondomain.ErrInvalidTenant
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetSubscription(tenantID); ok {
			return &cached, nil
		}
	}

	sub, err := s.repo.FindCurrentByTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	if s.cache != nil {
		s.cache.SetSubscription(tenantID, *sub)
	}
	return sub, nil
}

func (s *Service) GetPlan(ctx context.Context, planID snowflake.ID) (*subscriptiondomain.Plan, error) {
	if planID == 0 {
		return nil, subscriptiondomain.ErrPlanNotFound
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetPlan(planID); ok {
			return &cached, nil
		}
	}

	plan, err := s.repo.FindPlan(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, subscriptiondomain.ErrPlanNotFound
	}

	if s.cache != nil {
		s.cache.SetPlan(*plan)
	}
	return plan, nil
}

// ListBillable always reads through to the database.
func (s *Service) ListBillable(ctx context.Context, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListByStatus(ctx, s.db, []subscriptiondomain.SubscriptionStatus{
		subscriptiondomain.SubscriptionStatusTrial,
		subscriptiondomain.SubscriptionStatusActive,
	}, afterID, limit)
}
