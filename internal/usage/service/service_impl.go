package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/agentmeter/internal/clock"
	"github.com/smallbiznis/agentmeter/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Repo          usagedomain.Repository
	Subscriptions subscriptiondomain.Provider
	Catalog       usagedomain.CatalogSource
	Clock         clock.Clock
	Metrics       *metrics.Metrics    `optional:"true"`
	Validate      *validator.Validate `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	repo          usagedomain.Repository
	subscriptions subscriptiondomain.Provider
	catalog       usagedomain.CatalogSource
	clock         clock.Clock
	metrics       *metrics.Metrics
	validate      *validator.Validate
}

func NewService(p Params) usagedomain.Recorder {
	validate := p.Validate
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.recorder"),
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		clock:         clk,
		metrics:       p.Metrics,
		validate:      validate,
	}
}

// Track appends one usage event and bumps the period counter in a single
// transaction. It never calls the billing provider.
func (s *Service) Track(ctx context.Context, req usagedomain.TrackRequest) (*usagedomain.UsageEvent, error) {
	started := s.clock.Now()

	req, err := s.normalize(req)
	if err != nil {
		s.metrics.RecordUsageRejected(ctx, string(req.Agent), rejectReason(err))
		return nil, err
	}

	sub, err := s.subscriptions.GetActiveSubscription(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			s.metrics.RecordUsageRejected(ctx, string(req.Agent), rejectReason(usagedomain.ErrNoSubscription))
			return nil, usagedomain.ErrNoSubscription
		}
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if !sub.Status.Usable() {
		s.metrics.RecordUsageRejected(ctx, string(req.Agent), rejectReason(usagedomain.ErrSubscriptionInactive))
		return nil, usagedomain.ErrSubscriptionInactive
	}
	periodStart, periodEnd, ok := sub.Period()
	if !ok {
		s.metrics.RecordUsageRejected(ctx, string(req.Agent), rejectReason(usagedomain.ErrNoBillingPeriod))
		return nil, usagedomain.ErrNoBillingPeriod
	}

	now := s.clock.Now()
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = usagedomain.TimedIdempotencyKey(req.TenantID, req.Agent, req.ResourceID, req.ActionType, now)
	}

	event := &usagedomain.UsageEvent{
		TenantID:       req.TenantID,
		Agent:          req.Agent,
		ActionType:     req.ActionType,
		ResourceID:     optionalString(req.ResourceID),
		Quantity:       req.Quantity,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if len(req.Metadata) > 0 {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	counterKey := usagedomain.CounterKey{
		TenantID:    req.TenantID,
		Agent:       req.Agent,
		PeriodStart: periodStart,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertEvent(ctx, tx, event); err != nil {
			return err
		}
		return s.repo.IncrementCounter(ctx, tx, counterKey, periodEnd, req.Quantity, now)
	})
	if err != nil {
		if errors.Is(err, usagedomain.ErrDuplicateEvent) {
			s.metrics.RecordUsageDuplicate(ctx, string(req.Agent))
			s.log.Debug("duplicate usage event",
				zap.String("tenant_id", req.TenantID),
				zap.String("agent", string(req.Agent)),
				zap.String("idempotency_key", key),
			)
			return nil, usagedomain.ErrDuplicateEvent
		}
		s.log.Error("failed to record usage",
			zap.String("tenant_id", req.TenantID),
			zap.String("agent", string(req.Agent)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record usage: %w", err)
	}

	s.metrics.RecordUsageTracked(ctx, string(req.Agent), req.ActionType, req.Quantity, s.clock.Now().Sub(started))
	s.log.Debug("usage tracked",
		zap.String("tenant_id", req.TenantID),
		zap.String("agent", string(req.Agent)),
		zap.String("action_type", req.ActionType),
		zap.Int64("quantity", req.Quantity),
		zap.Time("period_start", periodStart),
	)
	return event, nil
}

func (s *Service) normalize(req usagedomain.TrackRequest) (usagedomain.TrackRequest, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ActionType = strings.TrimSpace(req.ActionType)
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	req.Agent = usagedomain.Agent(strings.ToLower(strings.TrimSpace(string(req.Agent))))

	if _, ok := s.catalog.Catalog().Lookup(req.Agent); !ok {
		return req, usagedomain.ErrInvalidAgent
	}
	if req.Quantity < 0 {
		return req, usagedomain.ErrInvalidQuantity
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return req, fmt.Errorf("%w: %s %s", usagedomain.ErrInvalidRequest, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return req, fmt.Errorf("%w: %v", usagedomain.ErrInvalidRequest, err)
	}
	return req, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, usagedomain.ErrInvalidAgent):
		return "invalid_agent"
	case errors.Is(err, usagedomain.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, usagedomain.ErrSubscriptionInactive):
		return "subscription_inactive"
	case errors.Is(err, usagedomain.ErrNoSubscription):
		return "no_subscription"
	case errors.Is(err, usagedomain.ErrNoBillingPeriod):
		return "no_billing_period"
	default:
		return "invalid_request"
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
