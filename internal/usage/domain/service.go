package domain

import (
	"context"
	"errors"
	"fmt"
)

type TrackRequest struct {
	TenantID   string         `json:"tenant_id" validate:"required,max=128"`
	Agent      Agent          `json:"agent"`
	ActionType string         `json:"action_type" validate:"required,max=128"`
	ResourceID string         `json:"resource_id,omitempty" validate:"max=256"`
	Quantity   int64          `json:"quantity"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// IdempotencyKey is optional. When empty a key is derived from the request
	// and the current time.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=256"`
}

// Recorder records billable agent actions against the usage ledger.
type Recorder interface {
	Track(context.Context, TrackRequest) (*UsageEvent, error)
}

var (
	ErrInvalidAgent    = errors.New("invalid_agent")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrNoSubscription  = errors.New("no_subscription")
	ErrNoBillingPeriod = errors.New("no_billing_period")
	ErrDuplicateEvent  = errors.New("duplicate_event")

	// ErrSubscriptionInactive matches ErrNoSubscription for callers that only
	// care whether usage can be recorded.
	ErrSubscriptionInactive = fmt.Errorf("%w: subscription_inactive", ErrNoSubscription)
)
