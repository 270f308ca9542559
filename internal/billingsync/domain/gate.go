package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ActionSet reports an absolute quantity for the period, so replays converge.
const ActionSet = "set"

type UsageReport struct {
	TargetRef      string
	Quantity       int64
	Timestamp      time.Time
	IdempotencyKey string
	Action         string
}

// UsageReporter delivers usage to the external billing provider.
type UsageReporter interface {
	Name() string
	ReportUsage(ctx context.Context, report UsageReport) error
}

// Gate reports usage through the circuit breaker.
type Gate interface {
	Report(ctx context.Context, targetRef string, quantity int64, timestamp time.Time, idempotencyKey string) error
	Status(ctx context.Context) (Status, error)
}

var (
	ErrInvalidTarget   = errors.New("invalid_target")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrInvalidConfig   = errors.New("invalid_provider_config")
)

// ProviderError is a non-success answer from the billing provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
