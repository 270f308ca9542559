package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the persistence boundary of the usage ledger.
type Repository interface {
	// InsertEvent appends an event. A reused idempotency key yields ErrDuplicateEvent.
	InsertEvent(ctx context.Context, tx *gorm.DB, event *UsageEvent) error
	// IncrementCounter adds delta to the counter for key, creating it with the
	// given period bounds when it does not exist yet.
	IncrementCounter(ctx context.Context, tx *gorm.DB, key CounterKey, periodEnd time.Time, delta int64, at time.Time) error
	// EnsureCounter creates a zero counter when none exists. Reports whether a row was created.
	EnsureCounter(ctx context.Context, tx *gorm.DB, key CounterKey, periodEnd time.Time, at time.Time) (bool, error)
	GetCounter(ctx context.Context, tx *gorm.DB, key CounterKey) (*UsageCounter, error)
	ListCountersForPeriod(ctx context.Context, tx *gorm.DB, tenantID string, periodStart time.Time) ([]UsageCounter, error)
	SumEvents(ctx context.Context, tx *gorm.DB, tenantID string, agent Agent, from, to time.Time) (int64, error)
	// CompareAndSetCount overwrites the count only if it still equals expected.
	CompareAndSetCount(ctx context.Context, tx *gorm.DB, counterID int64, expected, value int64, at time.Time) (bool, error)
}
