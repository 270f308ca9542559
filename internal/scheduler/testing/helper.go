// Package testing moves subscription periods and skews counters so the
// scheduled jobs can be exercised without waiting for real time to pass.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"gorm.io/gorm"
)

type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AdvancePeriod moves a subscription to the period that follows its current one.
func (ta *TimeAccelerator) AdvancePeriod(ctx context.Context, subscriptionID snowflake.ID) (time.Time, time.Time, error) {
	var period struct {
		CurrentPeriodStart time.Time
		CurrentPeriodEnd   time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT current_period_start, current_period_end
		 FROM subscriptions
		 WHERE id = ?`,
		subscriptionID,
	).Scan(&period).Error
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	start := period.CurrentPeriodEnd.UTC()
	end := start.AddDate(0, 1, 0)
	return start, end, ta.SetPeriod(ctx, subscriptionID, start, end)
}

func (ta *TimeAccelerator) SetPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET current_period_start = ?, current_period_end = ?, updated_at = ?
		 WHERE id = ?`,
		periodStart.UTC(),
		periodEnd.UTC(),
		time.Now().UTC(),
		subscriptionID,
	).Error
}

// SkewCounter overwrites a counter without touching the event log, producing
// drift for reconciliation.
func (ta *TimeAccelerator) SkewCounter(ctx context.Context, key usagedomain.CounterKey, count int64) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE usage_counters
		 SET count = ?, updated_at = ?
		 WHERE tenant_id = ? AND agent = ? AND period_start = ?`,
		count,
		time.Now().UTC(),
		key.TenantID,
		key.Agent,
		key.PeriodStart.UTC(),
	).Error
}

// CountCounters returns the number of counters a tenant holds for a period.
func (ta *TimeAccelerator) CountCounters(ctx context.Context, tenantID string, periodStart time.Time) (int64, error) {
	var n int64
	err := ta.db.WithContext(ctx).
		Model(&usagedomain.UsageCounter{}).
		Where("tenant_id = ? AND period_start = ?", tenantID, periodStart.UTC()).
		Count(&n).Error
	return n, err
}
