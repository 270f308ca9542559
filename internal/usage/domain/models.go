// Package domain contains persistence models for the usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is one recorded billable action. Rows are append-only.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       string            `gorm:"type:text;not null;index:idx_usage_events_tenant_agent_created,priority:1"`
	Agent          Agent             `gorm:"type:text;not null;index:idx_usage_events_tenant_agent_created,priority:2"`
	ActionType     string            `gorm:"type:text;not null"`
	ResourceID     *string           `gorm:"type:text"`
	Quantity       int64             `gorm:"not null;default:1"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency_key"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;index:idx_usage_events_tenant_agent_created,priority:3"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageCounter caches the sum of event quantities for one tenant, agent and
// billing period.
type UsageCounter struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_period,priority:1"`
	Agent       Agent        `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_period,priority:2"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_usage_counters_period,priority:3"`
	PeriodEnd   time.Time    `gorm:"not null"`
	Count       int64        `gorm:"not null;default:0"`
	LastEventAt *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// CounterKey addresses a single counter row.
type CounterKey struct {
	TenantID    string
	Agent       Agent
	PeriodStart time.Time
}
