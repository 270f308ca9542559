// Package domain contains the read model of subscriptions and plans.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial    SubscriptionStatus = "trial"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusEnded    SubscriptionStatus = "ended"
)

// Usable reports whether usage may be reported and read for this status.
func (s SubscriptionStatus) Usable() bool {
	return s == SubscriptionStatusTrial || s == SubscriptionStatusActive
}

// Subscription captures a tenant's billing agreement. Period bounds are
// advanced by the subscription owner; this service only reads them.
type Subscription struct {
	ID                 snowflake.ID                          `gorm:"primaryKey"`
	TenantID           string                                `gorm:"type:text;not null;index"`
	Status             SubscriptionStatus                    `gorm:"type:text;not null"`
	PlanID             *snowflake.ID                         `gorm:""`
	CurrentPeriodStart *time.Time                            `gorm:""`
	CurrentPeriodEnd   *time.Time                            `gorm:""`
	ExternalRef        string                                `gorm:"type:text"`
	BillingItems       datatypes.JSONType[map[string]string] `gorm:""`
	CreatedAt          time.Time                             `gorm:"not null"`
	UpdatedAt          time.Time                             `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// HasBillingPeriod reports whether both period bounds are set.
func (s Subscription) HasBillingPeriod() bool {
	return s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil
}

// Period returns the current period bounds in UTC. ok is false when either bound is missing.
func (s Subscription) Period() (start, end time.Time, ok bool) {
	if !s.HasBillingPeriod() {
		return time.Time{}, time.Time{}, false
	}
	return s.CurrentPeriodStart.UTC(), s.CurrentPeriodEnd.UTC(), true
}

// TargetRef returns the provider item that receives usage for agent.
func (s Subscription) TargetRef(agent string) string {
	if ref := strings.TrimSpace(s.BillingItems.Data()[agent]); ref != "" {
		return ref
	}
	external := strings.TrimSpace(s.ExternalRef)
	if external == "" {
		return ""
	}
	return external + ":" + agent
}

// Plan holds the per-agent monthly allowances keyed by allowance key.
type Plan struct {
	ID         snowflake.ID                         `gorm:"primaryKey"`
	Name       string                               `gorm:"type:text;not null"`
	Active     bool                                 `gorm:"not null;default:true"`
	Allowances datatypes.JSONType[map[string]int64] `gorm:""`
	CreatedAt  time.Time                            `gorm:"not null"`
	UpdatedAt  time.Time                            `gorm:"not null"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// Allowance returns the allowance for key, zero when absent.
func (p Plan) Allowance(key string) int64 {
	return p.Allowances.Data()[key]
}

// AllowanceTable returns a copy of the raw allowance table.
func (p Plan) AllowanceTable() map[string]int64 {
	raw := p.Allowances.Data()
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
