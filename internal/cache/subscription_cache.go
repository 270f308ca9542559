package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
)

const (
	defaultSubscriptionTTL = 30 * time.Second
	defaultPlanTTL         = 10 * time.Minute
)

// SubscriptionCache stores subscription and plan lookups for the recording path.
type SubscriptionCache interface {
	GetSubscription(tenantID string) (subscriptiondomain.Subscription, bool)
	SetSubscription(tenantID string, subscription subscriptiondomain.Subscription)
	GetPlan(planID snowflake.ID) (subscriptiondomain.Plan, bool)
	SetPlan(plan subscriptiondomain.Plan)
}

type subscriptionCache struct {
	subscriptions Cache[string, subscriptiondomain.Subscription]
	plans         Cache[snowflake.ID, subscriptiondomain.Plan]
	subTTL        time.Duration
	planTTL       time.Duration
	now           func() time.Time
}

// NewSubscriptionCache returns an in-memory cache. now drives both entry
// expiry and the period-end check.
func NewSubscriptionCache(now func() time.Time) SubscriptionCache {
	if now == nil {
		now = time.Now
	}
	return &subscriptionCache{
		subscriptions: NewTTLCacheWithClock[string, subscriptiondomain.Subscription](now),
		plans:         NewTTLCacheWithClock[snowflake.ID, subscriptiondomain.Plan](now),
		subTTL:        defaultSubscriptionTTL,
		planTTL:       defaultPlanTTL,
		now:           now,
	}
}

// GetSubscription misses once the cached period has ended, so a rollover done
// by the subscription owner is seen on the first lookup after the boundary.
func (c *subscriptionCache) GetSubscription(tenantID string) (subscriptiondomain.Subscription, bool) {
	key := cacheKey(tenantID)
	sub, ok := c.subscriptions.Get(key)
	if !ok {
		return subscriptiondomain.Subscription{}, false
	}
	if sub.CurrentPeriodEnd != nil && !c.now().Before(*sub.CurrentPeriodEnd) {
		c.subscriptions.Delete(key)
		return subscriptiondomain.Subscription{}, false
	}
	return sub, true
}

func (c *subscriptionCache) SetSubscription(tenantID string, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(cacheKey(tenantID), subscription, c.subTTL)
}

func (c *subscriptionCache) GetPlan(planID snowflake.ID) (subscriptiondomain.Plan, bool) {
	return c.plans.Get(planID)
}

func (c *subscriptionCache) SetPlan(plan subscriptiondomain.Plan) {
	if plan.ID == 0 {
		return
	}
	c.plans.Set(plan.ID, plan, c.planTTL)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
