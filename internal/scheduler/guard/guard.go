// Package guard holds the eligibility rules each scheduled job applies to a
// subscription before touching its counters.
package guard

import (
	"errors"

	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
)

var (
	ErrSubscriptionNotBillable = errors.New("subscription_not_billable")
	ErrSubscriptionNotActive   = errors.New("subscription_not_active")
	ErrMissingBillingPeriod    = errors.New("subscription_missing_billing_period")
)

// EnsureCountable admits trial and active subscriptions with both period
// bounds set. Rollover and reconciliation use it.
func EnsureCountable(sub subscriptiondomain.Subscription) error {
	if !sub.Status.Usable() {
		return ErrSubscriptionNotBillable
	}
	if !sub.HasBillingPeriod() {
		return ErrMissingBillingPeriod
	}
	return nil
}

// EnsureChargeable admits only active subscriptions; trials never accrue
// provider-side overage.
func EnsureChargeable(sub subscriptiondomain.Subscription) error {
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		return ErrSubscriptionNotActive
	}
	if !sub.HasBillingPeriod() {
		return ErrMissingBillingPeriod
	}
	return nil
}
