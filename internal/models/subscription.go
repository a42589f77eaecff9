package models

import "time"

// SubscriptionState is the entitlement derived from receipt validation.
// Only the billing reconciler writes it.
type SubscriptionState struct {
	IsSubscribed   bool       `json:"is_subscribed"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	PlanID         *string    `json:"plan_id,omitempty"`
}

// Unsubscribed is the state written when no entitlement is found
func Unsubscribed() SubscriptionState {
	return SubscriptionState{}
}

// Equal reports whether all three fields match
func (s SubscriptionState) Equal(other SubscriptionState) bool {
	if s.IsSubscribed != other.IsSubscribed {
		return false
	}
	if !equalTime(s.ExpirationDate, other.ExpirationDate) {
		return false
	}
	return equalString(s.PlanID, other.PlanID)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
