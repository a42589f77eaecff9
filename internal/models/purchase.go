package models

import "time"

// Purchase is a completed subscription payment. ExpiresAt is nil for
// products without a period.
type Purchase struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ProductID   string     `json:"product_id"`
	PurchasedAt time.Time  `json:"purchased_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
