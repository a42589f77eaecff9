package models

import "time"

// User represents a signed-in account with its quota and subscription fields
type User struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Email                 string     `json:"email"`
	ProfilePhoto          string     `json:"profile_photo"`
	AvailableTokens       int64      `json:"available_tokens"`
	IsSubscribed          bool       `json:"is_subscribed"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	SubscriptionPlan      *string    `json:"subscription_plan,omitempty"`
	Voice                 string     `json:"voice,omitempty"` // empty: spoken replies off
	CreatedAt             time.Time  `json:"created_at"`
}

// Subscription returns the entitlement fields of the user
func (u *User) Subscription() SubscriptionState {
	return SubscriptionState{
		IsSubscribed:   u.IsSubscribed,
		ExpirationDate: u.SubscriptionExpiresAt,
		PlanID:         u.SubscriptionPlan,
	}
}

type ThreadStatus string

const (
	ThreadActive  ThreadStatus = "active"
	ThreadDeleted ThreadStatus = "deleted"
)

// Thread represents a persisted conversation owned by one user
type Thread struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	DateCreated    time.Time    `json:"date_created"`
	PreviewMessage string       `json:"preview_message"`
	Model          string       `json:"model"`
	Status         ThreadStatus `json:"status"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn inside a thread
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
