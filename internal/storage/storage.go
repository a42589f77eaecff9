package storage

import (
	"context"

	"github.com/xaenox/wwtd-bot/internal/models"
)

// Storage is the document store collaborator. Layout follows
// users/{userID}/messageThreads/{threadID}/messages/{messageID}.
type Storage interface {
	UserStorage
	ThreadStorage
	PurchaseStorage
	Close() error
}

type UserStorage interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// CreateUser inserts the record and reports false when it already exists.
	CreateUser(ctx context.Context, user *models.User) (bool, error)
	UpdateBalance(ctx context.Context, userID string, balance int64) error
	UpdateSubscription(ctx context.Context, userID string, state models.SubscriptionState) error
	UpdateVoice(ctx context.Context, userID, voice string) error
	DeleteUser(ctx context.Context, userID string) error
}

// PurchaseStorage keeps completed purchases so receipts and restores
// survive restarts.
type PurchaseStorage interface {
	// SavePurchase is idempotent on the purchase id.
	SavePurchase(ctx context.Context, purchase *models.Purchase) error
	// ListPurchases returns the user's purchases, oldest first.
	ListPurchases(ctx context.Context, userID string) ([]models.Purchase, error)
}

type ThreadStorage interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error)
	UpdateThreadStatus(ctx context.Context, userID, threadID string, status models.ThreadStatus) error
	// ListThreads returns threads with the given status, newest first.
	ListThreads(ctx context.Context, userID string, status models.ThreadStatus) ([]models.Thread, error)
	AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error
	// ListMessages returns the thread's messages ordered by timestamp ascending.
	ListMessages(ctx context.Context, userID, threadID string) ([]models.Message, error)

	// Watch registers fn to be called after any thread of userID changes.
	Watch(userID string, fn func()) (cancel func())
}
