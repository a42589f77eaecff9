// Package ledger owns the per-user token balance and the subscription flag
// that overrides it.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/metrics"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
)

// DefaultInitialTokens is granted to every new account.
const DefaultInitialTokens = 100000

type Ledger struct {
	store         storage.UserStorage
	initialTokens int64
	logger        *zap.Logger
	now           func() time.Time

	mu    sync.RWMutex
	cache map[string]models.User
}

func New(store storage.UserStorage, initialTokens int64, logger *zap.Logger) *Ledger {
	if initialTokens <= 0 {
		initialTokens = DefaultInitialTokens
	}
	return &Ledger{
		store:         store,
		initialTokens: initialTokens,
		logger:        logger,
		now:           time.Now,
		cache:         make(map[string]models.User),
	}
}

// EnsureAccount creates the user record on first sign-in. An existing record
// is left untouched.
func (l *Ledger) EnsureAccount(ctx context.Context, user models.User) (*models.User, error) {
	if user.ID == "" {
		return nil, apperror.Unauthenticated("user id is empty")
	}

	user.AvailableTokens = l.initialTokens
	user.IsSubscribed = false
	user.SubscriptionExpiresAt = nil
	user.SubscriptionPlan = nil
	user.Voice = ""
	if user.CreatedAt.IsZero() {
		user.CreatedAt = l.now()
	}

	created, err := l.store.CreateUser(ctx, &user)
	if err != nil {
		return nil, err
	}
	if created {
		l.logger.Info("Created account",
			zap.String("user_id", user.ID),
			zap.Int64("available_tokens", user.AvailableTokens))
	}

	return l.read(ctx, user.ID)
}

// GetBalance is always a point read against the store.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	user, err := l.read(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.AvailableTokens, nil
}

// Debit subtracts amount from the balance, clamping at zero, and returns the
// new balance. Read then write: callers must not debit the same user
// concurrently.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, apperror.Validation("debit amount must not be negative", nil)
	}

	user, err := l.read(ctx, userID)
	if err != nil {
		return 0, err
	}

	balance := user.AvailableTokens - amount
	if balance < 0 {
		balance = 0
	}

	if err := l.store.UpdateBalance(ctx, userID, balance); err != nil {
		return 0, err
	}

	user.AvailableTokens = balance
	l.remember(*user)
	metrics.TokensDebited(amount)

	l.logger.Debug("Debited tokens",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance))
	return balance, nil
}

// SetEntitlement writes the subscription fields unless they already match,
// and reports whether a write happened.
func (l *Ledger) SetEntitlement(ctx context.Context, userID string, state models.SubscriptionState) (bool, error) {
	user, err := l.read(ctx, userID)
	if err != nil {
		return false, err
	}

	if user.Subscription().Equal(state) {
		return false, nil
	}

	if err := l.store.UpdateSubscription(ctx, userID, state); err != nil {
		return false, err
	}

	user.IsSubscribed = state.IsSubscribed
	user.SubscriptionExpiresAt = state.ExpirationDate
	user.SubscriptionPlan = state.PlanID
	l.remember(*user)

	l.logger.Info("Updated subscription status",
		zap.String("user_id", userID),
		zap.Bool("is_subscribed", state.IsSubscribed))
	return true, nil
}

// Admit lets a query through iff the user is subscribed or has tokens left.
func (l *Ledger) Admit(ctx context.Context, userID string) error {
	user, err := l.read(ctx, userID)
	if err != nil {
		return err
	}
	if !Admits(*user) {
		return apperror.QuotaExceeded(userID)
	}
	return nil
}

// Admits is the admission rule on its own.
func Admits(user models.User) bool {
	return user.IsSubscribed || user.AvailableTokens > 0
}

// Snapshot returns the last state seen for display purposes. It is never used
// for admission.
func (l *Ledger) Snapshot(userID string) (models.User, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	user, ok := l.cache[userID]
	return user, ok
}

// Reset drops cached state for a signed-out user.
func (l *Ledger) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, userID)
}

func (l *Ledger) read(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated("user id is empty")
	}
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.remember(*user)
	return user, nil
}

func (l *Ledger) remember(user models.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[user.ID] = user
}
