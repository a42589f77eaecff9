// Package billing reconciles in-app purchase state with the quota ledger.
// The payment provider is reached through PaymentQueue, receipts through
// ReceiptSource and Validator.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/wwtd-bot/internal/models"
)

const (
	MonthlyUnlimited = "monthly_unlimited"
	YearlyUnlimited  = "yearly_unlimited"
)

// DefaultProductIDs are the subscription products offered when none are configured.
var DefaultProductIDs = []string{MonthlyUnlimited, YearlyUnlimited}

type TransactionState int

const (
	TransactionPurchasing TransactionState = iota
	TransactionPurchased
	TransactionFailed
	TransactionRestored
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPurchasing:
		return "purchasing"
	case TransactionPurchased:
		return "purchased"
	case TransactionFailed:
		return "failed"
	case TransactionRestored:
		return "restored"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

type Transaction struct {
	ID        string
	UserID    string
	ProductID string
	State     TransactionState
	Date      time.Time
	Err       error // set for failed transactions
}

type Product struct {
	ID          string
	Title       string
	Description string
	Price       int64 // minor units
	Currency    string
	Period      time.Duration
}

// FormattedPrice renders the price as "4.99 USD".
func (p Product) FormattedPrice() string {
	return fmt.Sprintf("%d.%02d %s", p.Price/100, p.Price%100, p.Currency)
}

// PaymentQueue is the billing collaborator: product catalog, payments and
// the stream of transaction updates.
type PaymentQueue interface {
	Products(ctx context.Context, ids []string) (products []Product, invalid []string, err error)
	AddPayment(ctx context.Context, userID string, product Product) (string, error)
	Transactions() <-chan Transaction
	Finish(ctx context.Context, transactionID string) error
	RestoreCompletedTransactions(ctx context.Context, userID string) ([]Transaction, error)
}

type ReceiptSource interface {
	Receipt(ctx context.Context, userID string) ([]byte, error)
}

type Validator interface {
	Validate(ctx context.Context, receipt []byte) ([]ReceiptEntry, error)
}

// Entitlements is where the reconciler records the outcome. Implemented by
// the quota ledger.
type Entitlements interface {
	SetEntitlement(ctx context.Context, userID string, state models.SubscriptionState) (bool, error)
}

type ReceiptEntry struct {
	ProductID string
	ExpiresAt time.Time
}

// SelectEntitlement returns the entry with the latest expiration among those
// that are unexpired at now and name one of productIDs.
func SelectEntitlement(entries []ReceiptEntry, productIDs []string, now time.Time) (ReceiptEntry, bool) {
	known := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		known[id] = struct{}{}
	}

	var (
		best  ReceiptEntry
		found bool
	)
	for _, entry := range entries {
		if _, ok := known[entry.ProductID]; !ok {
			continue
		}
		if !entry.ExpiresAt.After(now) {
			continue
		}
		if !found || entry.ExpiresAt.After(best.ExpiresAt) {
			best = entry
			found = true
		}
	}
	return best, found
}
