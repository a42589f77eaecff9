package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
)

// MemoryQueue is an in-process PaymentQueue and ReceiptSource. The front end
// reports payment outcomes with Complete and Fail; receipts are issued in the
// validation response shape and can be checked with LocalValidator.
// Completed purchases are kept in storage, open transactions only in memory.
type MemoryQueue struct {
	mu           sync.Mutex
	catalog      map[string]Product
	open         map[string]Transaction // added, not yet finished
	finished     map[string]struct{}
	purchases    storage.PurchaseStorage
	transactions chan Transaction
	now          func() time.Time
	newID        func() string
}

func NewMemoryQueue(products []Product, purchases storage.PurchaseStorage) *MemoryQueue {
	catalog := make(map[string]Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}
	return &MemoryQueue{
		catalog:      catalog,
		open:         make(map[string]Transaction),
		finished:     make(map[string]struct{}),
		purchases:    purchases,
		transactions: make(chan Transaction, 64),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

func (q *MemoryQueue) Products(ctx context.Context, ids []string) ([]Product, []string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		products []Product
		invalid  []string
	)
	for _, id := range ids {
		if p, ok := q.catalog[id]; ok {
			products = append(products, p)
		} else {
			invalid = append(invalid, id)
		}
	}
	return products, invalid, nil
}

func (q *MemoryQueue) AddPayment(ctx context.Context, userID string, product Product) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.catalog[product.ID]; !ok {
		return "", apperror.NotFound("product", product.ID)
	}
	tx := Transaction{
		ID:        q.newID(),
		UserID:    userID,
		ProductID: product.ID,
		State:     TransactionPurchasing,
		Date:      q.now(),
	}
	q.open[tx.ID] = tx
	return tx.ID, nil
}

// Pending reports whether transactionID is awaiting payment.
func (q *MemoryQueue) Pending(transactionID string) (Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.open[transactionID]
	return tx, ok && tx.State == TransactionPurchasing
}

// Complete records a successful payment and publishes the purchased
// transaction. The purchase is stored before the transaction settles, so a
// storage failure leaves it pending.
func (q *MemoryQueue) Complete(ctx context.Context, transactionID string) error {
	tx, err := q.settle(ctx, transactionID, TransactionPurchased, nil)
	if err != nil {
		return err
	}
	return q.publish(ctx, tx)
}

// Fail publishes a failed transaction with reason.
func (q *MemoryQueue) Fail(ctx context.Context, transactionID string, reason error) error {
	tx, err := q.settle(ctx, transactionID, TransactionFailed, reason)
	if err != nil {
		return err
	}
	return q.publish(ctx, tx)
}

func (q *MemoryQueue) settle(ctx context.Context, transactionID string, state TransactionState, reason error) (Transaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.open[transactionID]
	if !ok {
		return Transaction{}, apperror.NotFound("transaction", transactionID)
	}
	if tx.State != TransactionPurchasing {
		return Transaction{}, fmt.Errorf("transaction %s is already %s", transactionID, tx.State)
	}
	if state == TransactionPurchased {
		date := q.now()
		if err := q.purchases.SavePurchase(ctx, q.purchase(tx, date)); err != nil {
			return Transaction{}, fmt.Errorf("saving purchase %s: %w", transactionID, err)
		}
		tx.Date = date
	}
	tx.State = state
	tx.Err = reason
	q.open[transactionID] = tx
	return tx, nil
}

func (q *MemoryQueue) purchase(tx Transaction, date time.Time) *models.Purchase {
	p := &models.Purchase{
		ID:          tx.ID,
		UserID:      tx.UserID,
		ProductID:   tx.ProductID,
		PurchasedAt: date,
	}
	if period := q.catalog[tx.ProductID].Period; period > 0 {
		expires := date.Add(period)
		p.ExpiresAt = &expires
	}
	return p
}

func (q *MemoryQueue) publish(ctx context.Context, tx Transaction) error {
	select {
	case q.transactions <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Transactions() <-chan Transaction {
	return q.transactions
}

func (q *MemoryQueue) Finish(ctx context.Context, transactionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.finished[transactionID]; done {
		return fmt.Errorf("transaction %s already finished", transactionID)
	}
	if _, ok := q.open[transactionID]; !ok {
		return apperror.NotFound("transaction", transactionID)
	}
	delete(q.open, transactionID)
	q.finished[transactionID] = struct{}{}
	return nil
}

// Finished reports whether Finish was called for transactionID.
func (q *MemoryQueue) Finished(transactionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.finished[transactionID]
	return ok
}

func (q *MemoryQueue) RestoreCompletedTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	purchases, err := q.purchases.ListPurchases(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	restored := make([]Transaction, 0, len(purchases))
	for _, p := range purchases {
		tx := Transaction{
			ID:        q.newID(),
			UserID:    p.UserID,
			ProductID: p.ProductID,
			State:     TransactionRestored,
			Date:      p.PurchasedAt,
		}
		q.open[tx.ID] = tx
		restored = append(restored, tx)
	}
	return restored, nil
}

type receiptEntry struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	ExpiresDateMS string `json:"expires_date_ms"`
}

func (q *MemoryQueue) Receipt(ctx context.Context, userID string) ([]byte, error) {
	purchases, err := q.purchases.ListPurchases(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}

	entries := make([]receiptEntry, 0, len(purchases))
	for _, p := range purchases {
		expires := p.PurchasedAt
		if p.ExpiresAt != nil {
			expires = *p.ExpiresAt
		}
		entries = append(entries, receiptEntry{
			ProductID:     p.ProductID,
			TransactionID: p.ID,
			ExpiresDateMS: strconv.FormatInt(expires.UnixMilli(), 10),
		})
	}

	return json.Marshal(map[string]interface{}{
		"status":              0,
		"latest_receipt_info": entries,
	})
}
