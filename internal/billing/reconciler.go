package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/metrics"
	"github.com/xaenox/wwtd-bot/internal/models"
)

type State string

const (
	StateIdle       State = "idle"
	StatePurchasing State = "purchasing"
	StateVerifying  State = "verifying"
	StateEntitled   State = "entitled"
	StateFailed     State = "failed"
)

// handledLimit bounds the number of transaction ids remembered for
// duplicate detection.
const handledLimit = 1024

// ErrPaymentFailed is reported when the payment provider fails a transaction
// without a reason.
var ErrPaymentFailed = errors.New("payment failed")

type PurchaseResult struct {
	UserID        string
	ProductID     string
	TransactionID string
	Success       bool
	Err           error
}

type purchase struct {
	userID    string
	productID string
	done      func(PurchaseResult)
}

type Reconciler struct {
	queue        PaymentQueue
	receipts     ReceiptSource
	validator    Validator
	entitlements Entitlements
	productIDs   []string
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	products map[string]Product
	states   map[string]State
	pending  map[string]purchase // transactionID -> purchase
	inflight map[string]string   // userID -> transactionID
	handled  map[string]struct{}
	order    []string // handled ids, oldest first
	limit    int
}

func NewReconciler(queue PaymentQueue, receipts ReceiptSource, validator Validator, entitlements Entitlements, productIDs []string, logger *zap.Logger) *Reconciler {
	if len(productIDs) == 0 {
		productIDs = DefaultProductIDs
	}
	return &Reconciler{
		queue:        queue,
		receipts:     receipts,
		validator:    validator,
		entitlements: entitlements,
		productIDs:   productIDs,
		logger:       logger,
		now:          time.Now,
		products:     make(map[string]Product),
		states:       make(map[string]State),
		pending:      make(map[string]purchase),
		inflight:     make(map[string]string),
		handled:      make(map[string]struct{}),
		limit:        handledLimit,
	}
}

// LoadProducts fetches the configured products from the catalog. Unknown ids
// are logged and left out.
func (r *Reconciler) LoadProducts(ctx context.Context) ([]Product, error) {
	products, invalid, err := r.queue.Products(ctx, r.productIDs)
	if err != nil {
		return nil, apperror.Upstream("product catalog", err)
	}
	for _, id := range invalid {
		r.logger.Warn("Invalid product identifier", zap.String("product_id", id))
	}

	r.mu.Lock()
	r.products = make(map[string]Product, len(products))
	for _, p := range products {
		r.products[p.ID] = p
	}
	r.mu.Unlock()

	r.logger.Info("Loaded products", zap.Int("count", len(products)))
	return r.Products(), nil
}

// Products returns the loaded catalog ordered by price.
func (r *Reconciler) Products() []Product {
	r.mu.Lock()
	defer r.mu.Unlock()

	products := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Price != products[j].Price {
			return products[i].Price < products[j].Price
		}
		return products[i].ID < products[j].ID
	})
	return products
}

// StartPurchase registers a payment for productID and returns its
// transaction id. done is called once the transaction settles.
func (r *Reconciler) StartPurchase(ctx context.Context, userID, productID string, done func(PurchaseResult)) (string, error) {
	if userID == "" {
		return "", apperror.Unauthenticated("user id is empty")
	}

	r.mu.Lock()
	product, ok := r.products[productID]
	if !ok {
		r.mu.Unlock()
		return "", apperror.NotFound("product", productID)
	}
	if _, busy := r.inflight[userID]; busy {
		r.mu.Unlock()
		return "", apperror.Busy("a purchase is already in progress")
	}
	r.inflight[userID] = ""
	r.setStateLocked(userID, StatePurchasing)
	r.mu.Unlock()

	txID, err := r.queue.AddPayment(ctx, userID, product)
	if err != nil {
		r.mu.Lock()
		delete(r.inflight, userID)
		r.setStateLocked(userID, StateIdle)
		r.mu.Unlock()
		return "", apperror.Upstream("payment queue", err)
	}

	r.mu.Lock()
	r.inflight[userID] = txID
	r.pending[txID] = purchase{userID: userID, productID: productID, done: done}
	r.mu.Unlock()

	r.logger.Info("Purchase started",
		zap.String("user_id", userID),
		zap.String("product_id", productID),
		zap.String("transaction_id", txID))
	return txID, nil
}

// Run consumes transaction updates until ctx ends or the stream closes.
func (r *Reconciler) Run(ctx context.Context) error {
	updates := r.queue.Transactions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, tx); err != nil {
				r.logger.Error("Transaction update failed",
					zap.Error(err),
					zap.String("user_id", tx.UserID),
					zap.String("transaction_id", tx.ID),
					zap.Stringer("state", tx.State))
			}
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, tx Transaction) error {
	if tx.State == TransactionPurchasing {
		return nil
	}

	r.mu.Lock()
	if _, seen := r.handled[tx.ID]; seen {
		r.mu.Unlock()
		r.logger.Warn("Ignoring duplicate transaction update", zap.String("transaction_id", tx.ID))
		return nil
	}
	r.remember(tx.ID)
	p, isPurchase := r.pending[tx.ID]
	delete(r.pending, tx.ID)
	if isPurchase {
		delete(r.inflight, p.userID)
	}
	r.mu.Unlock()

	if err := r.queue.Finish(ctx, tx.ID); err != nil {
		r.logger.Error("Failed to finish transaction",
			zap.Error(err),
			zap.String("transaction_id", tx.ID))
	}

	var err error
	switch tx.State {
	case TransactionPurchased, TransactionRestored:
		err = r.verify(ctx, tx.UserID, tx.ProductID, tx.State == TransactionPurchased)
	case TransactionFailed:
		err = tx.Err
		if err == nil {
			err = ErrPaymentFailed
		}
		r.logger.Warn("Transaction failed",
			zap.Error(err),
			zap.String("user_id", tx.UserID),
			zap.String("transaction_id", tx.ID))
		r.fail(tx.UserID)
	}

	if isPurchase && p.done != nil {
		p.done(PurchaseResult{
			UserID:        tx.UserID,
			ProductID:     tx.ProductID,
			TransactionID: tx.ID,
			Success:       err == nil,
			Err:           err,
		})
	}
	return err
}

func (r *Reconciler) remember(transactionID string) {
	r.handled[transactionID] = struct{}{}
	r.order = append(r.order, transactionID)
	for len(r.order) > r.limit {
		delete(r.handled, r.order[0])
		r.order = r.order[1:]
	}
}

// Restore replays the user's completed transactions. With none on record
// the user is marked unsubscribed.
func (r *Reconciler) Restore(ctx context.Context, userID string) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}

	txs, err := r.queue.RestoreCompletedTransactions(ctx, userID)
	if err != nil {
		return apperror.Upstream("payment queue", err)
	}

	if len(txs) == 0 {
		r.logger.Info("No purchases to restore", zap.String("user_id", userID))
		if _, err := r.entitlements.SetEntitlement(ctx, userID, models.Unsubscribed()); err != nil {
			return err
		}
		r.setState(userID, StateIdle)
		return nil
	}

	var last error
	for _, tx := range txs {
		if err := r.handle(ctx, tx); err != nil {
			last = err
		}
	}
	return last
}

// Revalidate checks the current receipt without a purchase. A receipt with
// no entries leaves the stored entitlement as it is; one whose entries have
// all expired ends it.
func (r *Reconciler) Revalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}
	return r.verify(ctx, userID, "", false)
}

// verify validates the receipt and writes the entitlement. purchased marks a
// fresh purchase of productID, which entitles the user even when the receipt
// does not list it yet.
func (r *Reconciler) verify(ctx context.Context, userID, productID string, purchased bool) error {
	r.setState(userID, StateVerifying)

	receipt, err := r.receipts.Receipt(ctx, userID)
	if err != nil {
		r.fail(userID)
		return apperror.Upstream("receipt source", err)
	}

	entries, err := r.validator.Validate(ctx, receipt)
	if err != nil {
		r.logger.Error("Receipt validation failed", zap.Error(err), zap.String("user_id", userID))
		r.fail(userID)
		return err
	}

	state := models.Unsubscribed()
	if entry, ok := SelectEntitlement(entries, r.productIDs, r.now()); ok {
		expires := entry.ExpiresAt
		plan := entry.ProductID
		state = models.SubscriptionState{IsSubscribed: true, ExpirationDate: &expires, PlanID: &plan}
	} else if purchased {
		plan := productID
		state = models.SubscriptionState{IsSubscribed: true, PlanID: &plan}
	} else if len(entries) == 0 {
		r.logger.Info("Receipt has no entries, keeping entitlement", zap.String("user_id", userID))
		r.setState(userID, StateIdle)
		return nil
	}

	if _, err := r.entitlements.SetEntitlement(ctx, userID, state); err != nil {
		r.fail(userID)
		return err
	}

	if state.IsSubscribed {
		r.setState(userID, StateEntitled)
	} else {
		r.setState(userID, StateIdle)
	}
	return nil
}

func (r *Reconciler) fail(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(userID, StateFailed)
	r.setStateLocked(userID, StateIdle)
}

func (r *Reconciler) setState(userID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(userID, state)
}

func (r *Reconciler) setStateLocked(userID string, state State) {
	if r.states[userID] == state {
		return
	}
	r.states[userID] = state
	metrics.EntitlementTransition(string(state))
}

// State returns the purchase state for userID; idle when unknown.
func (r *Reconciler) State(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[userID]; ok {
		return s
	}
	return StateIdle
}

// Forget drops per-user state on sign-out. Pending purchases still settle.
func (r *Reconciler) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, userID)
}
