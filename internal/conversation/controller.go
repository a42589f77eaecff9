// Package conversation drives one signed-in user's query cycle: admission,
// thread bookkeeping, the completion call and the debit that follows it.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/completion"
	"github.com/xaenox/wwtd-bot/internal/metrics"
	"github.com/xaenox/wwtd-bot/internal/models"
)

const (
	DefaultSystemPrompt = "You are a christian assistant providing helpful advice for users based on the teachings of Jesus Christ. Quote scripture whenever applicable and provide concise answers."
	DefaultTimeout      = 60 * time.Second

	previewLength = 100
)

type State string

const (
	StateIdle                   State = "idle"
	StateAdmissionCheck         State = "admission-check"
	StatePersistingUserMessage  State = "persisting-user-msg"
	StateAwaitingCompletion     State = "awaiting-completion"
	StatePersistingAssistantMsg State = "persisting-assistant-msg"
	StateDebiting               State = "debiting"
)

type Config struct {
	Model        string
	SystemPrompt string
	// HistoryTurns is how many earlier messages of the current thread are
	// sent along with the query. Zero sends the query alone.
	HistoryTurns int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = completion.DefaultModel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	return c
}

// Ledger is the part of the quota ledger the controller needs.
type Ledger interface {
	Admit(ctx context.Context, userID string) error
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
}

// Threads is the part of the thread store adapter the controller needs.
type Threads interface {
	CreateThread(ctx context.Context, userID, previewMessage, model string) (string, error)
	AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error
	SoftDelete(ctx context.Context, userID, threadID string) error
	FetchMessages(ctx context.Context, userID, threadID string) ([]models.Message, error)
}

// Result describes a completed cycle. ThreadID is empty when the thread could
// not be created. Balance is nil when nothing was debited.
type Result struct {
	ThreadID string
	Reply    models.Message
	Usage    *int64
	Balance  *int64
}

type Controller struct {
	userID    string
	ledger    Ledger
	threads   Threads
	completer completion.Completer
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	state      State
	threadID   string
	window     []models.Message
	draft      string
	cancel     context.CancelFunc
	generation uint64
}

func New(userID string, ledger Ledger, threads Threads, completer completion.Completer, config Config, logger *zap.Logger) *Controller {
	return &Controller{
		userID:    userID,
		ledger:    ledger,
		threads:   threads,
		completer: completer,
		config:    config.withDefaults(),
		logger:    logger.With(zap.String("user_id", userID)),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		state:     StateIdle,
	}
}

// Submit runs one query cycle. Only one cycle may be in flight per
// controller; a second call returns a Busy error.
func (c *Controller) Submit(ctx context.Context, query string) (*Result, error) {
	result, err := c.submit(ctx, query)

	outcome := apperror.Kind(err)
	if errors.Is(err, context.Canceled) {
		outcome = "canceled"
	}
	metrics.QueryFinished(outcome)
	return result, err
}

func (c *Controller) submit(ctx context.Context, query string) (*Result, error) {
	if c.userID == "" {
		return nil, apperror.Unauthenticated("no signed-in user")
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperror.Validation("query is empty", nil)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, apperror.Busy("a query is already in flight")
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateAdmissionCheck
	gen := c.generation
	threadID := c.threadID
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.state = StateIdle
		c.mu.Unlock()
	}()

	if err := c.ledger.Admit(cycleCtx, c.userID); err != nil {
		if errors.Is(err, apperror.ErrQuotaExceeded) {
			c.logger.Info("Query rejected, quota exhausted")
		} else {
			c.logger.Error("Admission check failed", zap.Error(err))
		}
		return nil, err
	}

	c.setState(StatePersistingUserMessage)

	if threadID == "" {
		id, err := c.threads.CreateThread(cycleCtx, c.userID, preview(query), c.config.Model)
		if err != nil {
			c.logger.Error("Failed to create message thread", zap.Error(err))
		} else {
			threadID = id
			c.mu.Lock()
			if c.generation == gen {
				c.threadID = id
			}
			c.mu.Unlock()
		}
	}

	userMsg := models.Message{
		ID:        c.newID(),
		ThreadID:  threadID,
		Role:      models.RoleUser,
		Content:   query,
		Timestamp: c.now(),
	}
	history := c.appendWindow(gen, userMsg)
	c.persist(cycleCtx, threadID, userMsg)

	c.mu.Lock()
	c.draft = ""
	c.state = StateAwaitingCompletion
	c.mu.Unlock()

	started := time.Now()
	callCtx, cancelCall := context.WithTimeout(cycleCtx, c.config.Timeout)
	resp, err := c.completer.Complete(callCtx, c.request(history, query))
	cancelCall()

	// Past this point Cancel is ignored: the reply is either committed in full
	// or not at all.
	c.mu.Lock()
	if cycleCtx.Err() == nil && err == nil {
		c.state = StatePersistingAssistantMsg
	}
	c.mu.Unlock()

	if cycleCtx.Err() != nil {
		metrics.CompletionObserved("canceled", time.Since(started))
		c.logger.Info("Query cancelled before completion arrived", zap.String("thread_id", threadID))
		return nil, cycleCtx.Err()
	}
	if err != nil {
		metrics.CompletionObserved("error", time.Since(started))
		c.logger.Error("Completion failed", zap.Error(err), zap.String("thread_id", threadID))
		if !errors.Is(err, apperror.ErrUpstream) {
			err = apperror.Upstream("completion", err)
		}
		return nil, err
	}
	metrics.CompletionObserved("ok", time.Since(started))

	reply := models.Message{
		ID:        c.newID(),
		ThreadID:  threadID,
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		Timestamp: c.now(),
	}
	c.appendWindow(gen, reply)
	c.persist(cycleCtx, threadID, reply)

	result := &Result{ThreadID: threadID, Reply: reply, Usage: resp.Usage}

	if resp.Usage != nil {
		c.setState(StateDebiting)
		balance, err := c.ledger.Debit(cycleCtx, c.userID, *resp.Usage)
		if err != nil {
			c.logger.Error("Failed to debit tokens", zap.Error(err), zap.Int64("amount", *resp.Usage))
		} else {
			result.Balance = &balance
		}
	}

	return result, nil
}

func (c *Controller) request(history []models.Message, query string) completion.Request {
	turns := []completion.Turn{{Role: completion.RoleSystem, Content: c.config.SystemPrompt}}

	if n := c.config.HistoryTurns; n > 0 {
		// history ends with the message being sent
		earlier := history[:len(history)-1]
		if len(earlier) > n {
			earlier = earlier[len(earlier)-n:]
		}
		for _, msg := range earlier {
			turns = append(turns, completion.Turn{Role: string(msg.Role), Content: msg.Content})
		}
	}

	turns = append(turns, completion.Turn{Role: completion.RoleUser, Content: query})
	return completion.Request{Model: c.config.Model, Turns: turns}
}

func (c *Controller) persist(ctx context.Context, threadID string, msg models.Message) {
	if threadID == "" {
		return
	}
	if err := c.threads.AppendMessage(ctx, c.userID, threadID, &msg); err != nil {
		c.logger.Error("Failed to persist message",
			zap.Error(err),
			zap.String("thread_id", threadID),
			zap.String("role", string(msg.Role)))
	}
}

// appendWindow adds msg unless the conversation was switched since the cycle
// began, and returns a copy of the window.
func (c *Controller) appendWindow(gen uint64, msg models.Message) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.window = append(c.window, msg)
		return append([]models.Message(nil), c.window...)
	}
	return []models.Message{msg}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Cancel aborts the in-flight cycle, if any. The assistant reply and the
// debit are skipped. Once the reply is being committed Cancel has no effect.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePersistingAssistantMsg || c.state == StateDebiting {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// NewConversation starts over without a current thread.
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return apperror.Busy("a query is already in flight")
	}
	c.switchTo("", nil)
	return nil
}

// OpenThread makes threadID current and loads its messages into the window.
func (c *Controller) OpenThread(ctx context.Context, threadID string) error {
	if c.userID == "" {
		return apperror.Unauthenticated("no signed-in user")
	}
	if c.State() != StateIdle {
		return apperror.Busy("a query is already in flight")
	}

	msgs, err := c.threads.FetchMessages(ctx, c.userID, threadID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return apperror.Busy("a query is already in flight")
	}
	c.switchTo(threadID, msgs)
	return nil
}

// DeleteThread soft-deletes threadID and resets the conversation when it was
// the current one.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	if c.userID == "" {
		return apperror.Unauthenticated("no signed-in user")
	}
	if err := c.threads.SoftDelete(ctx, c.userID, threadID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.threadID == threadID {
		if c.cancel != nil {
			c.cancel()
		}
		c.switchTo("", nil)
	}
	return nil
}

// Reset cancels any cycle and forgets the conversation. Used on sign-out.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.switchTo("", nil)
	c.draft = ""
}

// switchTo must be called with mu held.
func (c *Controller) switchTo(threadID string, window []models.Message) {
	c.generation++
	c.threadID = threadID
	c.window = window
}

func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.window...)
}

func (c *Controller) CurrentThread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func preview(query string) string {
	runes := []rune(query)
	if len(runes) <= previewLength {
		return query
	}
	return string(runes[:previewLength]) + "..."
}
