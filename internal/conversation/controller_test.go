package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/completion"
	"github.com/xaenox/wwtd-bot/internal/ledger"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
	"github.com/xaenox/wwtd-bot/internal/threads"
)

type harness struct {
	store   *storage.MemoryStorage
	ledger  *ledger.Ledger
	threads *threads.Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage()
	l := ledger.New(store, ledger.DefaultInitialTokens, logger)

	_, err := l.EnsureAccount(context.Background(), models.User{ID: "u1", Name: "Ann"})
	require.NoError(t, err)

	return &harness{store: store, ledger: l, threads: threads.NewAdapter(store, logger)}
}

func (h *harness) controller(t *testing.T, c completion.Completer, config Config) *Controller {
	return New("u1", h.ledger, h.threads, c, config, zaptest.NewLogger(t))
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func (h *harness) activeThreads(t *testing.T) []models.Thread {
	t.Helper()
	list, err := h.store.ListThreads(context.Background(), "u1", models.ThreadActive)
	require.NoError(t, err)
	return list
}

func reply(text string, usage int64) completion.Completer {
	return completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		return &completion.Response{Text: text, Usage: &usage}, nil
	})
}

func TestSubmitHappyPath(t *testing.T) {
	h := newHarness(t)
	var got completion.Request
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		got = req
		usage := int64(10)
		return &completion.Response{Text: "Hi", Usage: &usage}, nil
	}), Config{})

	res, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	assert.Equal(t, "Hi", res.Reply.Content)
	require.NotNil(t, res.Balance)
	assert.EqualValues(t, 99990, *res.Balance)
	assert.EqualValues(t, 99990, h.balance(t))

	list := h.activeThreads(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Hello", list[0].PreviewMessage)
	assert.Equal(t, completion.DefaultModel, list[0].Model)
	assert.Equal(t, list[0].ID, res.ThreadID)
	assert.Equal(t, res.ThreadID, c.CurrentThread())

	msgs, err := h.threads.FetchMessages(context.Background(), "u1", res.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Content)

	assert.Len(t, c.Messages(), 2)
	assert.Equal(t, StateIdle, c.State())

	require.Len(t, got.Turns, 2)
	assert.Equal(t, completion.RoleSystem, got.Turns[0].Role)
	assert.Equal(t, DefaultSystemPrompt, got.Turns[0].Content)
	assert.Equal(t, "Hello", got.Turns[1].Content)
}

func TestSubmitReusesCurrentThread(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})

	first, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	second, err := c.Submit(context.Background(), "Again")
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Len(t, h.activeThreads(t), 1)
	assert.Len(t, c.Messages(), 4)
	assert.EqualValues(t, 99998, h.balance(t))
}

func TestSubmitCompletionFailure(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		return nil, errors.New("connection reset")
	}), Config{})

	_, err := c.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperror.ErrUpstream)

	list := h.activeThreads(t)
	require.Len(t, list, 1)
	msgs, err := h.threads.FetchMessages(context.Background(), "u1", list[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	assert.EqualValues(t, 100000, h.balance(t))
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitQuotaExceeded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpdateBalance(context.Background(), "u1", 0))

	called := false
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		called = true
		return &completion.Response{Text: "Hi"}, nil
	}), Config{})

	_, err := c.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)
	assert.False(t, called)
	assert.Empty(t, h.activeThreads(t))
	assert.Empty(t, c.Messages())
}

func TestSubmitSubscribedWithZeroBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpdateBalance(ctx, "u1", 0))
	_, err := h.ledger.SetEntitlement(ctx, "u1", models.SubscriptionState{IsSubscribed: true})
	require.NoError(t, err)

	c := h.controller(t, reply("Hi", 10), Config{})
	res, err := c.Submit(ctx, "Hello")
	require.NoError(t, err)
	require.NotNil(t, res.Balance)
	assert.EqualValues(t, 0, *res.Balance)
}

func TestSubmitWithoutUsageSkipsDebit(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		return &completion.Response{Text: "Hi"}, nil
	}), Config{})

	res, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Nil(t, res.Balance)
	assert.EqualValues(t, 100000, h.balance(t))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})

	_, err := c.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	anon := New("", h.ledger, h.threads, reply("Hi", 1), Config{}, zaptest.NewLogger(t))
	_, err = anon.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestSubmitBusy(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		close(entered)
		<-release
		return &completion.Response{Text: "Hi"}, nil
	}), Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "Hello")
		errc <- err
	}()
	<-entered

	assert.Equal(t, StateAwaitingCompletion, c.State())
	_, err := c.Submit(context.Background(), "Again")
	assert.ErrorIs(t, err, apperror.ErrBusy)
	assert.ErrorIs(t, c.NewConversation(), apperror.ErrBusy)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitCancelled(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		close(entered)
		<-ctx.Done()
		usage := int64(10)
		return &completion.Response{Text: "late", Usage: &usage}, nil
	}), Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "Hello")
		errc <- err
	}()
	<-entered
	c.Cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.EqualValues(t, 100000, h.balance(t))

	list := h.activeThreads(t)
	require.Len(t, list, 1)
	msgs, err := h.threads.FetchMessages(context.Background(), "u1", list[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// cancelOnReply calls cancel when the assistant reply is stored.
type cancelOnReply struct {
	*threads.Adapter
	cancel func()
}

func (t *cancelOnReply) AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error {
	if msg.Role == models.RoleAssistant {
		t.cancel()
	}
	return t.Adapter.AppendMessage(ctx, userID, threadID, msg)
}

func TestCancelDuringCommitIsIgnored(t *testing.T) {
	h := newHarness(t)
	store := &cancelOnReply{Adapter: h.threads}
	c := New("u1", h.ledger, store, reply("Hi", 10), Config{}, zaptest.NewLogger(t))
	store.cancel = c.Cancel

	res, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.NotNil(t, res.Balance)
	assert.EqualValues(t, 99990, h.balance(t))

	msgs, err := h.threads.FetchMessages(context.Background(), "u1", res.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Len(t, c.Messages(), 2)
}

func TestSubmitStoresQueryAsTyped(t *testing.T) {
	h := newHarness(t)
	var got completion.Request
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		got = req
		return &completion.Response{Text: "Hi"}, nil
	}), Config{})

	res, err := c.Submit(context.Background(), "  Hello\n")
	require.NoError(t, err)

	msgs, err := h.threads.FetchMessages(context.Background(), "u1", res.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "  Hello\n", msgs[0].Content)
	assert.Equal(t, "  Hello\n", got.Turns[len(got.Turns)-1].Content)
}

func TestSubmitTimeout(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Config{Timeout: 20 * time.Millisecond})

	_, err := c.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperror.ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitClearsDraft(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})
	c.SetDraft("Hello")
	assert.Equal(t, "Hello", c.Draft())

	_, err := c.Submit(context.Background(), c.Draft())
	require.NoError(t, err)
	assert.Empty(t, c.Draft())
}

func TestSubmitSendsRecentHistory(t *testing.T) {
	h := newHarness(t)
	var got completion.Request
	c := h.controller(t, completion.Func(func(ctx context.Context, req completion.Request) (*completion.Response, error) {
		got = req
		return &completion.Response{Text: "answer to " + req.Turns[len(req.Turns)-1].Content}, nil
	}), Config{HistoryTurns: 2, Model: "gpt-test", SystemPrompt: "be kind"})

	for _, q := range []string{"one", "two", "three"} {
		_, err := c.Submit(context.Background(), q)
		require.NoError(t, err)
	}

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Turns, 4)
	assert.Equal(t, "be kind", got.Turns[0].Content)
	assert.Equal(t, completion.Turn{Role: "user", Content: "two"}, got.Turns[1])
	assert.Equal(t, completion.Turn{Role: "assistant", Content: "answer to two"}, got.Turns[2])
	assert.Equal(t, completion.Turn{Role: "user", Content: "three"}, got.Turns[3])
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "Hello", preview("Hello"))

	exact := strings.Repeat("a", 100)
	assert.Equal(t, exact, preview(exact))

	long := strings.Repeat("é", 150)
	assert.Equal(t, strings.Repeat("é", 100)+"...", preview(long))
}

func TestDeleteCurrentThreadResets(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})

	res, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	require.NoError(t, c.DeleteThread(context.Background(), res.ThreadID))
	assert.Empty(t, c.CurrentThread())
	assert.Empty(t, c.Messages())
	assert.Empty(t, h.activeThreads(t))

	next, err := c.Submit(context.Background(), "Fresh start")
	require.NoError(t, err)
	assert.NotEqual(t, res.ThreadID, next.ThreadID)
}

func TestOpenThreadLoadsMessages(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})

	res, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.NoError(t, c.NewConversation())
	assert.Empty(t, c.Messages())

	require.NoError(t, c.OpenThread(context.Background(), res.ThreadID))
	assert.Equal(t, res.ThreadID, c.CurrentThread())
	assert.Len(t, c.Messages(), 2)

	assert.ErrorIs(t, c.OpenThread(context.Background(), "missing"), apperror.ErrNotFound)
}

func TestResetForgetsConversation(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, reply("Hi", 1), Config{})

	_, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	c.SetDraft("unsent")

	c.Reset()
	assert.Empty(t, c.CurrentThread())
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.Draft())
}
