package threads

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
)

type fixture struct {
	adapter *Adapter
	store   *storage.MemoryStorage
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	_, err := store.CreateUser(context.Background(), &models.User{ID: "u1"})
	require.NoError(t, err)

	f := &fixture{
		adapter: NewAdapter(store, zaptest.NewLogger(t)),
		store:   store,
		clock:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	ids := 0
	f.adapter.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	f.adapter.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	return f
}

func receive(t *testing.T, sub *Subscription) []models.Thread {
	t.Helper()
	select {
	case threads, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return threads
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for thread update")
		return nil
	}
}

func TestCreateThreadRequiresUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.CreateThread(context.Background(), "", "Hello", "gpt-4o")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestCreateThreadIsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.adapter.CreateThread(ctx, "u1", "Hello", "gpt-4o")
	require.NoError(t, err)

	thread, err := f.store.GetThread(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadActive, thread.Status)
	assert.Equal(t, "Hello", thread.PreviewMessage)
	assert.Equal(t, "gpt-4o", thread.Model)
	assert.False(t, thread.DateCreated.IsZero())
}

func TestAppendMessageUnknownThread(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.AppendMessage(context.Background(), "u1", "missing", &models.Message{Role: models.RoleUser})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestFetchMessagesAscending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.adapter.CreateThread(ctx, "u1", "Hello", "gpt-4o")
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	stamps := []time.Duration{3, 1, 2, 1, 0}
	for i, d := range stamps {
		msg := &models.Message{
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("m%d", i),
			Timestamp: base.Add(d * time.Minute),
		}
		require.NoError(t, f.adapter.AppendMessage(ctx, "u1", id, msg))
	}

	msgs, err := f.adapter.FetchMessages(ctx, "u1", id)
	require.NoError(t, err)
	require.Len(t, msgs, len(stamps))
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "messages out of order at %d", i)
	}
}

func TestAppendMessageFillsIDAndTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.adapter.CreateThread(ctx, "u1", "Hello", "gpt-4o")
	require.NoError(t, err)

	msg := &models.Message{Role: models.RoleUser, Content: "Hello"}
	require.NoError(t, f.adapter.AppendMessage(ctx, "u1", id, msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, id, msg.ThreadID)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.adapter.CreateThread(ctx, "u1", "Hello", "gpt-4o")
	require.NoError(t, err)
	require.NoError(t, f.adapter.AppendMessage(ctx, "u1", id, &models.Message{Role: models.RoleUser, Content: "Hello"}))

	require.NoError(t, f.adapter.SoftDelete(ctx, "u1", id))
	require.NoError(t, f.adapter.SoftDelete(ctx, "u1", id))

	thread, err := f.store.GetThread(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadDeleted, thread.Status)

	msgs, err := f.adapter.FetchMessages(ctx, "u1", id)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "soft delete keeps history")

	assert.ErrorIs(t, f.adapter.SoftDelete(ctx, "u1", "missing"), apperror.ErrNotFound)
}

func TestListThreadsIsLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.adapter.CreateThread(ctx, "u1", "first", "gpt-4o")
	require.NoError(t, err)

	sub, err := f.adapter.ListThreads(ctx, "u1")
	require.NoError(t, err)
	defer sub.Cancel()

	threads := receive(t, sub)
	require.Len(t, threads, 1)
	assert.Equal(t, first, threads[0].ID)

	second, err := f.adapter.CreateThread(ctx, "u1", "second", "gpt-4o")
	require.NoError(t, err)
	threads = receive(t, sub)
	require.Len(t, threads, 2)
	assert.Equal(t, second, threads[0].ID, "newest first")

	require.NoError(t, f.adapter.SoftDelete(ctx, "u1", second))
	threads = receive(t, sub)
	require.Len(t, threads, 1)
	assert.Equal(t, first, threads[0].ID)
}

func TestListThreadsCancelClosesUpdates(t *testing.T) {
	f := newFixture(t)

	sub, err := f.adapter.ListThreads(context.Background(), "u1")
	require.NoError(t, err)
	receive(t, sub)

	sub.Cancel()
	_, ok := <-sub.Updates()
	assert.False(t, ok)

	_, err = f.adapter.CreateThread(context.Background(), "u1", "after", "gpt-4o")
	require.NoError(t, err)
}

// racingStore creates a thread right after the first listing returns.
type racingStore struct {
	*storage.MemoryStorage
	once  sync.Once
	write func()
}

func (s *racingStore) ListThreads(ctx context.Context, userID string, status models.ThreadStatus) ([]models.Thread, error) {
	threads, err := s.MemoryStorage.ListThreads(ctx, userID, status)
	s.once.Do(s.write)
	return threads, err
}

func TestListThreadsSeesWriteAfterInitialRead(t *testing.T) {
	f := newFixture(t)
	store := &racingStore{MemoryStorage: f.store}
	store.write = func() {
		err := f.store.CreateThread(context.Background(), &models.Thread{
			ID:          "late",
			UserID:      "u1",
			DateCreated: f.clock,
			Model:       "gpt-4o",
			Status:      models.ThreadActive,
		})
		require.NoError(t, err)
	}
	adapter := NewAdapter(store, zaptest.NewLogger(t))

	sub, err := adapter.ListThreads(context.Background(), "u1")
	require.NoError(t, err)
	defer sub.Cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case threads := <-sub.Updates():
			if len(threads) == 1 {
				assert.Equal(t, "late", threads[0].ID)
				return
			}
			assert.Empty(t, threads)
		case <-deadline:
			t.Fatal("write after the initial read never reached the subscriber")
		}
	}
}

func TestListThreadsRequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.ListThreads(context.Background(), "")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}
