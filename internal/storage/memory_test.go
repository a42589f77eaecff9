package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
)

func seedUser(t *testing.T, s *MemoryStorage, id string) {
	t.Helper()
	created, err := s.CreateUser(context.Background(), &models.User{ID: id, AvailableTokens: 100})
	require.NoError(t, err)
	require.True(t, created)
}

func TestMemoryCreateUserDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")

	created, err := s.CreateUser(ctx, &models.User{ID: "u1", AvailableTokens: 5})
	require.NoError(t, err)
	assert.False(t, created)

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.AvailableTokens)
}

func TestMemoryGetUserNotFound(t *testing.T) {
	_, err := NewMemoryStorage().GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestMemoryListThreadsFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.CreateThread(ctx, &models.Thread{
			ID:          id,
			UserID:      "u1",
			DateCreated: base.Add(time.Duration(i) * time.Hour),
			Status:      models.ThreadActive,
		}))
	}
	require.NoError(t, s.UpdateThreadStatus(ctx, "u1", "mid", models.ThreadDeleted))

	threads, err := s.ListThreads(ctx, "u1", models.ThreadActive)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "new", threads[0].ID)
	assert.Equal(t, "old", threads[1].ID)
}

func TestMemoryMessagesOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")
	require.NoError(t, s.CreateThread(ctx, &models.Thread{ID: "t1", UserID: "u1", Status: models.ThreadActive}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendMessage(ctx, "u1", "t1", &models.Message{ID: "b", Timestamp: base.Add(time.Second)}))
	require.NoError(t, s.AppendMessage(ctx, "u1", "t1", &models.Message{ID: "a", Timestamp: base}))

	msgs, err := s.ListMessages(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "t1", msgs[0].ThreadID)
}

func TestMemoryAppendToUnknownThread(t *testing.T) {
	s := NewMemoryStorage()
	seedUser(t, s, "u1")

	err := s.AppendMessage(context.Background(), "u1", "nope", &models.Message{ID: "m"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestMemoryThreadsAreScopedByUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")
	seedUser(t, s, "u2")
	require.NoError(t, s.CreateThread(ctx, &models.Thread{ID: "t1", UserID: "u1", Status: models.ThreadActive}))

	_, err := s.GetThread(ctx, "u2", "t1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestMemoryWatchNotifiesOnThreadChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")

	calls := 0
	cancel := s.Watch("u1", func() { calls++ })

	require.NoError(t, s.CreateThread(ctx, &models.Thread{ID: "t1", UserID: "u1", Status: models.ThreadActive}))
	require.NoError(t, s.UpdateThreadStatus(ctx, "u1", "t1", models.ThreadDeleted))
	assert.Equal(t, 2, calls)

	cancel()
	cancel()
	require.NoError(t, s.CreateThread(ctx, &models.Thread{ID: "t2", UserID: "u1", Status: models.ThreadActive}))
	assert.Equal(t, 2, calls)
}

func TestMemoryDeleteUserRemovesThreads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")
	require.NoError(t, s.CreateThread(ctx, &models.Thread{ID: "t1", UserID: "u1", Status: models.ThreadActive}))

	require.NoError(t, s.DeleteUser(ctx, "u1"))

	_, err := s.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	threads, err := s.ListThreads(ctx, "u1", models.ThreadActive)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestMemoryPurchasesAreIdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePurchase(ctx, &models.Purchase{ID: "b", UserID: "u1", ProductID: "p", PurchasedAt: base.Add(time.Hour)}))
	require.NoError(t, s.SavePurchase(ctx, &models.Purchase{ID: "a", UserID: "u1", ProductID: "p", PurchasedAt: base}))
	require.NoError(t, s.SavePurchase(ctx, &models.Purchase{ID: "a", UserID: "u1", ProductID: "p", PurchasedAt: base}))

	purchases, err := s.ListPurchases(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, "a", purchases[0].ID)
	assert.Equal(t, "b", purchases[1].ID)

	err = s.SavePurchase(ctx, &models.Purchase{ID: "c", UserID: "missing", PurchasedAt: base})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	require.NoError(t, s.DeleteUser(ctx, "u1"))
	purchases, err = s.ListPurchases(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestMemoryUpdateVoice(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedUser(t, s, "u1")

	require.NoError(t, s.UpdateVoice(ctx, "u1", "echo"))
	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "echo", user.Voice)

	assert.ErrorIs(t, s.UpdateVoice(ctx, "missing", "echo"), apperror.ErrNotFound)
}
