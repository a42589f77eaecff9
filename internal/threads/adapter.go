// Package threads persists conversation threads and their messages on top of
// the document store and exposes the live history list.
package threads

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
)

type Adapter struct {
	store  storage.ThreadStorage
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewAdapter(store storage.ThreadStorage, logger *zap.Logger) *Adapter {
	return &Adapter{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// CreateThread stores a new active thread and returns its id.
func (a *Adapter) CreateThread(ctx context.Context, userID, previewMessage, model string) (string, error) {
	if userID == "" {
		return "", apperror.Unauthenticated("user id is empty")
	}

	thread := &models.Thread{
		ID:             a.newID(),
		UserID:         userID,
		DateCreated:    a.now(),
		PreviewMessage: previewMessage,
		Model:          model,
		Status:         models.ThreadActive,
	}
	if err := a.store.CreateThread(ctx, thread); err != nil {
		return "", err
	}

	a.logger.Info("Message thread created",
		zap.String("user_id", userID),
		zap.String("thread_id", thread.ID),
		zap.String("model", model))
	return thread.ID, nil
}

// AppendMessage adds msg to the thread, assigning an id and timestamp when
// they are missing.
func (a *Adapter) AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}
	if msg.ID == "" {
		msg.ID = a.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now()
	}
	msg.ThreadID = threadID

	return a.store.AppendMessage(ctx, userID, threadID, msg)
}

// SoftDelete marks the thread deleted. Deleting twice is not an error.
func (a *Adapter) SoftDelete(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}

	thread, err := a.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if thread.Status == models.ThreadDeleted {
		return nil
	}

	if err := a.store.UpdateThreadStatus(ctx, userID, threadID, models.ThreadDeleted); err != nil {
		return err
	}

	a.logger.Info("Message thread deleted",
		zap.String("user_id", userID),
		zap.String("thread_id", threadID))
	return nil
}

// FetchMessages is a one-shot read, oldest message first.
func (a *Adapter) FetchMessages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated("user id is empty")
	}

	msgs, err := a.store.ListMessages(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// ListThreads subscribes to the user's active threads, newest first. The
// current list is delivered immediately and again after every change until
// the subscription is cancelled or ctx ends.
func (a *Adapter) ListThreads(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated("user id is empty")
	}

	// Watch before the first read so no change can fall between the two.
	changed := make(chan struct{}, 1)
	unwatch := a.store.Watch(userID, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	initial, err := a.store.ListThreads(ctx, userID, models.ThreadActive)
	if err != nil {
		unwatch()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)
	sub.push(initial)

	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer unwatch()

		for {
			select {
			case <-subCtx.Done():
				return
			case <-changed:
				threads, err := a.store.ListThreads(subCtx, userID, models.ThreadActive)
				if err != nil {
					if subCtx.Err() == nil {
						a.logger.Error("Failed to refresh message threads",
							zap.Error(err),
							zap.String("user_id", userID))
					}
					continue
				}
				sub.push(threads)
			}
		}
	}()

	return sub, nil
}
