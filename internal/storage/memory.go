package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
)

type MemoryStorage struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	threads   map[string]map[string]*models.Thread // userID -> threadID -> thread
	messages  map[string][]models.Message          // threadID -> messages
	purchases map[string][]models.Purchase         // userID -> purchases
	watchers  *watchers
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:     make(map[string]*models.User),
		threads:   make(map[string]map[string]*models.Thread),
		messages:  make(map[string][]models.Message),
		purchases: make(map[string][]models.Purchase),
		watchers:  newWatchers(),
	}
}

// User methods
func (s *MemoryStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return nil, apperror.NotFound("user", userID)
	}
	u := *user
	return &u, nil
}

func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return false, nil
	}
	u := *user
	s.users[user.ID] = &u
	return true, nil
}

func (s *MemoryStorage) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return apperror.NotFound("user", userID)
	}
	user.AvailableTokens = balance
	return nil
}

func (s *MemoryStorage) UpdateSubscription(ctx context.Context, userID string, state models.SubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return apperror.NotFound("user", userID)
	}
	user.IsSubscribed = state.IsSubscribed
	user.SubscriptionExpiresAt = state.ExpirationDate
	user.SubscriptionPlan = state.PlanID
	return nil
}

func (s *MemoryStorage) UpdateVoice(ctx context.Context, userID, voice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return apperror.NotFound("user", userID)
	}
	user.Voice = voice
	return nil
}

func (s *MemoryStorage) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	for threadID := range s.threads[userID] {
		delete(s.messages, threadID)
	}
	delete(s.threads, userID)
	delete(s.purchases, userID)
	delete(s.users, userID)
	s.mu.Unlock()

	s.watchers.publish(userID)
	return nil
}

// Thread methods
func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	if s.threads[thread.UserID] == nil {
		s.threads[thread.UserID] = make(map[string]*models.Thread)
	}
	t := *thread
	s.threads[thread.UserID][thread.ID] = &t
	s.mu.Unlock()

	s.watchers.publish(thread.UserID)
	return nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[userID][threadID]
	if !exists {
		return nil, apperror.NotFound("thread", threadID)
	}
	t := *thread
	return &t, nil
}

func (s *MemoryStorage) UpdateThreadStatus(ctx context.Context, userID, threadID string, status models.ThreadStatus) error {
	s.mu.Lock()
	thread, exists := s.threads[userID][threadID]
	if !exists {
		s.mu.Unlock()
		return apperror.NotFound("thread", threadID)
	}
	thread.Status = status
	s.mu.Unlock()

	s.watchers.publish(userID)
	return nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, userID string, status models.ThreadStatus) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Thread, 0, len(s.threads[userID]))
	for _, thread := range s.threads[userID] {
		if thread.Status == status {
			result = append(result, *thread)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DateCreated.After(result[j].DateCreated)
	})
	return result, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[userID][threadID]; !exists {
		return apperror.NotFound("thread", threadID)
	}
	m := *msg
	m.ThreadID = threadID
	s.messages[threadID] = append(s.messages[threadID], m)
	return nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.threads[userID][threadID]; !exists {
		return nil, apperror.NotFound("thread", threadID)
	}
	result := make([]models.Message, len(s.messages[threadID]))
	copy(result, s.messages[threadID])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Purchase methods
func (s *MemoryStorage) SavePurchase(ctx context.Context, purchase *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[purchase.UserID]; !exists {
		return apperror.NotFound("user", purchase.UserID)
	}
	for _, p := range s.purchases[purchase.UserID] {
		if p.ID == purchase.ID {
			return nil
		}
	}
	s.purchases[purchase.UserID] = append(s.purchases[purchase.UserID], *purchase)
	return nil
}

func (s *MemoryStorage) ListPurchases(ctx context.Context, userID string) ([]models.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Purchase, len(s.purchases[userID]))
	copy(result, s.purchases[userID])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PurchasedAt.Before(result[j].PurchasedAt)
	})
	return result, nil
}

func (s *MemoryStorage) Watch(userID string, fn func()) func() {
	return s.watchers.add(userID, fn)
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
