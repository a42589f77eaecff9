package app

import (
	"sync"

	"github.com/xaenox/wwtd-bot/internal/conversation"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/threads"
)

type Session struct {
	UserID     string
	Controller *conversation.Controller
	History    *threads.Subscription

	mu      sync.RWMutex
	latest  []models.Thread
	drained chan struct{}
}

func newSession(userID string, controller *conversation.Controller, history *threads.Subscription) *Session {
	s := &Session{
		UserID:     userID,
		Controller: controller,
		History:    history,
		drained:    make(chan struct{}),
	}
	go s.follow()
	return s
}

func (s *Session) follow() {
	defer close(s.drained)
	for list := range s.History.Updates() {
		s.mu.Lock()
		s.latest = list
		s.mu.Unlock()
	}
}

// Threads is the most recent active thread list, newest first.
func (s *Session) Threads() []models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Thread(nil), s.latest...)
}

func (s *Session) close() {
	s.Controller.Reset()
	s.History.Cancel()
	<-s.drained
}
