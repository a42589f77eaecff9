package threads

import (
	"context"

	"github.com/xaenox/wwtd-bot/internal/models"
)

// Subscription delivers successive snapshots of a user's thread list. Only
// the newest undelivered snapshot is kept.
type Subscription struct {
	updates chan []models.Thread
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{
		updates: make(chan []models.Thread, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Updates is closed once the subscription ends.
func (s *Subscription) Updates() <-chan []models.Thread {
	return s.updates
}

// Cancel stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// push replaces any snapshot the consumer has not read yet. It must only be
// called from a single goroutine at a time.
func (s *Subscription) push(threads []models.Thread) {
	select {
	case s.updates <- threads:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- threads
}
