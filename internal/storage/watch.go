package storage

import "sync"

// watchers fans out change notifications per user. Callbacks run on the
// publishing goroutine and must not block.
type watchers struct {
	mu     sync.Mutex
	nextID int
	byUser map[string]map[int]func()
}

func newWatchers() *watchers {
	return &watchers{byUser: make(map[string]map[int]func())}
}

func (w *watchers) add(userID string, fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	if w.byUser[userID] == nil {
		w.byUser[userID] = make(map[int]func())
	}
	w.byUser[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.byUser[userID], id)
			if len(w.byUser[userID]) == 0 {
				delete(w.byUser, userID)
			}
		})
	}
}

func (w *watchers) publish(userID string) {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.byUser[userID]))
	for _, fn := range w.byUser[userID] {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (w *watchers) publishAll() {
	w.mu.Lock()
	users := make([]string, 0, len(w.byUser))
	for userID := range w.byUser {
		users = append(users, userID)
	}
	w.mu.Unlock()

	for _, userID := range users {
		w.publish(userID)
	}
}
