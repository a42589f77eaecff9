// Package app holds the signed-in sessions and the components they share.
// It is built once in main and passed to the front end.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/completion"
	"github.com/xaenox/wwtd-bot/internal/conversation"
	"github.com/xaenox/wwtd-bot/internal/ledger"
	"github.com/xaenox/wwtd-bot/internal/metrics"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/storage"
	"github.com/xaenox/wwtd-bot/internal/threads"
)

type AuthEventKind int

const (
	SignedIn AuthEventKind = iota
	SignedOut
)

// AuthEvent is delivered by the auth collaborator. User is only read for
// SignedIn; SignedOut needs User.ID.
type AuthEvent struct {
	Kind AuthEventKind
	User models.User
}

// Entitlements revalidates a user's purchases at sign-in and drops per-user
// billing state at sign-out.
type Entitlements interface {
	Revalidate(ctx context.Context, userID string) error
	Forget(userID string)
}

type App struct {
	store        storage.Storage
	ledger       *ledger.Ledger
	threads      *threads.Adapter
	entitlements Entitlements
	completer    completion.Completer
	speaker      completion.Speaker
	config       conversation.Config
	logger       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New wires the shared components. entitlements may be nil when billing is
// disabled.
func New(store storage.Storage, l *ledger.Ledger, t *threads.Adapter, entitlements Entitlements, completer completion.Completer, config conversation.Config, logger *zap.Logger) *App {
	return &App{
		store:        store,
		ledger:       l,
		threads:      t,
		entitlements: entitlements,
		completer:    completer,
		config:       config,
		logger:       logger,
		sessions:     make(map[string]*Session),
	}
}

// SetSpeaker enables spoken replies. Without a speaker SetVoice is rejected
// and Speech returns nothing.
func (a *App) SetSpeaker(speaker completion.Speaker) {
	a.speaker = speaker
}

func (a *App) HandleAuth(ctx context.Context, event AuthEvent) error {
	switch event.Kind {
	case SignedIn:
		_, err := a.SignIn(ctx, event.User)
		return err
	case SignedOut:
		a.SignOut(event.User.ID)
		return nil
	default:
		return apperror.Validation("unknown auth event", nil)
	}
}

// SignIn creates the account on first use and opens a session. Signing in
// twice returns the existing session.
func (a *App) SignIn(ctx context.Context, user models.User) (*Session, error) {
	if user.ID == "" {
		return nil, apperror.Unauthenticated("user id is empty")
	}
	if s, ok := a.Session(user.ID); ok {
		return s, nil
	}

	if _, err := a.ledger.EnsureAccount(ctx, user); err != nil {
		return nil, err
	}

	// the history subscription outlives the sign-in request
	history, err := a.threads.ListThreads(context.Background(), user.ID)
	if err != nil {
		return nil, err
	}

	s := newSession(user.ID,
		conversation.New(user.ID, a.ledger, a.threads, a.completer, a.config, a.logger),
		history)

	a.mu.Lock()
	if existing, ok := a.sessions[user.ID]; ok {
		a.mu.Unlock()
		s.close()
		return existing, nil
	}
	a.sessions[user.ID] = s
	a.mu.Unlock()

	metrics.SessionOpened()
	a.logger.Info("User signed in", zap.String("user_id", user.ID))

	if a.entitlements != nil {
		if err := a.entitlements.Revalidate(ctx, user.ID); err != nil {
			a.logger.Warn("Receipt revalidation at sign-in failed",
				zap.Error(err),
				zap.String("user_id", user.ID))
		}
	}
	return s, nil
}

// SignOut cancels the in-flight cycle, closes the history subscription and
// drops cached state.
func (a *App) SignOut(userID string) {
	a.mu.Lock()
	s, ok := a.sessions[userID]
	delete(a.sessions, userID)
	a.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	a.ledger.Reset(userID)
	if a.entitlements != nil {
		a.entitlements.Forget(userID)
	}

	metrics.SessionClosed()
	a.logger.Info("User signed out", zap.String("user_id", userID))
}

func (a *App) Session(userID string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[userID]
	return s, ok
}

// SignedIn lists the users with an open session.
func (a *App) SignedIn() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Account is a fresh read of the user's balance and subscription.
func (a *App) Account(ctx context.Context, userID string) (models.User, error) {
	if _, err := a.ledger.GetBalance(ctx, userID); err != nil {
		return models.User{}, err
	}
	user, _ := a.ledger.Snapshot(userID)
	return user, nil
}

// DeleteAccount signs the user out and removes the account with its threads.
func (a *App) DeleteAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}
	a.SignOut(userID)

	if err := a.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	a.logger.Info("Account deleted", zap.String("user_id", userID))
	return nil
}

// VoiceOff disables spoken replies in SetVoice.
const VoiceOff = "off"

// Voice returns the user's speech voice, empty when spoken replies are off.
func (a *App) Voice(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", apperror.Unauthenticated("user id is empty")
	}
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Voice, nil
}

// SetVoice stores the user's speech voice. VoiceOff or an empty voice turns
// spoken replies off.
func (a *App) SetVoice(ctx context.Context, userID, voice string) error {
	if userID == "" {
		return apperror.Unauthenticated("user id is empty")
	}
	if voice == VoiceOff {
		voice = ""
	}
	if voice != "" {
		if a.speaker == nil {
			return apperror.Validation("spoken replies are not available", nil)
		}
		if !completion.ValidVoice(voice) {
			return apperror.Validation(fmt.Sprintf("unknown voice %q", voice), nil)
		}
	}

	if err := a.store.UpdateVoice(ctx, userID, voice); err != nil {
		return err
	}
	a.logger.Info("Voice updated", zap.String("user_id", userID), zap.String("voice", voice))
	return nil
}

// Speech renders text in the user's voice. It returns nil audio when spoken
// replies are off.
func (a *App) Speech(ctx context.Context, userID, text string) ([]byte, error) {
	if a.speaker == nil {
		return nil, nil
	}
	voice, err := a.Voice(ctx, userID)
	if err != nil || voice == "" {
		return nil, err
	}
	return a.speaker.Speak(ctx, text, voice)
}
