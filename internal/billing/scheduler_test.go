package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingRevalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingRevalidator) Revalidate(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	if userID == "broken" {
		return errors.New("receipt unavailable")
	}
	return nil
}

func TestSchedulerRunOnce(t *testing.T) {
	rec := &recordingRevalidator{}
	s, err := NewScheduler(rec, func() []string { return []string{"u1", "broken", "u2"} }, "", zaptest.NewLogger(t))
	require.NoError(t, err)

	s.RunOnce(context.Background())
	assert.Equal(t, []string{"u1", "broken", "u2"}, rec.users)
}

func TestSchedulerStartRunsImmediately(t *testing.T) {
	rec := &recordingRevalidator{}
	s, err := NewScheduler(rec, func() []string { return []string{"u1"} }, "@every 1h", zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"u1"}, rec.users)
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&recordingRevalidator{}, func() []string { return nil }, "every now and then", zaptest.NewLogger(t))
	assert.Error(t, err)
}
