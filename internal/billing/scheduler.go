package billing

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRevalidateSchedule re-checks receipts every six hours.
const DefaultRevalidateSchedule = "@every 6h"

type revalidator interface {
	Revalidate(ctx context.Context, userID string) error
}

// Scheduler periodically revalidates the receipts of every signed-in user.
type Scheduler struct {
	cron       *cron.Cron
	reconciler revalidator
	users      func() []string
	logger     *zap.Logger
	ctx        context.Context
}

func NewScheduler(reconciler revalidator, users func() []string, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultRevalidateSchedule
	}

	s := &Scheduler{
		cron:       cron.New(),
		reconciler: reconciler,
		users:      users,
		logger:     logger,
		ctx:        context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs one pass immediately, then follows the schedule until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.RunOnce(ctx)
	s.cron.Start()

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	users := s.users()
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if err := s.reconciler.Revalidate(ctx, userID); err != nil {
			s.logger.Error("Scheduled receipt revalidation failed",
				zap.Error(err),
				zap.String("user_id", userID))
		}
	}
	s.logger.Debug("Revalidated receipts", zap.Int("users", len(users)))
}
