package scheduler

import (
	"context"
	"time"

	"clinic-queue/internal/models"
	"clinic-queue/internal/queue"

	"go.uber.org/zap"
)

// Actor is recorded on every transition the scheduler issues.
const Actor = "system:scheduler"

// Transitioner is the part of the engine the scheduler drives.
type Transitioner interface {
	Apply(ctx context.Context, req queue.TransitionRequest) (models.QueueEntry, error)
}

// Lister supplies the entries that may have timed out.
type Lister interface {
	ListByState(ctx context.Context, states ...models.State) ([]models.QueueEntry, error)
}

type Options struct {
	// Timeout is the no-response window measured from called_at.
	Timeout time.Duration
	// Action is models.ActionNoShow or models.ActionRecall.
	Action   models.Action
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// TimeoutScheduler issues no-show (or recall) transitions for called entries whose
// deadline elapsed. It goes through the same version check as any operator.
type TimeoutScheduler struct {
	engine   Transitioner
	entries  Lister
	timeout  time.Duration
	action   models.Action
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewTimeoutScheduler(engine Transitioner, entries Lister, opts Options) *TimeoutScheduler {
	if opts.Action != models.ActionRecall {
		opts.Action = models.ActionNoShow
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &TimeoutScheduler{
		engine:   engine,
		entries:  entries,
		timeout:  opts.Timeout,
		action:   opts.Action,
		interval: opts.Interval,
		now:      opts.Clock,
		logger:   opts.Logger.Named("scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *TimeoutScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("timeout scheduler started",
		zap.Duration("timeout", s.timeout),
		zap.String("action", string(s.action)),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep handles every expired entry once and returns how many transitions succeeded.
func (s *TimeoutScheduler) Sweep(ctx context.Context) int {
	called, err := s.entries.ListByState(ctx, models.StateCalled)
	if err != nil {
		s.logger.Error("list called entries", zap.Error(err))
		return 0
	}

	now := s.now()
	applied := 0
	for _, e := range called {
		if e.CalledAt == nil || now.Sub(*e.CalledAt) < s.timeout {
			continue
		}

		_, err := s.engine.Apply(ctx, queue.TransitionRequest{
			EntryID:         e.EntryID,
			ExpectedVersion: e.Version,
			Action:          s.action,
			Actor:           Actor,
		})
		switch queue.KindOf(err) {
		case "":
			if err != nil {
				s.logger.Warn("timeout transition failed, retry next tick",
					zap.String("entry_id", e.EntryID), zap.Error(err))
				continue
			}
			applied++
		case queue.KindStaleVersion, queue.KindInvalidTransition, queue.KindNotFound:
			// someone moved the entry first
		default:
			s.logger.Warn("timeout transition failed, retry next tick",
				zap.String("entry_id", e.EntryID), zap.Error(err))
		}
	}
	return applied
}
