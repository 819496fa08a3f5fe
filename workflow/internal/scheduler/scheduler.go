// Package scheduler fires the daily SLA batch and the information request
// chaser at a fixed local time.
package scheduler

import (
	"context"
	"time"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/middleware"
	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/sla"
)

// SLARunner runs one SLA batch.
type SLARunner interface {
	Run(ctx context.Context) sla.RunResult
}

// ChaserRunner sends the day's information request reminders.
type ChaserRunner interface {
	Run(ctx context.Context) (int, error)
}

const DefaultLockTTL = 30 * time.Minute

// Scheduler waits for RunAt each day, takes the day's lock and runs the
// SLA batch followed by the chaser.
type Scheduler struct {
	sla     SLARunner
	chaser  ChaserRunner
	lock    Locker
	cal     *calendar.Calendar
	runAt   calendar.Clock
	lockTTL time.Duration
	logger  *logging.Logger
	now     func() time.Time
	stop    chan struct{}
	stopped chan struct{}
}

type Option func(*Scheduler)

// WithChaser runs the chaser after each SLA batch.
func WithChaser(c ChaserRunner) Option {
	return func(s *Scheduler) { s.chaser = c }
}

// WithLock guards each day's run. Without a lock every instance runs.
func WithLock(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.lock = l
		s.lockTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(runner SLARunner, cal *calendar.Calendar, runAt calendar.Clock, logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		sla:     runner,
		cal:     cal,
		runAt:   runAt,
		lockTTL: DefaultLockTTL,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// NextRun returns the first RunAt strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	next := s.cal.At(now, s.runAt)
	if next.After(now) {
		return next
	}
	return s.cal.At(s.cal.Date(now).AddDate(0, 0, 1), s.runAt)
}

// Start runs the loop until Stop or ctx is done. Call it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.logger.InfoContext(ctx, "daily scheduler started", logging.Service("scheduler"))
	for {
		wait := s.NextRun(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		s.logger.InfoContext(ctx, "next scheduled run", logging.Duration(wait))

		select {
		case <-timer.C:
			s.RunOnce(ctx)
		case <-s.stop:
			timer.Stop()
			s.logger.InfoContext(ctx, "daily scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "daily scheduler context cancelled")
			return
		}
	}
}

// Stop signals the loop to stop and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

// RunOnce performs today's work if this instance wins the day's lock. It
// reports whether the work ran. A lock backend failure does not stop the
// run: the SLA batch skips cases already advanced today.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	ctx = middleware.EnsureRequestID(ctx)
	day := s.cal.Date(s.now()).Format(time.DateOnly)
	ctx = logging.ContextWithRunDate(ctx, day)

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, "daily:"+day, s.lockTTL)
		switch {
		case err != nil:
			metrics.ScheduledRuns.WithLabelValues("error").Inc()
			s.logger.WarnContext(ctx, "run lock unavailable, running anyway", logging.Error(err))
		case !acquired:
			metrics.ScheduledRuns.WithLabelValues("held").Inc()
			s.logger.InfoContext(ctx, "daily run already started elsewhere")
			return false
		default:
			metrics.ScheduledRuns.WithLabelValues("acquired").Inc()
		}
	} else {
		metrics.ScheduledRuns.WithLabelValues("none").Inc()
	}

	result := s.sla.Run(ctx)
	if result.Outcome == sla.OutcomeSkipped || s.chaser == nil {
		return true
	}
	if _, err := s.chaser.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "chaser run failed", logging.Error(err))
	}
	return true
}
