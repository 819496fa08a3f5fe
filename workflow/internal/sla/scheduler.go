package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/database"
	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

// Outcome classifies a run.
type Outcome string

const (
	// OutcomeSkipped means the day was not a working day.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCompleted means the batch committed, possibly updating nothing.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means every attempt failed and nothing was committed.
	OutcomeFailed Outcome = "failed"
)

// RunResult reports one SLA run.
type RunResult struct {
	Outcome      Outcome
	RunDate      time.Time
	CasesUpdated int
	Attempts     int
	Err          error
}

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 180 * time.Second
)

// Scheduler runs the daily SLA batch.
type Scheduler struct {
	repo         repository.Repository
	cal          *calendar.Calendar
	cutoff       calendar.Clock
	maxAttempts  int
	retryBackoff time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

type Option func(*Scheduler)

func WithCutoff(c calendar.Clock) Option {
	return func(s *Scheduler) { s.cutoff = c }
}

// WithRetry sets how many attempts a run gets and the wait before the
// first retry. Later waits double.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *Scheduler) {
		s.maxAttempts = attempts
		s.retryBackoff = initial
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(repo repository.Repository, cal *calendar.Calendar, logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		cal:          cal,
		cutoff:       DefaultCutoff,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

func (s *Scheduler) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 8 * s.retryBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)
}

// Run performs today's batch. The working-day check and the batch are
// retried together; a run that exhausts its attempts reports
// OutcomeFailed and has committed nothing.
func (s *Scheduler) Run(ctx context.Context) RunResult {
	start := s.now()
	ctx = logging.ContextWithRunDate(ctx, s.cal.Date(start).Format(time.DateOnly))
	result := RunResult{RunDate: s.cal.Date(start)}

	s.logger.InfoContext(ctx, "sla update started")
	op := func() error {
		result.Attempts++
		working, err := s.cal.IsWorkingDay(ctx, start)
		if err != nil {
			return err
		}
		if !working {
			result.Outcome = OutcomeSkipped
			return nil
		}
		n, err := s.apply(ctx, start)
		if err != nil {
			return err
		}
		result.Outcome = OutcomeCompleted
		result.CasesUpdated = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "sla update attempt failed",
			logging.Attempt(result.Attempts),
			logging.Duration(wait),
			logging.Error(err))
	}

	if err := backoff.RetryNotify(op, s.policy(ctx), notify); err != nil {
		result.Outcome = OutcomeFailed
		result.CasesUpdated = 0
		result.Err = err
	}

	metrics.SLARuns.WithLabelValues(string(result.Outcome)).Inc()
	metrics.SLARunDuration.Observe(s.now().Sub(start).Seconds())
	switch result.Outcome {
	case OutcomeSkipped:
		s.logger.InfoContext(ctx, "sla update not performed, non-working day")
	case OutcomeCompleted:
		metrics.SLACasesUpdated.Add(float64(result.CasesUpdated))
		s.logger.InfoContext(ctx, "sla update successful",
			logging.Count(result.CasesUpdated),
			logging.Attempt(result.Attempts))
	case OutcomeFailed:
		s.logger.ErrorContext(ctx, "sla update failed",
			logging.Attempt(result.Attempts),
			logging.Error(result.Err))
	}
	return result
}

// apply runs the batch in one transaction and returns how many cases
// advanced.
func (s *Scheduler) apply(ctx context.Context, now time.Time) (int, error) {
	w, err := NewWindow(ctx, s.cal, now, s.cutoff)
	if err != nil {
		return 0, err
	}

	ctx, cancel := database.BatchContext(ctx)
	defer cancel()
	updated := 0
	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		updated = 0
		departments, err := tx.QueueDepartments(ctx)
		if err != nil {
			return fmt.Errorf("failed to snapshot queue departments: %w", err)
		}
		candidates, err := tx.LockSLACandidates(ctx, w.Cutoff)
		if err != nil {
			return fmt.Errorf("failed to lock sla candidates: %w", err)
		}

		ids := make([]uuid.UUID, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
		queries, err := tx.ListCaseQueries(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to list information requests: %w", err)
		}
		blocked := make(map[uuid.UUID]bool)
		for _, q := range queries {
			if w.Blocks(q) {
				blocked[q.CaseID] = true
			}
		}

		for _, c := range candidates {
			if blocked[c.ID] || !w.Eligible(s.cal, c) {
				continue
			}
			queues, err := tx.ListCaseQueues(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("failed to list queues for case %s: %w", c.ID, err)
			}
			counted := make(map[uuid.UUID]bool)
			for _, q := range queues {
				if err := tx.IncrementQueueSLA(ctx, c.ID, q.ID); err != nil {
					return fmt.Errorf("failed to increment queue sla: %w", err)
				}
				dept, ok := departments[q.ID]
				if !ok || counted[dept] {
					continue
				}
				counted[dept] = true
				if err := tx.IncrementDepartmentSLA(ctx, c.ID, dept); err != nil {
					return fmt.Errorf("failed to increment department sla: %w", err)
				}
			}

			remaining := *c.SLARemainingDays - 1
			at := now
			c.SLADays++
			c.SLARemainingDays = &remaining
			c.SLAUpdatedAt = &at
			if err := tx.UpdateCase(ctx, c); err != nil {
				return fmt.Errorf("failed to update case %s: %w", c.ID, err)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}
