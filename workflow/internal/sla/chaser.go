package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exportcontrol/caseflow/common/database"
	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/notify"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

const (
	DefaultChaserMinDays = 15
	DefaultChaserMaxDays = 20
)

var ErrChaserWindow = errors.New("invalid chaser window")

// Chaser reminds applicants about information requests left open too
// long. The chased marker is set later by the notifier's callback.
type Chaser struct {
	repo     repository.Repository
	cal      *calendar.Calendar
	notifier notify.Dispatcher
	minDays  int
	maxDays  int
	logger   *logging.Logger
	now      func() time.Time
}

type ChaserOption func(*Chaser)

// WithChaserWindow sets the inclusive range of open working days that
// earns a reminder.
func WithChaserWindow(minDays, maxDays int) ChaserOption {
	return func(c *Chaser) {
		c.minDays = minDays
		c.maxDays = maxDays
	}
}

func WithChaserClock(now func() time.Time) ChaserOption {
	return func(c *Chaser) { c.now = now }
}

func NewChaser(repo repository.Repository, cal *calendar.Calendar, notifier notify.Dispatcher, logger *logging.Logger, opts ...ChaserOption) (*Chaser, error) {
	c := &Chaser{
		repo:     repo,
		cal:      cal,
		notifier: notifier,
		minDays:  DefaultChaserMinDays,
		maxDays:  DefaultChaserMaxDays,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minDays < 0 || c.minDays > c.maxDays {
		return nil, fmt.Errorf("%w: %d..%d", ErrChaserWindow, c.minDays, c.maxDays)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c, nil
}

// Due returns the unchased requests whose open working days fall inside
// the window, with those day counts.
func (c *Chaser) Due(ctx context.Context) ([]models.EcjuQuery, []int, error) {
	now := c.now()
	var candidates []models.EcjuQuery
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()
	err := c.repo.WithTx(qctx, func(tx repository.Tx) error {
		var err error
		candidates, err = tx.ListChaserCandidates(qctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list chaser candidates: %w", err)
	}

	var due []models.EcjuQuery
	var days []int
	for _, q := range candidates {
		open, err := c.cal.WorkingDaysInRange(ctx, q.CreatedAt, now)
		if err != nil {
			return nil, nil, err
		}
		if open >= c.minDays && open <= c.maxDays {
			due = append(due, q)
			days = append(days, open)
		}
	}
	return due, days, nil
}

// Run dispatches one reminder per due request and returns how many were
// sent.
func (c *Chaser) Run(ctx context.Context) (int, error) {
	due, days, err := c.Due(ctx)
	if err != nil {
		return 0, err
	}
	for i, q := range due {
		c.notifier.EcjuChaser(ctx, q, days[i])
		metrics.ChasersSent.Inc()
	}
	c.logger.InfoContext(ctx, "information request chasers dispatched", logging.Count(len(due)))
	return len(due), nil
}
