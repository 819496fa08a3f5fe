// Package assignment tracks which users work a case on which queue and
// releases queues once nobody is assigned to them.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

var (
	ErrCaseClosed   = errors.New("case is closed")
	ErrInactiveUser = errors.New("user is not active")
)

// Advancer moves a case to its next workflow status.
type Advancer interface {
	Advance(ctx context.Context, tx repository.Tx, c *models.Case) (bool, error)
}

// Router re-evaluates a case's queues.
type Router interface {
	Route(ctx context.Context, tx repository.Tx, c *models.Case, keepStatus bool) error
}

// Tracker manages case assignments inside a caller's transaction.
type Tracker struct {
	trail    audit.Recorder
	advancer Advancer
	router   Router
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(trail audit.Recorder, advancer Advancer, router Router, logger *logging.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		trail:    trail,
		advancer: advancer,
		router:   router,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.Discard()
	}
	return t
}

// Assign places an active user on a case within queue, adding the queue
// to the case if needed. Assigning the same triple twice is a no-op that
// reports false.
func (t *Tracker) Assign(ctx context.Context, tx repository.Tx, caseID, userID, queueID uuid.UUID, actor *uuid.UUID) (bool, error) {
	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return false, err
	}
	if c.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.Active {
		return false, fmt.Errorf("%w: %s", ErrInactiveUser, user.Email)
	}
	queue, err := tx.GetQueue(ctx, queueID)
	if err != nil {
		return false, err
	}

	current, err := tx.ListCaseQueues(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list case queues: %w", err)
	}
	if !slices.ContainsFunc(current, func(q models.Queue) bool { return q.ID == queue.ID }) {
		if err := tx.AddCaseQueue(ctx, c.ID, queue.ID, t.now()); err != nil {
			return false, fmt.Errorf("failed to add queue: %w", err)
		}
		metrics.QueueMovements.WithLabelValues("added").Inc()
		if err := t.trail.Record(ctx, tx, actor, c, audit.MoveCase{QueueSet: audit.NewQueueSet([]models.Queue{*queue}, c.Status)}); err != nil {
			return false, err
		}
	}

	err = tx.CreateAssignment(ctx, &models.CaseAssignment{
		ID:        uuid.Must(uuid.NewV7()),
		CaseID:    c.ID,
		UserID:    user.ID,
		QueueID:   queue.ID,
		CreatedAt: t.now(),
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create assignment: %w", err)
	}

	if err := t.trail.Record(ctx, tx, actor, c, audit.AssignUserToCase{
		User:    user.Email,
		UserID:  user.ID.String(),
		Queue:   queue.Name,
		QueueID: queue.ID.String(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Unassign removes one user from a case within queue. The queue itself
// stays until it is released.
func (t *Tracker) Unassign(ctx context.Context, tx repository.Tx, caseID, userID, queueID uuid.UUID, actor *uuid.UUID) error {
	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return err
	}
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	queue, err := tx.GetQueue(ctx, queueID)
	if err != nil {
		return err
	}
	if err := tx.DeleteAssignment(ctx, c.ID, user.ID, queue.ID); err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return t.trail.Record(ctx, tx, actor, c, audit.RemoveUserFromCase{
		User:    user.Email,
		UserID:  user.ID.String(),
		Queue:   queue.Name,
		QueueID: queue.ID.String(),
	})
}

// MoveCaseForward signals that a queue is done with a case: its
// assignments are dropped and the queue is released.
func (t *Tracker) MoveCaseForward(ctx context.Context, tx repository.Tx, caseID, queueID uuid.UUID, actor *uuid.UUID) error {
	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return err
	}
	queue, err := tx.GetQueue(ctx, queueID)
	if err != nil {
		return err
	}
	if err := tx.DeleteQueueAssignments(ctx, c.ID, queue.ID); err != nil {
		return fmt.Errorf("failed to delete queue assignments: %w", err)
	}
	if err := t.ReleaseQueues(ctx, tx, c, []models.Queue{*queue}); err != nil {
		return err
	}
	return t.trail.Record(ctx, tx, actor, c, audit.UnassignedQueues{QueueSet: audit.NewQueueSet([]models.Queue{*queue}, c.Status)})
}

// ReleaseQueues removes every given queue nobody is assigned to on the
// case. A released queue with a countersigning queue hands the case on to
// it unless another remaining queue already leads there. A case left on
// no queue advances to its next status and is routed again.
func (t *Tracker) ReleaseQueues(ctx context.Context, tx repository.Tx, c *models.Case, queues []models.Queue) error {
	assignments, err := tx.ListAssignments(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}
	current, err := tx.ListCaseQueues(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list case queues: %w", err)
	}

	now := t.now()
	var removed, added []models.Queue
	for _, q := range queues {
		if slices.ContainsFunc(assignments, func(a models.CaseAssignment) bool { return a.QueueID == q.ID }) {
			continue
		}
		if slices.ContainsFunc(current, func(cq models.Queue) bool { return cq.ID == q.ID }) {
			if err := tx.RemoveCaseQueue(ctx, c.ID, q.ID, now); err != nil {
				return fmt.Errorf("failed to remove queue %s: %w", q.Name, err)
			}
			current = slices.DeleteFunc(current, func(cq models.Queue) bool { return cq.ID == q.ID })
			removed = append(removed, q)
		}

		if q.CountersigningQueueID == nil {
			continue
		}
		target := *q.CountersigningQueueID
		shared := slices.ContainsFunc(current, func(cq models.Queue) bool {
			return cq.ID == target || (cq.CountersigningQueueID != nil && *cq.CountersigningQueueID == target)
		})
		if shared {
			continue
		}
		cs, err := tx.GetQueue(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to load countersigning queue: %w", err)
		}
		if err := tx.AddCaseQueue(ctx, c.ID, cs.ID, now); err != nil {
			return fmt.Errorf("failed to add countersigning queue: %w", err)
		}
		current = append(current, *cs)
		added = append(added, *cs)
	}

	if len(removed) > 0 {
		metrics.QueueMovements.WithLabelValues("removed").Add(float64(len(removed)))
		if err := t.trail.Record(ctx, tx, nil, c, audit.RemoveCase{QueueSet: audit.NewQueueSet(removed, c.Status)}); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		metrics.QueueMovements.WithLabelValues("added").Add(float64(len(added)))
		if err := t.trail.Record(ctx, tx, nil, c, audit.MoveCase{QueueSet: audit.NewQueueSet(added, c.Status)}); err != nil {
			return err
		}
	}

	if len(current) > 0 {
		return nil
	}
	advanced, err := t.advancer.Advance(ctx, tx, c)
	if err != nil {
		return fmt.Errorf("failed to advance case: %w", err)
	}
	if !advanced {
		t.logger.InfoContext(ctx, "case left without queues", logging.CaseID(c.ID.String()), logging.Status(string(c.Status)))
		return nil
	}
	if err := t.router.Route(ctx, tx, c, false); err != nil {
		return fmt.Errorf("failed to route case: %w", err)
	}
	return nil
}
