// Package routing places cases in team queues by evaluating declarative
// routing rules against each case's parameter set.
package routing

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

// maxAdvances bounds how far one routing pass may walk the status sequence.
const maxAdvances = 16

// Advancer moves a case to its next workflow status.
type Advancer interface {
	Advance(ctx context.Context, tx repository.Tx, c *models.Case) (bool, error)
}

// Evaluation is the outcome of evaluating rules for one status.
type Evaluation struct {
	Params ParamSet
	// Matched holds the first matching rule of each team, in team order.
	Matched []models.RoutingRule
	// Queues is the target queue set in team order.
	Queues []uuid.UUID
}

// Change lists what ApplyQueues did.
type Change struct {
	Added   []models.Queue
	Removed []models.Queue
}

// Engine evaluates routing rules and applies the result to a case.
type Engine struct {
	advancer Advancer
	trail    audit.Recorder
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(advancer Advancer, trail audit.Recorder, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		advancer: advancer,
		trail:    trail,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	return e
}

// ParameterSet recomputes a case's routing parameters.
func (e *Engine) ParameterSet(ctx context.Context, tx repository.Tx, caseID uuid.UUID) (ParamSet, error) {
	subject, err := tx.GetRoutingSubject(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing subject: %w", err)
	}
	return BuildParameterSet(subject), nil
}

// Evaluate picks, per team, the first active rule for the case's current
// status that matches. Rules come ordered by team name, tier and newest
// first, so a lower tier match hides every higher tier of that team.
func (e *Engine) Evaluate(ctx context.Context, tx repository.Tx, c *models.Case) (*Evaluation, error) {
	params, err := e.ParameterSet(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	rules, err := tx.ListRoutingRules(ctx, c.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	active, err := activeFlags(ctx, tx, rules)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{Params: params}
	done := make(map[uuid.UUID]bool)
	for _, rule := range rules {
		if done[rule.TeamID] || !rule.Active {
			continue
		}
		if slices.ContainsFunc(referencedFlags(rule), func(id uuid.UUID) bool { return !active[id] }) {
			continue
		}
		if !Match(rule, params) {
			continue
		}
		done[rule.TeamID] = true
		ev.Matched = append(ev.Matched, rule)
		if !slices.Contains(ev.Queues, rule.QueueID) {
			ev.Queues = append(ev.Queues, rule.QueueID)
		}
	}
	return ev, nil
}

func activeFlags(ctx context.Context, tx repository.Tx, rules []models.RoutingRule) (map[uuid.UUID]bool, error) {
	var ids []uuid.UUID
	for _, r := range rules {
		for _, id := range referencedFlags(r) {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	active := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return active, nil
	}
	flags, err := tx.ListFlags(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule flags: %w", err)
	}
	for _, f := range flags {
		active[f.ID] = f.Active
	}
	return active, nil
}

// ApplyQueues moves the case onto target. Queues in target but not on the
// case are added, queues on the case but not in target are removed along
// with their assignments. Each direction writes one audit entry.
func (e *Engine) ApplyQueues(ctx context.Context, tx repository.Tx, c *models.Case, target []uuid.UUID) (*Change, error) {
	current, err := tx.ListCaseQueues(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list case queues: %w", err)
	}
	now := e.now()
	change := &Change{}

	for _, q := range current {
		if slices.Contains(target, q.ID) {
			continue
		}
		if err := tx.RemoveCaseQueue(ctx, c.ID, q.ID, now); err != nil {
			return nil, fmt.Errorf("failed to remove queue %s: %w", q.Name, err)
		}
		change.Removed = append(change.Removed, q)
	}
	for _, id := range target {
		if slices.ContainsFunc(current, func(q models.Queue) bool { return q.ID == id }) {
			continue
		}
		q, err := tx.GetQueue(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load queue %s: %w", id, err)
		}
		if err := tx.AddCaseQueue(ctx, c.ID, id, now); err != nil {
			return nil, fmt.Errorf("failed to add queue %s: %w", q.Name, err)
		}
		change.Added = append(change.Added, *q)
	}

	if len(change.Added) > 0 {
		metrics.QueueMovements.WithLabelValues("added").Add(float64(len(change.Added)))
		if err := e.trail.Record(ctx, tx, nil, c, audit.MoveCase{QueueSet: audit.NewQueueSet(change.Added, c.Status)}); err != nil {
			return nil, err
		}
	}
	if len(change.Removed) > 0 {
		metrics.QueueMovements.WithLabelValues("removed").Add(float64(len(change.Removed)))
		if err := e.trail.Record(ctx, tx, nil, c, audit.RemoveCase{QueueSet: audit.NewQueueSet(change.Removed, c.Status)}); err != nil {
			return nil, err
		}
	}
	return change, nil
}

// Route evaluates rules and applies the resulting queues. Unless keepStatus
// is set, a case no rule matches is advanced through its workflow sequence
// and evaluated again until something matches or it cannot advance.
func (e *Engine) Route(ctx context.Context, tx repository.Tx, c *models.Case, keepStatus bool) error {
	start := time.Now()
	defer func() { metrics.RoutingDuration.Observe(time.Since(start).Seconds()) }()

	var ev *Evaluation
	for i := 0; ; i++ {
		var err error
		ev, err = e.Evaluate(ctx, tx, c)
		if err != nil {
			return err
		}
		if len(ev.Matched) > 0 || keepStatus || e.advancer == nil || i >= maxAdvances {
			break
		}
		advanced, err := e.advancer.Advance(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("failed to advance case: %w", err)
		}
		if !advanced {
			break
		}
	}

	change, err := e.ApplyQueues(ctx, tx, c, ev.Queues)
	if err != nil {
		return err
	}
	if err := e.assignRuleUsers(ctx, tx, c, ev.Matched); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "case routed",
		logging.CaseID(c.ID.String()),
		logging.Status(string(c.Status)),
		logging.Count(len(ev.Queues)),
		"added", len(change.Added),
		"removed", len(change.Removed))
	return nil
}

// assignRuleUsers assigns each matched rule's user to the case on the
// rule's queue when that user is active and not already assigned there.
func (e *Engine) assignRuleUsers(ctx context.Context, tx repository.Tx, c *models.Case, rules []models.RoutingRule) error {
	for _, rule := range rules {
		if rule.UserID == nil {
			continue
		}
		user, err := tx.GetUser(ctx, *rule.UserID)
		if errors.Is(err, repository.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load rule user: %w", err)
		}
		if !user.Active {
			continue
		}
		err = tx.CreateAssignment(ctx, &models.CaseAssignment{
			ID:        uuid.Must(uuid.NewV7()),
			CaseID:    c.ID,
			UserID:    user.ID,
			QueueID:   rule.QueueID,
			CreatedAt: e.now(),
		})
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to assign rule user: %w", err)
		}
		queue, err := tx.GetQueue(ctx, rule.QueueID)
		if err != nil {
			return fmt.Errorf("failed to load queue: %w", err)
		}
		if err := e.trail.Record(ctx, tx, nil, c, audit.AssignUserToCase{
			User:    user.Email,
			UserID:  user.ID.String(),
			Queue:   queue.Name,
			QueueID: queue.ID.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}
