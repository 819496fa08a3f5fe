// Package status owns case status and sub-status transitions.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/licence"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/notify"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSubStatus  = fmt.Errorf("%w: sub-status does not belong to case status", ErrInvalidTransition)
)

// Router re-evaluates a case's queues after its status changed.
type Router interface {
	Route(ctx context.Context, tx repository.Tx, c *models.Case, keepStatus bool) error
}

// FinaliseResult reports what Finalise did.
type FinaliseResult struct {
	Case      *models.Case
	LicenceID string
	// AlreadyFinalised is set when the case was finalised by an earlier
	// call; nothing was changed.
	AlreadyFinalised bool
}

// Machine applies status changes inside a caller's transaction.
type Machine struct {
	trail    audit.Recorder
	licences licence.Service
	notifier notify.Dispatcher
	router   Router
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Machine)

func WithNotifier(n notify.Dispatcher) Option {
	return func(m *Machine) { m.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(trail audit.Recorder, licences licence.Service, logger *logging.Logger, opts ...Option) *Machine {
	m := &Machine{
		trail:    trail,
		licences: licences,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	return m
}

// SetRouter attaches the router used after status changes. The router in
// turn advances cases through this machine, so it is wired after both exist.
func (m *Machine) SetRouter(r Router) {
	m.router = r
}

// ChangeStatus moves a case to next. An unchanged status is audited but
// neither clears the sub-status nor reroutes.
func (m *Machine) ChangeStatus(ctx context.Context, tx repository.Tx, caseID uuid.UUID, actor *uuid.UUID, next models.CaseStatus, note string) (*models.Case, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == models.StatusFinalised || next == models.StatusDraft {
		return nil, fmt.Errorf("%w: %s is not reachable by status change", ErrInvalidTransition, next)
	}

	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	old := c.Status
	if old.IsTerminal() && next.IsTerminal() && old != next {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, old, next)
	}
	changed := old != next

	now := m.now()
	c.Status = next
	c.UpdatedAt = now
	clearedSubStatus := changed && c.SubStatusID != nil
	if changed {
		c.SubStatusID = nil
	}
	if changed && next.IsTerminal() {
		closedAt := now
		c.LastClosedAt = &closedAt
		c.CaseOfficerID = nil
	}
	if err := tx.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update case status: %w", err)
	}

	if changed {
		if err := m.licences.Sync(ctx, c.ID, next); err != nil {
			return nil, fmt.Errorf("failed to sync licence: %w", err)
		}
	}

	if err := m.trail.Record(ctx, tx, actor, c, audit.UpdatedStatus{
		Status:         audit.StatusChange{New: next, Old: old},
		AdditionalText: note,
	}); err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}
	metrics.StatusTransitions.WithLabelValues(string(old), string(next)).Inc()

	if clearedSubStatus {
		if err := m.trail.Record(ctx, tx, actor, c, audit.UpdatedSubStatus{Status: next}); err != nil {
			return nil, err
		}
	}

	if next.IsTerminal() {
		if err := m.closeOut(ctx, tx, c); err != nil {
			return nil, err
		}
	} else if m.router != nil {
		if err := m.router.Route(ctx, tx, c, true); err != nil {
			return nil, fmt.Errorf("failed to reroute case: %w", err)
		}
	}

	m.logger.InfoContext(ctx, "case status changed",
		logging.CaseID(c.ID.String()),
		logging.Status(string(next)))
	return c, nil
}

// SetSubStatus sets a sub-status that must belong to the case's status.
func (m *Machine) SetSubStatus(ctx context.Context, tx repository.Tx, caseID uuid.UUID, actor *uuid.UUID, subStatusID string) (*models.Case, error) {
	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	sub, err := tx.GetSubStatus(ctx, subStatusID)
	if err != nil {
		return nil, err
	}
	if err := m.applySubStatus(ctx, tx, c, actor, sub); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Machine) applySubStatus(ctx context.Context, tx repository.Tx, c *models.Case, actor *uuid.UUID, sub *models.SubStatus) error {
	if sub.Parent != c.Status {
		return fmt.Errorf("%w: %s is not a child of %s", ErrInvalidSubStatus, sub.Name, c.Status)
	}
	id := sub.ID
	c.SubStatusID = &id
	c.UpdatedAt = m.now()
	if err := tx.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("failed to update sub-status: %w", err)
	}
	return m.trail.Record(ctx, tx, actor, c, audit.UpdatedSubStatus{SubStatus: sub.Name, Status: c.Status})
}

// Finalise records the final decisions on a case. A case that is already
// finalised is left untouched.
func (m *Machine) Finalise(ctx context.Context, tx repository.Tx, caseID uuid.UUID, actor *uuid.UUID, decisions []models.Advice, note string) (*FinaliseResult, error) {
	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.StatusFinalised {
		metrics.Finalisations.WithLabelValues("already_finalised").Inc()
		m.logger.InfoContext(ctx, "case already finalised", logging.CaseID(c.ID.String()))
		return &FinaliseResult{Case: c, AlreadyFinalised: true}, nil
	}
	if c.Status.IsTerminal() || c.IsDraft() {
		return nil, fmt.Errorf("%w: cannot finalise a %s case", ErrInvalidTransition, c.Status)
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("%w: finalise needs at least one decision", ErrInvalidTransition)
	}

	issue, refuse := false, false
	for _, d := range decisions {
		switch d.Type {
		case models.AdviceApprove, models.AdviceProviso:
			issue = true
		case models.AdviceRefuse:
			refuse = true
		}
	}

	result := &FinaliseResult{Case: c}
	subStatusName := ""
	switch {
	case issue:
		id, err := m.licences.Issue(ctx, c.ID, decisions)
		if err != nil {
			return nil, fmt.Errorf("failed to issue licence: %w", err)
		}
		result.LicenceID = id
		subStatusName = models.SubStatusApproved
	case refuse:
		if err := m.licences.Refuse(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to refuse licence: %w", err)
		}
		subStatusName = models.SubStatusRefused
	}

	old := c.Status
	now := m.now()
	c.Status = models.StatusFinalised
	c.SubStatusID = nil
	c.UpdatedAt = now
	closedAt := now
	c.LastClosedAt = &closedAt
	c.CaseOfficerID = nil
	if err := tx.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to finalise case: %w", err)
	}
	if err := m.trail.Record(ctx, tx, actor, c, audit.UpdatedStatus{
		Status:         audit.StatusChange{New: c.Status, Old: old},
		AdditionalText: note,
	}); err != nil {
		return nil, err
	}

	if subStatusName != "" {
		sub, err := tx.FindSubStatus(ctx, models.StatusFinalised, subStatusName)
		if err != nil {
			return nil, fmt.Errorf("failed to find %s sub-status: %w", subStatusName, err)
		}
		if err := m.applySubStatus(ctx, tx, c, actor, sub); err != nil {
			return nil, err
		}
	}

	for _, d := range decisions {
		if err := m.trail.Record(ctx, tx, actor, c, audit.CreatedFinalRecommendation{
			Decision:  d.Type,
			Entity:    d.Entity,
			LicenceID: result.LicenceID,
		}); err != nil {
			return nil, err
		}
	}

	if err := m.closeOut(ctx, tx, c); err != nil {
		return nil, err
	}

	if m.notifier != nil {
		final := c.Clone()
		licenceID := result.LicenceID
		tx.OnCommit(func(ctx context.Context) { m.notifier.CaseFinalised(ctx, final, licenceID) })
	}
	metrics.Finalisations.WithLabelValues("finalised").Inc()
	metrics.StatusTransitions.WithLabelValues(string(old), string(c.Status)).Inc()
	m.logger.InfoContext(ctx, "case finalised",
		logging.CaseID(c.ID.String()),
		logging.Outcome(subStatusName))
	return result, nil
}

// Advance moves a case to the next status of its workflow sequence without
// rerouting. It reports false when there is no next status or the next
// status is terminal.
func (m *Machine) Advance(ctx context.Context, tx repository.Tx, c *models.Case) (bool, error) {
	next, ok := NextStatus(c.Status)
	if !ok || next.IsTerminal() {
		return false, nil
	}

	old := c.Status
	hadSubStatus := c.SubStatusID != nil
	c.Status = next
	c.SubStatusID = nil
	c.UpdatedAt = m.now()
	if err := tx.UpdateCase(ctx, c); err != nil {
		return false, fmt.Errorf("failed to advance case: %w", err)
	}
	if err := m.trail.Record(ctx, tx, nil, c, audit.UpdatedStatus{
		Status: audit.StatusChange{New: next, Old: old},
	}); err != nil {
		return false, err
	}
	if hadSubStatus {
		if err := m.trail.Record(ctx, tx, nil, c, audit.UpdatedSubStatus{Status: next}); err != nil {
			return false, err
		}
	}
	metrics.StatusTransitions.WithLabelValues(string(old), string(next)).Inc()
	return true, nil
}

// closeOut enforces the terminal invariant and strips flags that do not
// outlive the case.
func (m *Machine) closeOut(ctx context.Context, tx repository.Tx, c *models.Case) error {
	queues, err := tx.ListCaseQueues(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list case queues: %w", err)
	}
	now := m.now()
	for _, q := range queues {
		if err := tx.RemoveCaseQueue(ctx, c.ID, q.ID, now); err != nil {
			return fmt.Errorf("failed to remove queue %s: %w", q.Name, err)
		}
	}
	if err := tx.DeleteCaseAssignments(ctx, c.ID); err != nil {
		return fmt.Errorf("failed to remove assignments: %w", err)
	}
	if len(queues) > 0 {
		metrics.QueueMovements.WithLabelValues("removed").Add(float64(len(queues)))
		if err := m.trail.Record(ctx, tx, nil, c, audit.RemoveCase{QueueSet: audit.NewQueueSet(queues, c.Status)}); err != nil {
			return err
		}
	}

	if !c.Status.RemovesFinalisationFlags() {
		return nil
	}
	flags, err := tx.ListCaseFlags(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list case flags: %w", err)
	}
	for _, f := range flags {
		if !f.RemoveOnFinalisation {
			continue
		}
		if err := tx.RemoveCaseFlag(ctx, c.ID, f.ID); err != nil {
			return fmt.Errorf("failed to remove flag %s: %w", f.Name, err)
		}
	}
	return nil
}
