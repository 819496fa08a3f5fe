// Package service is the transactional entry point to the workflow engine.
// Each method runs one unit of work: the status machine, routing, queue
// tracking, advice and countersigning all act inside the same transaction
// and its audit entries commit or roll back with it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/database"
	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/advice"
	"github.com/exportcontrol/caseflow/workflow/internal/assignment"
	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/countersign"
	"github.com/exportcontrol/caseflow/workflow/internal/licence"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/notify"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
	"github.com/exportcontrol/caseflow/workflow/internal/routing"
	"github.com/exportcontrol/caseflow/workflow/internal/rules"
	"github.com/exportcontrol/caseflow/workflow/internal/status"
)

var ErrNotDraft = errors.New("only draft cases can be deleted")

// Service wires the workflow components over one repository.
type Service struct {
	repo        repository.Repository
	trail       *audit.Trail
	machine     *status.Machine
	router      *routing.Engine
	tracker     *assignment.Tracker
	aggregator  *advice.Aggregator
	countersign *countersign.Coordinator
	importer    *rules.Importer
	logger      *logging.Logger
	now         func() time.Time
}

type options struct {
	notifier      notify.Dispatcher
	refusalFlagID uuid.UUID
	now           func() time.Time
}

type Option func(*options)

// WithNotifier sends finalisation notices after commit.
func WithNotifier(n notify.Dispatcher) Option {
	return func(o *options) { o.notifier = n }
}

// WithRefusalFlag names the system flag kept in step with FINAL refusals.
func WithRefusalFlag(id uuid.UUID) Option {
	return func(o *options) { o.refusalFlagID = id }
}

// WithClock sets the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewService builds the component graph. The status machine and the
// routing engine refer to each other, so the router is attached after
// both exist.
func NewService(repo repository.Repository, trail *audit.Trail, licences licence.Service, logger *logging.Logger, opts ...Option) *Service {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	machineOpts := []status.Option{status.WithClock(o.now)}
	if o.notifier != nil {
		machineOpts = append(machineOpts, status.WithNotifier(o.notifier))
	}
	machine := status.NewMachine(trail, licences, logger, machineOpts...)
	router := routing.NewEngine(machine, trail, logger, routing.WithClock(o.now))
	machine.SetRouter(router)

	coordinator := countersign.NewCoordinator(trail, logger, countersign.WithClock(o.now))
	aggregatorOpts := []advice.Option{advice.WithClock(o.now)}
	if o.refusalFlagID != uuid.Nil {
		aggregatorOpts = append(aggregatorOpts, advice.WithRefusalFlag(o.refusalFlagID))
	}

	return &Service{
		repo:        repo,
		trail:       trail,
		machine:     machine,
		router:      router,
		tracker:     assignment.NewTracker(trail, machine, router, logger, assignment.WithClock(o.now)),
		aggregator:  advice.NewAggregator(trail, coordinator, logger, aggregatorOpts...),
		countersign: coordinator,
		importer:    rules.NewImporter(logger),
		logger:      logger,
		now:         o.now,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	return s.repo.WithTx(ctx, fn)
}

// ChangeStatus moves a case to next and reroutes it.
func (s *Service) ChangeStatus(ctx context.Context, caseID uuid.UUID, actor *uuid.UUID, next models.CaseStatus, note string) (*models.Case, error) {
	var c *models.Case
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		c, err = s.machine.ChangeStatus(ctx, tx, caseID, actor, next, note)
		return err
	})
	return c, err
}

func (s *Service) SetSubStatus(ctx context.Context, caseID uuid.UUID, actor *uuid.UUID, subStatusID string) (*models.Case, error) {
	var c *models.Case
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		c, err = s.machine.SetSubStatus(ctx, tx, caseID, actor, subStatusID)
		return err
	})
	return c, err
}

// Finalise records the case's FINAL advice as its decisions. Countersigning
// must be complete first; a case finalised earlier is returned unchanged.
func (s *Service) Finalise(ctx context.Context, caseID uuid.UUID, actor *uuid.UUID, note string) (*status.FinaliseResult, error) {
	var result *status.FinaliseResult
	err := s.inTx(ctx, func(tx repository.Tx) error {
		c, err := tx.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		var decisions []models.Advice
		if c.Status != models.StatusFinalised {
			if err := s.countersign.EnsureComplete(ctx, tx, caseID); err != nil {
				return err
			}
			if decisions, err = tx.ListAdvice(ctx, caseID, models.AdviceLevelFinal); err != nil {
				return fmt.Errorf("failed to list final advice: %w", err)
			}
		}
		result, err = s.machine.Finalise(ctx, tx, caseID, actor, decisions, note)
		return err
	})
	return result, err
}

// Route re-runs routing for a case at its current status.
func (s *Service) Route(ctx context.Context, caseID uuid.UUID) (*models.Case, error) {
	var c *models.Case
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		if c, err = tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		return s.router.Route(ctx, tx, c, true)
	})
	return c, err
}

// Evaluate reports which rules would match a case without changing it.
func (s *Service) Evaluate(ctx context.Context, caseID uuid.UUID) (*routing.Evaluation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	var eval *routing.Evaluation
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		c, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		eval, err = s.router.Evaluate(ctx, tx, c)
		return err
	})
	return eval, err
}

func (s *Service) Assign(ctx context.Context, caseID, userID, queueID uuid.UUID, actor *uuid.UUID) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		created, err = s.tracker.Assign(ctx, tx, caseID, userID, queueID, actor)
		return err
	})
	return created, err
}

func (s *Service) Unassign(ctx context.Context, caseID, userID, queueID uuid.UUID, actor *uuid.UUID) error {
	return s.inTx(ctx, func(tx repository.Tx) error {
		return s.tracker.Unassign(ctx, tx, caseID, userID, queueID, actor)
	})
}

// MoveCaseForward marks a queue's work on a case as done.
func (s *Service) MoveCaseForward(ctx context.Context, caseID, queueID uuid.UUID, actor *uuid.UUID) error {
	return s.inTx(ctx, func(tx repository.Tx) error {
		return s.tracker.MoveCaseForward(ctx, tx, caseID, queueID, actor)
	})
}

// SubmitAdvice stores advice written by actorID.
func (s *Service) SubmitAdvice(ctx context.Context, caseID, actorID uuid.UUID, rows []models.Advice) ([]models.Advice, error) {
	var out []models.Advice
	err := s.inTx(ctx, func(tx repository.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		out, err = s.aggregator.Submit(ctx, tx, caseID, *actor, rows)
		return err
	})
	return out, err
}

// AggregateAdvice combines the level below target into target-level rows.
func (s *Service) AggregateAdvice(ctx context.Context, caseID, actorID uuid.UUID, target models.AdviceLevel) ([]models.Advice, error) {
	var out []models.Advice
	err := s.inTx(ctx, func(tx repository.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		out, err = s.aggregator.Aggregate(ctx, tx, caseID, *actor, target)
		return err
	})
	return out, err
}

func (s *Service) Countersign(ctx context.Context, adviceID uuid.UUID, order int, accepted bool, reasons string, userID uuid.UUID) (*models.CountersignAdvice, error) {
	var cs *models.CountersignAdvice
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		cs, err = s.countersign.Create(ctx, tx, adviceID, order, accepted, reasons, userID)
		return err
	})
	return cs, err
}

// RestartCountersigning invalidates countersignatures up to the highest
// rejected order.
func (s *Service) RestartCountersigning(ctx context.Context, caseID uuid.UUID) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		n, err = s.countersign.InvalidateRejected(ctx, tx, caseID)
		return err
	})
	return n, err
}

// DeleteDraft removes a draft case. Its audit entries stay with their
// target cleared.
func (s *Service) DeleteDraft(ctx context.Context, caseID uuid.UUID) error {
	return s.inTx(ctx, func(tx repository.Tx) error {
		c, err := tx.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.IsDraft() {
			return fmt.Errorf("%w: case %s is %s", ErrNotDraft, c.Reference, c.Status)
		}
		if err := tx.ClearAuditTarget(ctx, caseID); err != nil {
			return fmt.Errorf("failed to detach audit entries: %w", err)
		}
		if err := tx.DeleteCase(ctx, caseID); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "draft case deleted", logging.CaseID(caseID.String()))
		return nil
	})
}

// MarkChaserSent records that the reminder for an information request
// went out. A second callback for the same request is ignored.
func (s *Service) MarkChaserSent(ctx context.Context, queryID uuid.UUID, sentAt time.Time) error {
	return s.inTx(ctx, func(tx repository.Tx) error {
		q, err := tx.GetQuery(ctx, queryID)
		if err != nil {
			return err
		}
		if q.ChaserSentOn != nil {
			return nil
		}
		if sentAt.IsZero() {
			sentAt = s.now()
		}
		if err := tx.MarkChaserSent(ctx, queryID, sentAt); err != nil {
			return err
		}
		c, err := tx.GetCase(ctx, q.CaseID)
		if err != nil {
			return err
		}
		return s.trail.Record(ctx, tx, nil, c, audit.EcjuChaserSent{QueryID: queryID.String()})
	})
}

// ImportRules creates the rules in f that do not exist yet.
func (s *Service) ImportRules(ctx context.Context, f *rules.File) (rules.Result, error) {
	var res rules.Result
	err := s.inTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = s.importer.Import(ctx, tx, f)
		return err
	})
	return res, err
}

// AuditReport summarises a case's audit trail.
type AuditReport struct {
	Entries  []models.AuditEntry
	Tampered []uuid.UUID
}

// VerifyAudit checks the signature of every entry on a case.
func (s *Service) VerifyAudit(ctx context.Context, caseID uuid.UUID) (*AuditReport, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	report := &AuditReport{}
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		entries, err := tx.ListAudit(ctx, caseID)
		if err != nil {
			return err
		}
		report.Entries = entries
		for i := range entries {
			if !s.trail.Verify(&entries[i]) {
				report.Tampered = append(report.Tampered, entries[i].ID)
			}
		}
		return nil
	})
	return report, err
}
