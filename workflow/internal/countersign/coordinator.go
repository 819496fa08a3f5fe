// Package countersign records countersignatures on advice and decides
// whether a case's countersigning is complete.
package countersign

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
	ErrInvalidCountersign = errors.New("invalid countersignature")
	ErrIncomplete         = errors.New("countersigning incomplete")
)

// countersignable lists the final advice types countersigning applies to.
var countersignable = []models.AdviceType{
	models.AdviceApprove,
	models.AdviceProviso,
	models.AdviceNoLicenceRequired,
	models.AdviceRefuse,
}

// Coordinator manages countersignatures inside a caller's transaction.
type Coordinator struct {
	trail  audit.Recorder
	logger *logging.Logger
	now    func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(trail audit.Recorder, logger *logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{trail: trail, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Create appends a countersignature. Earlier rows are never overwritten;
// order is taken as given.
func (co *Coordinator) Create(ctx context.Context, tx repository.Tx, adviceID uuid.UUID, order int, accepted bool, reasons string, userID uuid.UUID) (*models.CountersignAdvice, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: order %d", ErrInvalidCountersign, order)
	}
	if !accepted && reasons == "" {
		return nil, fmt.Errorf("%w: rejection without reasons", ErrInvalidCountersign)
	}

	advice, err := tx.GetAdvice(ctx, adviceID)
	if err != nil {
		return nil, err
	}
	if advice.Level == models.AdviceLevelUser {
		return nil, fmt.Errorf("%w: user advice cannot be countersigned", ErrInvalidCountersign)
	}
	c, err := tx.LockCase(ctx, advice.CaseID)
	if err != nil {
		return nil, err
	}

	cs := &models.CountersignAdvice{
		ID:                  uuid.Must(uuid.NewV7()),
		CaseID:              c.ID,
		AdviceID:            advice.ID,
		Order:               order,
		OutcomeAccepted:     accepted,
		Reasons:             reasons,
		CountersignedUserID: userID,
		Valid:               true,
		CreatedAt:           co.now(),
	}
	if err := tx.InsertCountersign(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to insert countersignature: %w", err)
	}
	if err := co.trail.Record(ctx, tx, &userID, c, audit.CountersignedAdvice{
		AdviceID: advice.ID.String(),
		Order:    order,
		Accepted: accepted,
	}); err != nil {
		return nil, err
	}
	return cs, nil
}

// InvalidateOnEdit marks every valid countersignature on an edited advice
// row invalid. Rows are kept for history.
func (co *Coordinator) InvalidateOnEdit(ctx context.Context, tx repository.Tx, adviceID uuid.UUID) (int, error) {
	n, err := tx.InvalidateCountersigns(ctx, []uuid.UUID{adviceID})
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate countersignatures: %w", err)
	}
	if n > 0 {
		metrics.CountersignsInvalidated.Add(float64(n))
		co.logger.InfoContext(ctx, "countersignatures invalidated by edit",
			logging.AdviceID(adviceID.String()),
			logging.Count(n))
	}
	return n, nil
}

// RequiredOrders returns the countersigning orders a set of flags demands:
// every order from 1 up to the highest any flag asks for.
func RequiredOrders(flags []models.Flag) []int {
	highest := 0
	for _, f := range flags {
		if f.Active && f.CountersignOrder > highest {
			highest = f.CountersignOrder
		}
	}
	orders := make([]int, 0, highest)
	for o := 1; o <= highest; o++ {
		orders = append(orders, o)
	}
	return orders
}

// relevant returns the valid countersignatures on countersignable final
// advice, keyed by order.
func relevant(ctx context.Context, tx repository.Tx, caseID uuid.UUID) (map[int][]models.CountersignAdvice, error) {
	final, err := tx.ListAdvice(ctx, caseID, models.AdviceLevelFinal)
	if err != nil {
		return nil, fmt.Errorf("failed to list final advice: %w", err)
	}
	eligible := make(map[uuid.UUID]bool, len(final))
	for _, a := range final {
		if slices.Contains(countersignable, a.Type) {
			eligible[a.ID] = true
		}
	}

	rows, err := tx.ListCountersigns(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list countersignatures: %w", err)
	}
	byOrder := make(map[int][]models.CountersignAdvice)
	for _, cs := range rows {
		if cs.Valid && eligible[cs.AdviceID] {
			byOrder[cs.Order] = append(byOrder[cs.Order], cs)
		}
	}
	return byOrder, nil
}

func (co *Coordinator) requiredOrders(ctx context.Context, tx repository.Tx, caseID uuid.UUID) ([]int, error) {
	flags, err := tx.ListCountersignFlags(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list countersign flags: %w", err)
	}
	return RequiredOrders(flags), nil
}

// EnsureComplete returns ErrIncomplete unless every required order has at
// least one valid countersignature and all of them accept the advice. Once
// complete, the countersign flags on destinations are removed; flags on
// goods describe the products and stay.
func (co *Coordinator) EnsureComplete(ctx context.Context, tx repository.Tx, caseID uuid.UUID) error {
	orders, err := co.requiredOrders(ctx, tx, caseID)
	if err != nil || len(orders) == 0 {
		return err
	}
	byOrder, err := relevant(ctx, tx, caseID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		rows := byOrder[order]
		if len(rows) == 0 {
			return fmt.Errorf("%w: no countersignature at order %d", ErrIncomplete, order)
		}
		if slices.ContainsFunc(rows, func(cs models.CountersignAdvice) bool { return !cs.OutcomeAccepted }) {
			return fmt.Errorf("%w: order %d was rejected", ErrIncomplete, order)
		}
	}
	n, err := tx.RemovePartyCountersignFlags(ctx, caseID)
	if err != nil {
		return err
	}
	if n > 0 {
		co.logger.InfoContext(ctx, "countersign flags removed",
			logging.CaseID(caseID.String()),
			logging.Count(n))
	}
	return nil
}

// InvalidateRejected restarts countersigning after a rejection: when any
// required order holds a valid rejection, every valid countersignature up
// to the highest rejected order is invalidated.
func (co *Coordinator) InvalidateRejected(ctx context.Context, tx repository.Tx, caseID uuid.UUID) (int, error) {
	orders, err := co.requiredOrders(ctx, tx, caseID)
	if err != nil || len(orders) == 0 {
		return 0, err
	}
	byOrder, err := relevant(ctx, tx, caseID)
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, order := range orders {
		rejected := slices.ContainsFunc(byOrder[order], func(cs models.CountersignAdvice) bool { return !cs.OutcomeAccepted })
		if rejected {
			highest = order
		}
	}
	if highest == 0 {
		return 0, nil
	}

	n, err := tx.InvalidateCountersignOrders(ctx, caseID, highest)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate rejected countersignatures: %w", err)
	}
	metrics.CountersignsInvalidated.Add(float64(n))
	co.logger.InfoContext(ctx, "rejected countersigning restarted",
		logging.CaseID(caseID.String()),
		logging.Count(n))
	return n, nil
}
