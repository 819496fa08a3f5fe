package advice

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
	ErrInvalidAdvice = errors.New("invalid advice")
	ErrCaseClosed    = errors.New("case is closed")
)

// Invalidator voids countersignatures on edited advice.
type Invalidator interface {
	InvalidateOnEdit(ctx context.Context, tx repository.Tx, adviceID uuid.UUID) (int, error)
}

// Aggregator records advice and promotes it between levels.
type Aggregator struct {
	trail         audit.Recorder
	invalidator   Invalidator
	refusalFlagID uuid.UUID
	logger        *logging.Logger
	now           func() time.Time
}

type Option func(*Aggregator)

// WithRefusalFlag names the flag kept in step with refused final advice.
func WithRefusalFlag(id uuid.UUID) Option {
	return func(a *Aggregator) { a.refusalFlagID = id }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(trail audit.Recorder, invalidator Invalidator, logger *logging.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		trail:       trail,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	return a
}

// Validate checks a submitted row before it is stored.
func Validate(a models.Advice) error {
	switch a.Level {
	case models.AdviceLevelUser, models.AdviceLevelTeam, models.AdviceLevelFinal:
	default:
		return fmt.Errorf("%w: unknown level %q", ErrInvalidAdvice, a.Level)
	}
	if !a.Type.Valid() || a.Type == models.AdviceConflicting {
		return fmt.Errorf("%w: type %q cannot be submitted", ErrInvalidAdvice, a.Type)
	}
	if a.Entity.IsZero() {
		return fmt.Errorf("%w: no entity", ErrInvalidAdvice)
	}
	if a.Type == models.AdviceRefuse && len(a.DenialReasons) == 0 {
		return fmt.Errorf("%w: refusal without denial reasons", ErrInvalidAdvice)
	}
	if a.Type == models.AdviceProviso && a.Proviso == "" {
		return fmt.Errorf("%w: proviso advice without a proviso", ErrInvalidAdvice)
	}
	return nil
}

// Submit stores advice authored by actor on a case. A row landing in an
// occupied slot supersedes the occupant; final advice whose content changes
// loses its countersignatures. Proviso wording is kept only on proviso
// advice.
func (g *Aggregator) Submit(ctx context.Context, tx repository.Tx, caseID uuid.UUID, actor models.User, rows []models.Advice) ([]models.Advice, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: nothing submitted", ErrInvalidAdvice)
	}
	for _, a := range rows {
		if err := Validate(a); err != nil {
			return nil, err
		}
	}

	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}

	now := g.now()
	out := make([]models.Advice, 0, len(rows))
	final := false
	for _, a := range rows {
		a.CaseID = c.ID
		a.UserID = actor.ID
		team := actor.TeamID
		a.TeamID = &team
		ClearProviso(&a)

		sup, err := g.supersede(ctx, tx, a, now)
		if err != nil {
			return nil, err
		}
		if a.Level == models.AdviceLevelFinal {
			final = true
		}
		if a.Level == models.AdviceLevelUser {
			if err := g.trail.Record(ctx, tx, &actor.ID, c, audit.CreatedUserAdvice{
				AdviceID:   sup.Advice.ID.String(),
				Level:      a.Level,
				AdviceType: a.Type,
				Entity:     a.Entity,
				Superseded: sup.Replaced != nil,
			}); err != nil {
				return nil, err
			}
		}
		out = append(out, *sup.Advice)
	}

	if final {
		if _, err := g.SyncRefusalFlag(ctx, tx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Aggregate promotes the level below target into target for a case: user
// advice from actor's team into team advice, or team advice into final
// advice. One row is written per advised-on entity, in entity order.
func (g *Aggregator) Aggregate(ctx context.Context, tx repository.Tx, caseID uuid.UUID, actor models.User, target models.AdviceLevel) ([]models.Advice, error) {
	var source models.AdviceLevel
	switch target {
	case models.AdviceLevelTeam:
		source = models.AdviceLevelUser
	case models.AdviceLevelFinal:
		source = models.AdviceLevelTeam
	default:
		return nil, fmt.Errorf("%w: cannot aggregate into %q", ErrInvalidAdvice, target)
	}

	c, err := tx.LockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}

	rows, err := tx.ListAdvice(ctx, c.ID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s advice: %w", source, err)
	}
	if target == models.AdviceLevelTeam {
		rows = slices.DeleteFunc(rows, func(a models.Advice) bool {
			return a.TeamID == nil || *a.TeamID != actor.TeamID
		})
	}

	groups := make(map[models.EntityRef][]models.Advice)
	var entities []models.EntityRef
	for _, a := range rows {
		if _, ok := groups[a.Entity]; !ok {
			entities = append(entities, a.Entity)
		}
		groups[a.Entity] = append(groups[a.Entity], a)
	}
	slices.SortFunc(entities, func(a, b models.EntityRef) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	now := g.now()
	out := make([]models.Advice, 0, len(entities))
	for _, entity := range entities {
		merged := Merge(Deduplicate(groups[entity]))
		merged.Level = target
		merged.UserID = actor.ID
		team := actor.TeamID
		merged.TeamID = &team

		sup, err := g.supersede(ctx, tx, merged, now)
		if err != nil {
			return nil, err
		}
		metrics.AdviceAggregations.WithLabelValues(string(target), string(merged.Type)).Inc()
		out = append(out, *sup.Advice)
	}

	g.logger.InfoContext(ctx, "aggregated advice",
		logging.CaseID(c.ID.String()),
		logging.Count(len(out)),
		"level", string(target))

	if target == models.AdviceLevelFinal {
		if _, err := g.SyncRefusalFlag(ctx, tx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *Aggregator) supersede(ctx context.Context, tx repository.Tx, next models.Advice, now time.Time) (Superseded, error) {
	prior, err := tx.FindAdvice(ctx, next.Key())
	if err != nil && !errors.Is(err, repository.ErrAdviceNotFound) {
		return Superseded{}, fmt.Errorf("failed to find advice: %w", err)
	}
	sup := Supersede(prior, next, now)

	if sup.Replaced == nil {
		if err := tx.InsertAdvice(ctx, sup.Advice); err != nil {
			return Superseded{}, fmt.Errorf("failed to insert advice: %w", err)
		}
		return sup, nil
	}
	if sup.Unchanged {
		return sup, nil
	}

	if err := tx.UpdateAdvice(ctx, sup.Advice); err != nil {
		return Superseded{}, fmt.Errorf("failed to supersede advice: %w", err)
	}
	if next.Level == models.AdviceLevelFinal && g.invalidator != nil {
		if _, err := g.invalidator.InvalidateOnEdit(ctx, tx, sup.Advice.ID); err != nil {
			return Superseded{}, err
		}
	}
	return sup, nil
}

// SyncRefusalFlag adds the refusal flag to a case whose final advice
// contains a refusal and removes it otherwise. It reports whether the
// case's flags changed. Without a configured flag it does nothing.
func (g *Aggregator) SyncRefusalFlag(ctx context.Context, tx repository.Tx, caseID uuid.UUID) (bool, error) {
	if g.refusalFlagID == uuid.Nil {
		return false, nil
	}
	final, err := tx.ListAdvice(ctx, caseID, models.AdviceLevelFinal)
	if err != nil {
		return false, fmt.Errorf("failed to list final advice: %w", err)
	}
	refused := slices.ContainsFunc(final, func(a models.Advice) bool { return a.Type == models.AdviceRefuse })

	flags, err := tx.ListCaseFlags(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("failed to list case flags: %w", err)
	}
	present := slices.ContainsFunc(flags, func(f models.Flag) bool { return f.ID == g.refusalFlagID })

	switch {
	case refused && !present:
		if err := tx.AddCaseFlag(ctx, caseID, g.refusalFlagID); err != nil {
			return false, fmt.Errorf("failed to add refusal flag: %w", err)
		}
		return true, nil
	case !refused && present:
		if err := tx.RemoveCaseFlag(ctx, caseID, g.refusalFlagID); err != nil {
			return false, fmt.Errorf("failed to remove refusal flag: %w", err)
		}
		return true, nil
	}
	return false, nil
}
