// Package repository persists cases and everything hanging off them. All
// workflow mutations run inside a Tx obtained from Repository.WithTx.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

var (
	ErrCaseNotFound      = errors.New("case not found")
	ErrSubStatusNotFound = errors.New("sub-status not found")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrTeamNotFound      = errors.New("team not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrFlagNotFound      = errors.New("flag not found")
	ErrAdviceNotFound    = errors.New("advice not found")
	ErrQueryNotFound     = errors.New("ecju query not found")
	ErrDuplicate         = errors.New("record already exists")
)

// CaseStore reads and writes case rows.
type CaseStore interface {
	GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error)
	// LockCase reads the case and holds a row lock until the Tx ends.
	LockCase(ctx context.Context, id uuid.UUID) (*models.Case, error)
	UpdateCase(ctx context.Context, c *models.Case) error
	DeleteCase(ctx context.Context, id uuid.UUID) error
	GetSubStatus(ctx context.Context, id string) (*models.SubStatus, error)
	FindSubStatus(ctx context.Context, parent models.CaseStatus, name string) (*models.SubStatus, error)
	// LockSLACandidates locks submitted, open, non-terminal cases with a
	// remaining-days counter that were submitted before the given instant.
	LockSLACandidates(ctx context.Context, submittedBefore time.Time) ([]*models.Case, error)
}

// FlagStore manages flags on cases.
type FlagStore interface {
	ListCaseFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error)
	AddCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error
	RemoveCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error
	ListFlags(ctx context.Context, ids []uuid.UUID) ([]models.Flag, error)
	// ListCountersignFlags returns the active flags with a countersign
	// order attached anywhere on the case: case, goods, destinations.
	ListCountersignFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error)
	// RemovePartyCountersignFlags strips countersign flags from the case's
	// destinations and returns how many were removed.
	RemovePartyCountersignFlags(ctx context.Context, caseID uuid.UUID) (int, error)
}

// RoutingStore reads routing inputs.
type RoutingStore interface {
	GetRoutingSubject(ctx context.Context, caseID uuid.UUID) (*models.RoutingSubject, error)
	// ListRoutingRules returns active rules for status ordered by team
	// name, tier ascending, newest first.
	ListRoutingRules(ctx context.Context, status models.CaseStatus) ([]models.RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule *models.RoutingRule) error
}

// QueueStore manages queue membership and movement history.
type QueueStore interface {
	GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error)
	GetQueueByName(ctx context.Context, name string) (*models.Queue, error)
	ListCaseQueues(ctx context.Context, caseID uuid.UUID) ([]models.Queue, error)
	// AddCaseQueue adds membership and opens a movement row.
	AddCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error
	// RemoveCaseQueue drops membership, closes the open movement row and
	// deletes assignments on that queue.
	RemoveCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error
	ListQueueMovements(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueMovement, error)
	// QueueDepartments maps every queue with a departmental team to its department.
	QueueDepartments(ctx context.Context) (map[uuid.UUID]uuid.UUID, error)
	GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error)
	GetTeamByName(ctx context.Context, name string) (*models.Team, error)
}

// AssignmentStore manages user assignments.
type AssignmentStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	// CreateAssignment returns ErrDuplicate for an existing (case, user, queue).
	CreateAssignment(ctx context.Context, a *models.CaseAssignment) error
	DeleteAssignment(ctx context.Context, caseID, userID, queueID uuid.UUID) error
	DeleteQueueAssignments(ctx context.Context, caseID, queueID uuid.UUID) error
	DeleteCaseAssignments(ctx context.Context, caseID uuid.UUID) error
	ListAssignments(ctx context.Context, caseID uuid.UUID) ([]models.CaseAssignment, error)
}

// AdviceStore manages advice rows.
type AdviceStore interface {
	GetAdvice(ctx context.Context, id uuid.UUID) (*models.Advice, error)
	// FindAdvice returns the row occupying key, or ErrAdviceNotFound.
	FindAdvice(ctx context.Context, key models.AdviceKey) (*models.Advice, error)
	// ListAdvice returns a case's rows at level in creation order.
	ListAdvice(ctx context.Context, caseID uuid.UUID, level models.AdviceLevel) ([]models.Advice, error)
	InsertAdvice(ctx context.Context, a *models.Advice) error
	UpdateAdvice(ctx context.Context, a *models.Advice) error
}

// CountersignStore manages countersignatures.
type CountersignStore interface {
	InsertCountersign(ctx context.Context, cs *models.CountersignAdvice) error
	ListCountersigns(ctx context.Context, caseID uuid.UUID) ([]models.CountersignAdvice, error)
	// InvalidateCountersigns flips valid rows on the given advice to invalid
	// and returns how many changed.
	InvalidateCountersigns(ctx context.Context, adviceIDs []uuid.UUID) (int, error)
	// InvalidateCountersignOrders flips valid rows with order <= maxOrder.
	InvalidateCountersignOrders(ctx context.Context, caseID uuid.UUID, maxOrder int) (int, error)
}

// SLAStore manages per-queue and per-department day counters.
type SLAStore interface {
	// IncrementQueueSLA adds one day, creating the row at 1.
	IncrementQueueSLA(ctx context.Context, caseID, queueID uuid.UUID) error
	IncrementDepartmentSLA(ctx context.Context, caseID, departmentID uuid.UUID) error
	ListQueueSLAs(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueSLA, error)
	ListDepartmentSLAs(ctx context.Context, caseID uuid.UUID) ([]models.DepartmentSLA, error)
}

// QueryStore manages ECJU information requests.
type QueryStore interface {
	GetQuery(ctx context.Context, id uuid.UUID) (*models.EcjuQuery, error)
	ListCaseQueries(ctx context.Context, caseIDs []uuid.UUID) ([]models.EcjuQuery, error)
	// ListChaserCandidates returns unanswered queries on non-terminal cases
	// that have not yet been chased.
	ListChaserCandidates(ctx context.Context) ([]models.EcjuQuery, error)
	MarkChaserSent(ctx context.Context, queryID uuid.UUID, at time.Time) error
}

// AuditStore appends to the audit trail.
type AuditStore interface {
	InsertAudit(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, caseID uuid.UUID) ([]models.AuditEntry, error)
	ClearAuditTarget(ctx context.Context, caseID uuid.UUID) error
}

// Tx is a unit of work. Hooks registered with OnCommit run after a
// successful commit and never after a rollback.
type Tx interface {
	CaseStore
	FlagStore
	RoutingStore
	QueueStore
	AssignmentStore
	AdviceStore
	CountersignStore
	SLAStore
	QueryStore
	AuditStore

	OnCommit(fn func(ctx context.Context))
}

// Repository opens transactions.
type Repository interface {
	// WithTx runs fn in a transaction, committing on nil and rolling back
	// on error or panic.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
