package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a connection pool and pings it.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &pgTx{tx: pgtx}

	defer func() {
		// no-op once committed
		_ = pgtx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

type pgTx struct {
	tx    pgx.Tx
	hooks []func(ctx context.Context)
}

func (t *pgTx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(in []string) ([]uuid.UUID, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(in))
	for i, s := range in {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func statusStrings(statuses []models.CaseStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Cases

const caseSelect = `
	SELECT
		c.id, c.reference_code, c.status, c.sub_status_id,
		ct.id, ct.reference, ct.type, ct.sub_type,
		c.organisation_id, c.case_officer_id,
		c.sla_days, c.sla_remaining_days, c.sla_updated_at,
		c.submitted_at, c.last_closed_at, c.created_at, c.updated_at
	FROM cases c
	JOIN case_types ct ON ct.id = c.case_type_id
`

func scanCase(row pgx.Row) (*models.Case, error) {
	c := &models.Case{}
	err := row.Scan(
		&c.ID, &c.Reference, &c.Status, &c.SubStatusID,
		&c.CaseType.ID, &c.CaseType.Reference, &c.CaseType.Type, &c.CaseType.SubType,
		&c.OrganisationID, &c.CaseOfficerID,
		&c.SLADays, &c.SLARemainingDays, &c.SLAUpdatedAt,
		&c.SubmittedAt, &c.LastClosedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *pgTx) getCase(ctx context.Context, id uuid.UUID, lock bool) (*models.Case, error) {
	query := caseSelect + ` WHERE c.id = $1`
	if lock {
		query += ` FOR UPDATE OF c`
	}
	c, err := scanCase(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

func (t *pgTx) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	return t.getCase(ctx, id, false)
}

func (t *pgTx) LockCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	return t.getCase(ctx, id, true)
}

func (t *pgTx) UpdateCase(ctx context.Context, c *models.Case) error {
	query := `
		UPDATE cases SET
			status = $2, sub_status_id = $3, case_officer_id = $4,
			sla_days = $5, sla_remaining_days = $6, sla_updated_at = $7,
			submitted_at = $8, last_closed_at = $9, updated_at = $10
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query,
		c.ID, c.Status, c.SubStatusID, c.CaseOfficerID,
		c.SLADays, c.SLARemainingDays, c.SLAUpdatedAt,
		c.SubmittedAt, c.LastClosedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (t *pgTx) DeleteCase(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (t *pgTx) GetSubStatus(ctx context.Context, id string) (*models.SubStatus, error) {
	s := &models.SubStatus{}
	err := t.tx.QueryRow(ctx,
		`SELECT id, parent_status, name FROM case_sub_statuses WHERE id = $1`, id,
	).Scan(&s.ID, &s.Parent, &s.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubStatusNotFound
		}
		return nil, fmt.Errorf("failed to get sub-status: %w", err)
	}
	return s, nil
}

func (t *pgTx) FindSubStatus(ctx context.Context, parent models.CaseStatus, name string) (*models.SubStatus, error) {
	s := &models.SubStatus{}
	err := t.tx.QueryRow(ctx,
		`SELECT id, parent_status, name FROM case_sub_statuses WHERE parent_status = $1 AND name = $2`, parent, name,
	).Scan(&s.ID, &s.Parent, &s.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubStatusNotFound
		}
		return nil, fmt.Errorf("failed to find sub-status: %w", err)
	}
	return s, nil
}

func (t *pgTx) LockSLACandidates(ctx context.Context, submittedBefore time.Time) ([]*models.Case, error) {
	query := caseSelect + `
		WHERE c.submitted_at < $1
		  AND c.last_closed_at IS NULL
		  AND c.sla_remaining_days IS NOT NULL
		  AND c.status <> ALL($2::text[])
		ORDER BY c.submitted_at, c.id
		FOR UPDATE OF c
	`
	rows, err := t.tx.Query(ctx, query, submittedBefore, statusStrings(models.TerminalStatuses()))
	if err != nil {
		return nil, fmt.Errorf("failed to lock sla candidates: %w", err)
	}
	defer rows.Close()

	var cases []*models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cases: %w", err)
	}
	return cases, nil
}

// Flags

const flagColumns = `f.id, f.name, f.level, f.active, f.remove_on_finalisation, f.countersign_order`

func (t *pgTx) queryFlags(ctx context.Context, query string, args ...any) ([]models.Flag, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var flags []models.Flag
	for rows.Next() {
		var f models.Flag
		if err := rows.Scan(&f.ID, &f.Name, &f.Level, &f.Active, &f.RemoveOnFinalisation, &f.CountersignOrder); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flags: %w", err)
	}
	return flags, nil
}

func (t *pgTx) ListCaseFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error) {
	return t.queryFlags(ctx, `
		SELECT `+flagColumns+` FROM case_flags cf JOIN flags f ON f.id = cf.flag_id
		WHERE cf.case_id = $1 ORDER BY cf.created_at, f.name`, caseID)
}

func (t *pgTx) AddCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO case_flags (case_id, flag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, caseID, flagID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return ErrFlagNotFound
		}
		return fmt.Errorf("failed to add case flag: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM case_flags WHERE case_id = $1 AND flag_id = $2`, caseID, flagID); err != nil {
		return fmt.Errorf("failed to remove case flag: %w", err)
	}
	return nil
}

func (t *pgTx) ListFlags(ctx context.Context, ids []uuid.UUID) ([]models.Flag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryFlags(ctx, `SELECT `+flagColumns+` FROM flags f WHERE f.id = ANY($1::uuid[])`, uuidStrings(ids))
}

func (t *pgTx) ListCountersignFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error) {
	return t.queryFlags(ctx, `
		SELECT `+flagColumns+` FROM flags f
		WHERE f.active AND f.countersign_order > 0 AND f.id IN (
			SELECT flag_id FROM case_flags WHERE case_id = $1
			UNION
			SELECT gf.flag_id FROM good_flags gf JOIN goods g ON g.id = gf.good_id WHERE g.case_id = $1
			UNION
			SELECT pf.flag_id FROM party_flags pf JOIN parties p ON p.id = pf.party_id
			WHERE p.case_id = $1 AND NOT p.deleted
		)
		ORDER BY f.countersign_order, f.name`, caseID)
}

func (t *pgTx) RemovePartyCountersignFlags(ctx context.Context, caseID uuid.UUID) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM party_flags pf USING parties p, flags f
		WHERE pf.party_id = p.id AND f.id = pf.flag_id
		  AND p.case_id = $1 AND NOT p.deleted AND f.active AND f.countersign_order > 0`, caseID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove countersign flags: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Routing

func (t *pgTx) GetRoutingSubject(ctx context.Context, caseID uuid.UUID) (*models.RoutingSubject, error) {
	c, err := t.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	subject := &models.RoutingSubject{Case: c}

	if subject.CaseFlags, err = t.ListCaseFlags(ctx, caseID); err != nil {
		return nil, err
	}
	if subject.OrganisationFlags, err = t.queryFlags(ctx, `
		SELECT `+flagColumns+` FROM organisation_flags orgf JOIN flags f ON f.id = orgf.flag_id
		WHERE orgf.organisation_id = $1`, c.OrganisationID); err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, type, country_code, deleted FROM parties WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	var parties []models.Party
	for rows.Next() {
		var p models.Party
		if err := rows.Scan(&p.ID, &p.Type, &p.CountryCode, &p.Deleted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parties: %w", err)
	}
	for i := range parties {
		p := &parties[i]
		if p.Flags, err = t.queryFlags(ctx, `
			SELECT `+flagColumns+` FROM party_flags pf JOIN flags f ON f.id = pf.flag_id
			WHERE pf.party_id = $1`, p.ID); err != nil {
			return nil, err
		}
		if p.CountryFlags, err = t.queryFlags(ctx, `
			SELECT `+flagColumns+` FROM country_flags cf JOIN flags f ON f.id = cf.flag_id
			WHERE cf.country_code = $1`, p.CountryCode); err != nil {
			return nil, err
		}
	}
	subject.Parties = parties

	goodRows, err := t.tx.Query(ctx, `SELECT id FROM goods WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goods: %w", err)
	}
	goodIDs, err := pgx.CollectRows(goodRows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan goods: %w", err)
	}
	for _, id := range goodIDs {
		flags, err := t.queryFlags(ctx, `
			SELECT `+flagColumns+` FROM good_flags gf JOIN flags f ON f.id = gf.flag_id
			WHERE gf.good_id = $1`, id)
		if err != nil {
			return nil, err
		}
		subject.Goods = append(subject.Goods, models.Good{ID: id, Flags: flags})
	}
	return subject, nil
}

func (t *pgTx) ListRoutingRules(ctx context.Context, status models.CaseStatus) ([]models.RoutingRule, error) {
	query := `
		SELECT
			r.id, r.team_id, t.name, r.queue_id, r.status, r.tier, r.active, r.user_id,
			r.case_type_ids::text[], r.flags_to_include::text[], r.flags_to_exclude::text[],
			r.country, r.created_at
		FROM routing_rules r
		JOIN teams t ON t.id = r.team_id
		WHERE r.active AND r.status = $1
		ORDER BY t.name, r.tier, r.created_at DESC
	`
	rows, err := t.tx.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var (
			r                           models.RoutingRule
			caseTypes, include, exclude []string
		)
		if err := rows.Scan(
			&r.ID, &r.TeamID, &r.TeamName, &r.QueueID, &r.Status, &r.Tier, &r.Active, &r.UserID,
			&caseTypes, &include, &exclude, &r.Country, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan routing rule: %w", err)
		}
		if r.CaseTypeIDs, err = parseUUIDs(caseTypes); err != nil {
			return nil, fmt.Errorf("routing rule %s case types: %w", r.ID, err)
		}
		if r.FlagsToInclude, err = parseUUIDs(include); err != nil {
			return nil, fmt.Errorf("routing rule %s flags: %w", r.ID, err)
		}
		if r.FlagsToExclude, err = parseUUIDs(exclude); err != nil {
			return nil, fmt.Errorf("routing rule %s flags: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing rules: %w", err)
	}
	return rules, nil
}

func (t *pgTx) CreateRoutingRule(ctx context.Context, r *models.RoutingRule) error {
	query := `
		INSERT INTO routing_rules (
			id, team_id, queue_id, status, tier, active, user_id, country,
			case_type_ids, flags_to_include, flags_to_exclude, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::uuid[], $10::uuid[], $11::uuid[], $12)
	`
	_, err := t.tx.Exec(ctx, query,
		r.ID, r.TeamID, r.QueueID, r.Status, r.Tier, r.Active, r.UserID, r.Country,
		uuidStrings(r.CaseTypeIDs), uuidStrings(r.FlagsToInclude), uuidStrings(r.FlagsToExclude), r.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: team %s already has a tier %d rule for %s", ErrDuplicate, r.TeamName, r.Tier, r.Status)
		}
		return fmt.Errorf("failed to create routing rule: %w", err)
	}
	return nil
}

// Queues

func scanQueue(row pgx.Row) (*models.Queue, error) {
	q := &models.Queue{}
	if err := row.Scan(&q.ID, &q.Name, &q.TeamID, &q.CountersigningQueueID); err != nil {
		return nil, err
	}
	return q, nil
}

func (t *pgTx) GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	q, err := scanQueue(t.tx.QueryRow(ctx,
		`SELECT id, name, team_id, countersigning_queue_id FROM queues WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return q, nil
}

func (t *pgTx) GetQueueByName(ctx context.Context, name string) (*models.Queue, error) {
	q, err := scanQueue(t.tx.QueryRow(ctx,
		`SELECT id, name, team_id, countersigning_queue_id FROM queues WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return q, nil
}

func (t *pgTx) ListCaseQueues(ctx context.Context, caseID uuid.UUID) ([]models.Queue, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT q.id, q.name, q.team_id, q.countersigning_queue_id
		FROM case_queues cq JOIN queues q ON q.id = cq.queue_id
		WHERE cq.case_id = $1
		ORDER BY cq.created_at, q.name`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list case queues: %w", err)
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queues: %w", err)
	}
	return queues, nil
}

func (t *pgTx) AddCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO case_queues (case_id, queue_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, caseID, queueID, at)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return ErrQueueNotFound
		}
		return fmt.Errorf("failed to add case queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO case_queue_movements (id, case_id, queue_id, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.Must(uuid.NewV7()), caseID, queueID, at)
	if err != nil {
		return fmt.Errorf("failed to record queue movement: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM case_queues WHERE case_id = $1 AND queue_id = $2`, caseID, queueID); err != nil {
		return fmt.Errorf("failed to remove case queue: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE case_queue_movements SET exit_date = $3
		WHERE case_id = $1 AND queue_id = $2 AND exit_date IS NULL`, caseID, queueID, at); err != nil {
		return fmt.Errorf("failed to close queue movement: %w", err)
	}
	return t.DeleteQueueAssignments(ctx, caseID, queueID)
}

func (t *pgTx) ListQueueMovements(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueMovement, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, case_id, queue_id, created_at, exit_date
		FROM case_queue_movements WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue movements: %w", err)
	}
	movements, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.CaseQueueMovement])
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue movements: %w", err)
	}
	return movements, nil
}

func (t *pgTx) QueueDepartments(ctx context.Context) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT q.id, t.department_id FROM queues q JOIN teams t ON t.id = q.team_id
		WHERE t.department_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to map queue departments: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var queueID, deptID uuid.UUID
		if err := rows.Scan(&queueID, &deptID); err != nil {
			return nil, fmt.Errorf("failed to scan queue department: %w", err)
		}
		out[queueID] = deptID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue departments: %w", err)
	}
	return out, nil
}

func (t *pgTx) getTeam(ctx context.Context, where string, arg any) (*models.Team, error) {
	team := &models.Team{}
	err := t.tx.QueryRow(ctx, `SELECT id, name, department_id FROM teams WHERE `+where, arg).
		Scan(&team.ID, &team.Name, &team.DepartmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return team, nil
}

func (t *pgTx) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	return t.getTeam(ctx, "id = $1", id)
}

func (t *pgTx) GetTeamByName(ctx context.Context, name string) (*models.Team, error) {
	return t.getTeam(ctx, "name = $1", name)
}

// Assignments

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u := &models.User{}
	err := t.tx.QueryRow(ctx, `SELECT id, email, team_id, active FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.TeamID, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (t *pgTx) CreateAssignment(ctx context.Context, a *models.CaseAssignment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO case_assignments (id, case_id, user_id, queue_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.CaseID, a.UserID, a.QueueID, a.CreatedAt)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return ErrDuplicate
		case pgForeignKeyViolation:
			return fmt.Errorf("failed to create assignment: %w", ErrUserNotFound)
		}
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteAssignment(ctx context.Context, caseID, userID, queueID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM case_assignments WHERE case_id = $1 AND user_id = $2 AND queue_id = $3`, caseID, userID, queueID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteQueueAssignments(ctx context.Context, caseID, queueID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM case_assignments WHERE case_id = $1 AND queue_id = $2`, caseID, queueID)
	if err != nil {
		return fmt.Errorf("failed to delete queue assignments: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteCaseAssignments(ctx context.Context, caseID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM case_assignments WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("failed to delete case assignments: %w", err)
	}
	return nil
}

func (t *pgTx) ListAssignments(ctx context.Context, caseID uuid.UUID) ([]models.CaseAssignment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, case_id, user_id, queue_id, created_at
		FROM case_assignments WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	assignments, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.CaseAssignment])
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignments: %w", err)
	}
	return assignments, nil
}

// Advice

const adviceColumns = `
	id, case_id, level, type, entity_kind, entity_id, text, note, proviso,
	footnote, footnote_required, pv_grading, collated_pv_grading, denial_reasons,
	team_id, user_id, created_at, updated_at
`

func scanAdvice(row pgx.Row) (*models.Advice, error) {
	var (
		a                  models.Advice
		entityKind, entity string
	)
	err := row.Scan(
		&a.ID, &a.CaseID, &a.Level, &a.Type, &entityKind, &entity, &a.Text, &a.Note, &a.Proviso,
		&a.Footnote, &a.FootnoteRequired, &a.PVGrading, &a.CollatedPVGrading, &a.DenialReasons,
		&a.TeamID, &a.UserID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	kind, err := models.ParseEntityKind(entityKind)
	if err != nil {
		return nil, err
	}
	if a.Entity, err = models.NewEntityRef(kind, entity); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) GetAdvice(ctx context.Context, id uuid.UUID) (*models.Advice, error) {
	a, err := scanAdvice(t.tx.QueryRow(ctx, `SELECT `+adviceColumns+` FROM advice WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdviceNotFound
		}
		return nil, fmt.Errorf("failed to get advice: %w", err)
	}
	return a, nil
}

func (t *pgTx) FindAdvice(ctx context.Context, key models.AdviceKey) (*models.Advice, error) {
	query := `SELECT ` + adviceColumns + ` FROM advice
		WHERE case_id = $1 AND level = $2 AND entity_kind = $3 AND entity_id = $4`
	args := []any{key.CaseID, key.Level, key.Entity.Kind().String(), key.Entity.ID()}
	switch key.Level {
	case models.AdviceLevelUser:
		query += ` AND user_id = $5 AND team_id IS NOT DISTINCT FROM $6`
		args = append(args, key.UserID, nullableUUID(key.TeamID))
	case models.AdviceLevelTeam:
		query += ` AND team_id = $5`
		args = append(args, key.TeamID)
	}

	a, err := scanAdvice(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdviceNotFound
		}
		return nil, fmt.Errorf("failed to find advice: %w", err)
	}
	return a, nil
}

func (t *pgTx) ListAdvice(ctx context.Context, caseID uuid.UUID, level models.AdviceLevel) ([]models.Advice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+adviceColumns+` FROM advice
		WHERE case_id = $1 AND level = $2 ORDER BY created_at, id`, caseID, level)
	if err != nil {
		return nil, fmt.Errorf("failed to list advice: %w", err)
	}
	defer rows.Close()

	var out []models.Advice
	for rows.Next() {
		a, err := scanAdvice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advice: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating advice: %w", err)
	}
	return out, nil
}

func denialReasons(a *models.Advice) []string {
	if a.DenialReasons == nil {
		return []string{}
	}
	return a.DenialReasons
}

func (t *pgTx) InsertAdvice(ctx context.Context, a *models.Advice) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO advice (`+adviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.CaseID, a.Level, a.Type, a.Entity.Kind().String(), a.Entity.ID(), a.Text, a.Note, a.Proviso,
		a.Footnote, a.FootnoteRequired, a.PVGrading, a.CollatedPVGrading, denialReasons(a),
		a.TeamID, a.UserID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert advice: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAdvice(ctx context.Context, a *models.Advice) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE advice SET
			type = $2, text = $3, note = $4, proviso = $5, footnote = $6, footnote_required = $7,
			pv_grading = $8, collated_pv_grading = $9, denial_reasons = $10, user_id = $11, updated_at = $12
		WHERE id = $1`,
		a.ID, a.Type, a.Text, a.Note, a.Proviso, a.Footnote, a.FootnoteRequired,
		a.PVGrading, a.CollatedPVGrading, denialReasons(a), a.UserID, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update advice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAdviceNotFound
	}
	return nil
}

// Countersigns

func (t *pgTx) InsertCountersign(ctx context.Context, cs *models.CountersignAdvice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO countersign_advice (
			id, case_id, advice_id, "order", outcome_accepted, reasons, countersigned_user_id, valid, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cs.ID, cs.CaseID, cs.AdviceID, cs.Order, cs.OutcomeAccepted, cs.Reasons,
		cs.CountersignedUserID, cs.Valid, cs.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return ErrAdviceNotFound
		}
		return fmt.Errorf("failed to insert countersignature: %w", err)
	}
	return nil
}

func (t *pgTx) ListCountersigns(ctx context.Context, caseID uuid.UUID) ([]models.CountersignAdvice, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, case_id, advice_id, "order", outcome_accepted, reasons, countersigned_user_id, valid, created_at
		FROM countersign_advice WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list countersignatures: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.CountersignAdvice])
	if err != nil {
		return nil, fmt.Errorf("failed to scan countersignatures: %w", err)
	}
	return out, nil
}

func (t *pgTx) InvalidateCountersigns(ctx context.Context, adviceIDs []uuid.UUID) (int, error) {
	if len(adviceIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE countersign_advice SET valid = FALSE
		WHERE valid AND advice_id = ANY($1::uuid[])`, uuidStrings(adviceIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate countersignatures: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InvalidateCountersignOrders(ctx context.Context, caseID uuid.UUID, maxOrder int) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE countersign_advice SET valid = FALSE
		WHERE valid AND case_id = $1 AND "order" <= $2`, caseID, maxOrder)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate countersignatures: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SLA counters

func (t *pgTx) IncrementQueueSLA(ctx context.Context, caseID, queueID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO case_queue_sla (case_id, queue_id, sla_days) VALUES ($1, $2, 1)
		ON CONFLICT (case_id, queue_id) DO UPDATE SET sla_days = case_queue_sla.sla_days + 1`, caseID, queueID)
	if err != nil {
		return fmt.Errorf("failed to increment queue sla: %w", err)
	}
	return nil
}

func (t *pgTx) IncrementDepartmentSLA(ctx context.Context, caseID, departmentID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO department_sla (case_id, department_id, sla_days) VALUES ($1, $2, 1)
		ON CONFLICT (case_id, department_id) DO UPDATE SET sla_days = department_sla.sla_days + 1`, caseID, departmentID)
	if err != nil {
		return fmt.Errorf("failed to increment department sla: %w", err)
	}
	return nil
}

func (t *pgTx) ListQueueSLAs(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueSLA, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT case_id, queue_id, sla_days FROM case_queue_sla WHERE case_id = $1 ORDER BY queue_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue slas: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.CaseQueueSLA])
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue slas: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListDepartmentSLAs(ctx context.Context, caseID uuid.UUID) ([]models.DepartmentSLA, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT case_id, department_id, sla_days FROM department_sla WHERE case_id = $1 ORDER BY department_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list department slas: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.DepartmentSLA])
	if err != nil {
		return nil, fmt.Errorf("failed to scan department slas: %w", err)
	}
	return out, nil
}

// ECJU queries

const queryColumns = `q.id, q.case_id, q.question, q.created_at, q.responded_at, q.chaser_sent_on`

func (t *pgTx) GetQuery(ctx context.Context, id uuid.UUID) (*models.EcjuQuery, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+queryColumns+` FROM ecju_queries q WHERE q.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get ecju query: %w", err)
	}
	q, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[models.EcjuQuery])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ecju query: %w", err)
	}
	return &q, nil
}

func (t *pgTx) ListCaseQueries(ctx context.Context, caseIDs []uuid.UUID) ([]models.EcjuQuery, error) {
	if len(caseIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT `+queryColumns+` FROM ecju_queries q
		WHERE q.case_id = ANY($1::uuid[]) ORDER BY q.created_at`, uuidStrings(caseIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list ecju queries: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.EcjuQuery])
	if err != nil {
		return nil, fmt.Errorf("failed to scan ecju queries: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListChaserCandidates(ctx context.Context) ([]models.EcjuQuery, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+queryColumns+` FROM ecju_queries q
		JOIN cases c ON c.id = q.case_id
		WHERE q.responded_at IS NULL AND q.chaser_sent_on IS NULL AND c.status <> ALL($1::text[])
		ORDER BY q.created_at`, statusStrings(models.TerminalStatuses()))
	if err != nil {
		return nil, fmt.Errorf("failed to list chaser candidates: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.EcjuQuery])
	if err != nil {
		return nil, fmt.Errorf("failed to scan chaser candidates: %w", err)
	}
	return out, nil
}

func (t *pgTx) MarkChaserSent(ctx context.Context, queryID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ecju_queries SET chaser_sent_on = $2 WHERE id = $1`, queryID, at)
	if err != nil {
		return fmt.Errorf("failed to mark chaser sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueryNotFound
	}
	return nil
}

// Audit

func (t *pgTx) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_trail (id, verb, actor_id, target_case_id, payload, payload_version, created_at, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Verb, e.ActorID, e.TargetCaseID, []byte(e.Payload), e.PayloadVersion, e.CreatedAt, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (t *pgTx) ListAudit(ctx context.Context, caseID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, verb, actor_id, target_case_id, payload, payload_version, created_at, signature
		FROM audit_trail WHERE target_case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Verb, &e.ActorID, &e.TargetCaseID, &payload, &e.PayloadVersion, &e.CreatedAt, &e.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, nil
}

func (t *pgTx) ClearAuditTarget(ctx context.Context, caseID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `UPDATE audit_trail SET target_case_id = NULL WHERE target_case_id = $1`, caseID); err != nil {
		return fmt.Errorf("failed to clear audit target: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
