package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// MemoryRepository keeps everything in process. WithTx serialises
// transactions and restores a snapshot on rollback. The Put* seeders must
// not be called from inside WithTx.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memParty struct {
	caseID  uuid.UUID
	party   models.Party
	flagIDs []uuid.UUID
}

type memGood struct {
	caseID  uuid.UUID
	goodID  uuid.UUID
	flagIDs []uuid.UUID
}

type pairKey struct {
	caseID  uuid.UUID
	otherID uuid.UUID
}

type memState struct {
	cases        map[uuid.UUID]*models.Case
	subStatuses  map[string]models.SubStatus
	flags        map[uuid.UUID]models.Flag
	caseFlags    map[uuid.UUID][]uuid.UUID
	orgFlags     map[uuid.UUID][]uuid.UUID
	countryFlags map[string][]uuid.UUID
	parties      []memParty
	goods        []memGood
	teams        map[uuid.UUID]models.Team
	queues       map[uuid.UUID]models.Queue
	users        map[uuid.UUID]models.User
	rules        []models.RoutingRule
	caseQueues   map[uuid.UUID][]uuid.UUID
	movements    []models.CaseQueueMovement
	assignments  []models.CaseAssignment
	advice       []*models.Advice
	countersigns []models.CountersignAdvice
	queueSLA     map[pairKey]int
	deptSLA      map[pairKey]int
	queries      []models.EcjuQuery
	audit        []models.AuditEntry
}

func newMemState() *memState {
	return &memState{
		cases:        make(map[uuid.UUID]*models.Case),
		subStatuses:  make(map[string]models.SubStatus),
		flags:        make(map[uuid.UUID]models.Flag),
		caseFlags:    make(map[uuid.UUID][]uuid.UUID),
		orgFlags:     make(map[uuid.UUID][]uuid.UUID),
		countryFlags: make(map[string][]uuid.UUID),
		teams:        make(map[uuid.UUID]models.Team),
		queues:       make(map[uuid.UUID]models.Queue),
		users:        make(map[uuid.UUID]models.User),
		caseQueues:   make(map[uuid.UUID][]uuid.UUID),
		queueSLA:     make(map[pairKey]int),
		deptSLA:      make(map[pairKey]int),
	}
}

func cloneIDMap[K comparable](in map[K][]uuid.UUID) map[K][]uuid.UUID {
	out := make(map[K][]uuid.UUID, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func (s *memState) clone() *memState {
	out := &memState{
		cases:        make(map[uuid.UUID]*models.Case, len(s.cases)),
		subStatuses:  maps.Clone(s.subStatuses),
		flags:        maps.Clone(s.flags),
		caseFlags:    cloneIDMap(s.caseFlags),
		orgFlags:     cloneIDMap(s.orgFlags),
		countryFlags: cloneIDMap(s.countryFlags),
		parties:      slices.Clone(s.parties),
		goods:        slices.Clone(s.goods),
		teams:        maps.Clone(s.teams),
		queues:       maps.Clone(s.queues),
		users:        maps.Clone(s.users),
		rules:        slices.Clone(s.rules),
		caseQueues:   cloneIDMap(s.caseQueues),
		movements:    slices.Clone(s.movements),
		assignments:  slices.Clone(s.assignments),
		advice:       make([]*models.Advice, len(s.advice)),
		countersigns: slices.Clone(s.countersigns),
		queueSLA:     maps.Clone(s.queueSLA),
		deptSLA:      maps.Clone(s.deptSLA),
		queries:      slices.Clone(s.queries),
		audit:        slices.Clone(s.audit),
	}
	for id, c := range s.cases {
		out.cases[id] = c.Clone()
	}
	for i, a := range s.advice {
		out.advice[i] = a.Clone()
	}
	return out
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{}
	func() {
		m.mu.Lock()
		snapshot := m.state.clone()
		tx.st = m.state
		committed := false
		defer func() {
			if !committed {
				m.state = snapshot
			}
			m.mu.Unlock()
		}()

		if err = fn(tx); err != nil {
			return
		}
		if err = ctx.Err(); err != nil {
			return
		}
		committed = true
	}()
	if err != nil {
		return err
	}

	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryRepository) Close() {}

// Seeders.

func (m *MemoryRepository) PutCase(c *models.Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.cases[c.ID] = c.Clone()
}

func (m *MemoryRepository) PutSubStatus(s models.SubStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.subStatuses[s.ID] = s
}

func (m *MemoryRepository) PutFlag(f models.Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.flags[f.ID] = f
}

func (m *MemoryRepository) PutCaseFlag(caseID, flagID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.state.caseFlags[caseID], flagID) {
		m.state.caseFlags[caseID] = append(m.state.caseFlags[caseID], flagID)
	}
}

func (m *MemoryRepository) PutOrganisationFlag(orgID, flagID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.orgFlags[orgID] = append(m.state.orgFlags[orgID], flagID)
}

func (m *MemoryRepository) PutCountryFlag(country string, flagID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.countryFlags[country] = append(m.state.countryFlags[country], flagID)
}

// PutParty attaches a destination to a case. Party.Flags and CountryFlags
// are ignored; pass flag IDs instead.
func (m *MemoryRepository) PutParty(caseID uuid.UUID, p models.Party, flagIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Flags, p.CountryFlags = nil, nil
	m.state.parties = append(m.state.parties, memParty{caseID: caseID, party: p, flagIDs: flagIDs})
}

func (m *MemoryRepository) PutGood(caseID, goodID uuid.UUID, flagIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.goods = append(m.state.goods, memGood{caseID: caseID, goodID: goodID, flagIDs: flagIDs})
}

func (m *MemoryRepository) PutTeam(t models.Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.teams[t.ID] = t
}

func (m *MemoryRepository) PutQueue(q models.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.queues[q.ID] = q
}

func (m *MemoryRepository) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.ID] = u
}

func (m *MemoryRepository) PutRoutingRule(r models.RoutingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.rules = append(m.state.rules, r)
}

// PutCaseQueue places a case on a queue without touching movement history.
func (m *MemoryRepository) PutCaseQueue(caseID, queueID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.state.caseQueues[caseID], queueID) {
		m.state.caseQueues[caseID] = append(m.state.caseQueues[caseID], queueID)
	}
}

func (m *MemoryRepository) PutAssignment(a models.CaseAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.assignments = append(m.state.assignments, a)
}

func (m *MemoryRepository) PutAdvice(a *models.Advice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.state.advice {
		if existing.ID == a.ID {
			m.state.advice[i] = a.Clone()
			return
		}
	}
	m.state.advice = append(m.state.advice, a.Clone())
}

func (m *MemoryRepository) PutEcjuQuery(q models.EcjuQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.queries = append(m.state.queries, q)
}

func (m *MemoryRepository) PutQueueSLA(caseID, queueID uuid.UUID, days int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.queueSLA[pairKey{caseID, queueID}] = days
}

type memTx struct {
	st    *memState
	hooks []func(ctx context.Context)
}

func (t *memTx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

// CaseStore

func (t *memTx) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := t.st.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (t *memTx) LockCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	return t.GetCase(ctx, id)
}

func (t *memTx) UpdateCase(ctx context.Context, c *models.Case) error {
	if _, ok := t.st.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	t.st.cases[c.ID] = c.Clone()
	return nil
}

func (t *memTx) DeleteCase(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.st.cases[id]; !ok {
		return ErrCaseNotFound
	}
	delete(t.st.cases, id)
	delete(t.st.caseFlags, id)
	delete(t.st.caseQueues, id)
	t.st.parties = slices.DeleteFunc(t.st.parties, func(p memParty) bool { return p.caseID == id })
	t.st.goods = slices.DeleteFunc(t.st.goods, func(g memGood) bool { return g.caseID == id })
	t.st.movements = slices.DeleteFunc(t.st.movements, func(mv models.CaseQueueMovement) bool { return mv.CaseID == id })
	t.st.assignments = slices.DeleteFunc(t.st.assignments, func(a models.CaseAssignment) bool { return a.CaseID == id })
	t.st.advice = slices.DeleteFunc(t.st.advice, func(a *models.Advice) bool { return a.CaseID == id })
	t.st.countersigns = slices.DeleteFunc(t.st.countersigns, func(c models.CountersignAdvice) bool { return c.CaseID == id })
	t.st.queries = slices.DeleteFunc(t.st.queries, func(q models.EcjuQuery) bool { return q.CaseID == id })
	return nil
}

func (t *memTx) GetSubStatus(ctx context.Context, id string) (*models.SubStatus, error) {
	s, ok := t.st.subStatuses[id]
	if !ok {
		return nil, ErrSubStatusNotFound
	}
	return &s, nil
}

func (t *memTx) FindSubStatus(ctx context.Context, parent models.CaseStatus, name string) (*models.SubStatus, error) {
	for _, s := range t.st.subStatuses {
		if s.Parent == parent && s.Name == name {
			return &s, nil
		}
	}
	return nil, ErrSubStatusNotFound
}

func (t *memTx) LockSLACandidates(ctx context.Context, submittedBefore time.Time) ([]*models.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Case
	for _, c := range t.st.cases {
		if c.SubmittedAt == nil || !c.SubmittedAt.Before(submittedBefore) {
			continue
		}
		if c.LastClosedAt != nil || c.SLARemainingDays == nil || c.Status.IsTerminal() {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Case) int {
		if n := a.SubmittedAt.Compare(*b.SubmittedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// FlagStore

func (t *memTx) resolveFlags(ids []uuid.UUID) []models.Flag {
	out := make([]models.Flag, 0, len(ids))
	for _, id := range ids {
		if f, ok := t.st.flags[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (t *memTx) ListCaseFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error) {
	return t.resolveFlags(t.st.caseFlags[caseID]), nil
}

func (t *memTx) AddCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error {
	if _, ok := t.st.flags[flagID]; !ok {
		return ErrFlagNotFound
	}
	if !slices.Contains(t.st.caseFlags[caseID], flagID) {
		t.st.caseFlags[caseID] = append(t.st.caseFlags[caseID], flagID)
	}
	return nil
}

func (t *memTx) RemoveCaseFlag(ctx context.Context, caseID, flagID uuid.UUID) error {
	t.st.caseFlags[caseID] = slices.DeleteFunc(t.st.caseFlags[caseID], func(id uuid.UUID) bool { return id == flagID })
	return nil
}

func (t *memTx) ListFlags(ctx context.Context, ids []uuid.UUID) ([]models.Flag, error) {
	return t.resolveFlags(ids), nil
}

func (t *memTx) ListCountersignFlags(ctx context.Context, caseID uuid.UUID) ([]models.Flag, error) {
	ids := slices.Clone(t.st.caseFlags[caseID])
	for _, g := range t.st.goods {
		if g.caseID == caseID {
			ids = append(ids, g.flagIDs...)
		}
	}
	for _, p := range t.st.parties {
		if p.caseID == caseID && !p.party.Deleted {
			ids = append(ids, p.flagIDs...)
		}
	}
	seen := make(map[uuid.UUID]bool)
	var out []models.Flag
	for _, f := range t.resolveFlags(ids) {
		if seen[f.ID] || !f.Active || f.CountersignOrder == 0 {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out, nil
}

func (t *memTx) RemovePartyCountersignFlags(ctx context.Context, caseID uuid.UUID) (int, error) {
	removed := 0
	for i, p := range t.st.parties {
		if p.caseID != caseID || p.party.Deleted {
			continue
		}
		kept := make([]uuid.UUID, 0, len(p.flagIDs))
		for _, id := range p.flagIDs {
			if f, ok := t.st.flags[id]; ok && f.Active && f.CountersignOrder > 0 {
				removed++
				continue
			}
			kept = append(kept, id)
		}
		t.st.parties[i].flagIDs = kept
	}
	return removed, nil
}

// RoutingStore

func (t *memTx) GetRoutingSubject(ctx context.Context, caseID uuid.UUID) (*models.RoutingSubject, error) {
	c, ok := t.st.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	subject := &models.RoutingSubject{
		Case:              c.Clone(),
		CaseFlags:         t.resolveFlags(t.st.caseFlags[caseID]),
		OrganisationFlags: t.resolveFlags(t.st.orgFlags[c.OrganisationID]),
	}
	for _, p := range t.st.parties {
		if p.caseID != caseID {
			continue
		}
		party := p.party
		party.Flags = t.resolveFlags(p.flagIDs)
		party.CountryFlags = t.resolveFlags(t.st.countryFlags[party.CountryCode])
		subject.Parties = append(subject.Parties, party)
	}
	for _, g := range t.st.goods {
		if g.caseID == caseID {
			subject.Goods = append(subject.Goods, models.Good{ID: g.goodID, Flags: t.resolveFlags(g.flagIDs)})
		}
	}
	return subject, nil
}

func (t *memTx) ListRoutingRules(ctx context.Context, status models.CaseStatus) ([]models.RoutingRule, error) {
	var out []models.RoutingRule
	for _, r := range t.st.rules {
		if r.Active && r.Status == status {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b models.RoutingRule) int {
		if n := cmp.Compare(a.TeamName, b.TeamName); n != 0 {
			return n
		}
		if n := cmp.Compare(a.Tier, b.Tier); n != 0 {
			return n
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (t *memTx) CreateRoutingRule(ctx context.Context, rule *models.RoutingRule) error {
	for _, r := range t.st.rules {
		if r.TeamID == rule.TeamID && r.Status == rule.Status && r.Tier == rule.Tier {
			return fmt.Errorf("%w: team %s already has a tier %d rule for %s", ErrDuplicate, rule.TeamName, rule.Tier, rule.Status)
		}
	}
	t.st.rules = append(t.st.rules, *rule)
	return nil
}

// QueueStore

func (t *memTx) GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	q, ok := t.st.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return &q, nil
}

func (t *memTx) GetQueueByName(ctx context.Context, name string) (*models.Queue, error) {
	for _, q := range t.st.queues {
		if q.Name == name {
			return &q, nil
		}
	}
	return nil, ErrQueueNotFound
}

func (t *memTx) ListCaseQueues(ctx context.Context, caseID uuid.UUID) ([]models.Queue, error) {
	out := make([]models.Queue, 0, len(t.st.caseQueues[caseID]))
	for _, id := range t.st.caseQueues[caseID] {
		if q, ok := t.st.queues[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (t *memTx) AddCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error {
	if _, ok := t.st.queues[queueID]; !ok {
		return ErrQueueNotFound
	}
	if slices.Contains(t.st.caseQueues[caseID], queueID) {
		return nil
	}
	t.st.caseQueues[caseID] = append(t.st.caseQueues[caseID], queueID)
	t.st.movements = append(t.st.movements, models.CaseQueueMovement{
		ID: uuid.Must(uuid.NewV7()), CaseID: caseID, QueueID: queueID, CreatedAt: at,
	})
	return nil
}

func (t *memTx) RemoveCaseQueue(ctx context.Context, caseID, queueID uuid.UUID, at time.Time) error {
	t.st.caseQueues[caseID] = slices.DeleteFunc(t.st.caseQueues[caseID], func(id uuid.UUID) bool { return id == queueID })
	for i := range t.st.movements {
		mv := &t.st.movements[i]
		if mv.CaseID == caseID && mv.QueueID == queueID && mv.ExitDate == nil {
			exit := at
			mv.ExitDate = &exit
		}
	}
	return t.DeleteQueueAssignments(ctx, caseID, queueID)
}

func (t *memTx) ListQueueMovements(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueMovement, error) {
	var out []models.CaseQueueMovement
	for _, mv := range t.st.movements {
		if mv.CaseID == caseID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (t *memTx) QueueDepartments(ctx context.Context) (map[uuid.UUID]uuid.UUID, error) {
	out := make(map[uuid.UUID]uuid.UUID)
	for _, q := range t.st.queues {
		team, ok := t.st.teams[q.TeamID]
		if ok && team.DepartmentID != nil {
			out[q.ID] = *team.DepartmentID
		}
	}
	return out, nil
}

func (t *memTx) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	team, ok := t.st.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return &team, nil
}

func (t *memTx) GetTeamByName(ctx context.Context, name string) (*models.Team, error) {
	for _, team := range t.st.teams {
		if team.Name == name {
			return &team, nil
		}
	}
	return nil, ErrTeamNotFound
}

// AssignmentStore

func (t *memTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) CreateAssignment(ctx context.Context, a *models.CaseAssignment) error {
	for _, existing := range t.st.assignments {
		if existing.CaseID == a.CaseID && existing.UserID == a.UserID && existing.QueueID == a.QueueID {
			return ErrDuplicate
		}
	}
	t.st.assignments = append(t.st.assignments, *a)
	return nil
}

func (t *memTx) DeleteAssignment(ctx context.Context, caseID, userID, queueID uuid.UUID) error {
	t.st.assignments = slices.DeleteFunc(t.st.assignments, func(a models.CaseAssignment) bool {
		return a.CaseID == caseID && a.UserID == userID && a.QueueID == queueID
	})
	return nil
}

func (t *memTx) DeleteQueueAssignments(ctx context.Context, caseID, queueID uuid.UUID) error {
	t.st.assignments = slices.DeleteFunc(t.st.assignments, func(a models.CaseAssignment) bool {
		return a.CaseID == caseID && a.QueueID == queueID
	})
	return nil
}

func (t *memTx) DeleteCaseAssignments(ctx context.Context, caseID uuid.UUID) error {
	t.st.assignments = slices.DeleteFunc(t.st.assignments, func(a models.CaseAssignment) bool {
		return a.CaseID == caseID
	})
	return nil
}

func (t *memTx) ListAssignments(ctx context.Context, caseID uuid.UUID) ([]models.CaseAssignment, error) {
	var out []models.CaseAssignment
	for _, a := range t.st.assignments {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

// AdviceStore

func (t *memTx) GetAdvice(ctx context.Context, id uuid.UUID) (*models.Advice, error) {
	for _, a := range t.st.advice {
		if a.ID == id {
			return a.Clone(), nil
		}
	}
	return nil, ErrAdviceNotFound
}

func (t *memTx) FindAdvice(ctx context.Context, key models.AdviceKey) (*models.Advice, error) {
	for _, a := range t.st.advice {
		if a.Key() == key {
			return a.Clone(), nil
		}
	}
	return nil, ErrAdviceNotFound
}

func (t *memTx) ListAdvice(ctx context.Context, caseID uuid.UUID, level models.AdviceLevel) ([]models.Advice, error) {
	var out []models.Advice
	for _, a := range t.st.advice {
		if a.CaseID == caseID && a.Level == level {
			out = append(out, *a.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b models.Advice) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (t *memTx) InsertAdvice(ctx context.Context, a *models.Advice) error {
	key := a.Key()
	for _, existing := range t.st.advice {
		if existing.ID == a.ID || existing.Key() == key {
			return ErrDuplicate
		}
	}
	t.st.advice = append(t.st.advice, a.Clone())
	return nil
}

func (t *memTx) UpdateAdvice(ctx context.Context, a *models.Advice) error {
	for i, existing := range t.st.advice {
		if existing.ID == a.ID {
			t.st.advice[i] = a.Clone()
			return nil
		}
	}
	return ErrAdviceNotFound
}

// CountersignStore

func (t *memTx) InsertCountersign(ctx context.Context, cs *models.CountersignAdvice) error {
	t.st.countersigns = append(t.st.countersigns, *cs)
	return nil
}

func (t *memTx) ListCountersigns(ctx context.Context, caseID uuid.UUID) ([]models.CountersignAdvice, error) {
	var out []models.CountersignAdvice
	for _, cs := range t.st.countersigns {
		if cs.CaseID == caseID {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (t *memTx) InvalidateCountersigns(ctx context.Context, adviceIDs []uuid.UUID) (int, error) {
	n := 0
	for i := range t.st.countersigns {
		cs := &t.st.countersigns[i]
		if cs.Valid && slices.Contains(adviceIDs, cs.AdviceID) {
			cs.Valid = false
			n++
		}
	}
	return n, nil
}

func (t *memTx) InvalidateCountersignOrders(ctx context.Context, caseID uuid.UUID, maxOrder int) (int, error) {
	n := 0
	for i := range t.st.countersigns {
		cs := &t.st.countersigns[i]
		if cs.CaseID == caseID && cs.Valid && cs.Order <= maxOrder {
			cs.Valid = false
			n++
		}
	}
	return n, nil
}

// SLAStore

func (t *memTx) IncrementQueueSLA(ctx context.Context, caseID, queueID uuid.UUID) error {
	t.st.queueSLA[pairKey{caseID, queueID}]++
	return nil
}

func (t *memTx) IncrementDepartmentSLA(ctx context.Context, caseID, departmentID uuid.UUID) error {
	t.st.deptSLA[pairKey{caseID, departmentID}]++
	return nil
}

func (t *memTx) ListQueueSLAs(ctx context.Context, caseID uuid.UUID) ([]models.CaseQueueSLA, error) {
	var out []models.CaseQueueSLA
	for k, days := range t.st.queueSLA {
		if k.caseID == caseID {
			out = append(out, models.CaseQueueSLA{CaseID: caseID, QueueID: k.otherID, SLADays: days})
		}
	}
	slices.SortFunc(out, func(a, b models.CaseQueueSLA) int { return cmp.Compare(a.QueueID.String(), b.QueueID.String()) })
	return out, nil
}

func (t *memTx) ListDepartmentSLAs(ctx context.Context, caseID uuid.UUID) ([]models.DepartmentSLA, error) {
	var out []models.DepartmentSLA
	for k, days := range t.st.deptSLA {
		if k.caseID == caseID {
			out = append(out, models.DepartmentSLA{CaseID: caseID, DepartmentID: k.otherID, SLADays: days})
		}
	}
	slices.SortFunc(out, func(a, b models.DepartmentSLA) int {
		return cmp.Compare(a.DepartmentID.String(), b.DepartmentID.String())
	})
	return out, nil
}

// QueryStore

func (t *memTx) ListCaseQueries(ctx context.Context, caseIDs []uuid.UUID) ([]models.EcjuQuery, error) {
	var out []models.EcjuQuery
	for _, q := range t.st.queries {
		if slices.Contains(caseIDs, q.CaseID) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (t *memTx) GetQuery(ctx context.Context, id uuid.UUID) (*models.EcjuQuery, error) {
	for _, q := range t.st.queries {
		if q.ID == id {
			return &q, nil
		}
	}
	return nil, ErrQueryNotFound
}

func (t *memTx) ListChaserCandidates(ctx context.Context) ([]models.EcjuQuery, error) {
	var out []models.EcjuQuery
	for _, q := range t.st.queries {
		if q.RespondedAt != nil || q.ChaserSentOn != nil {
			continue
		}
		c, ok := t.st.cases[q.CaseID]
		if !ok || c.Status.IsTerminal() {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (t *memTx) MarkChaserSent(ctx context.Context, queryID uuid.UUID, at time.Time) error {
	for i := range t.st.queries {
		if t.st.queries[i].ID == queryID {
			sent := at
			t.st.queries[i].ChaserSentOn = &sent
			return nil
		}
	}
	return ErrQueryNotFound
}

// AuditStore

func (t *memTx) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	if e == nil {
		return errors.New("nil audit entry")
	}
	t.st.audit = append(t.st.audit, *e)
	return nil
}

func (t *memTx) ListAudit(ctx context.Context, caseID uuid.UUID) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range t.st.audit {
		if e.TargetCaseID != nil && *e.TargetCaseID == caseID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAllAudit returns every entry including those whose target was cleared.
func (m *MemoryRepository) ListAllAudit() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

func (t *memTx) ClearAuditTarget(ctx context.Context, caseID uuid.UUID) error {
	for i := range t.st.audit {
		if t.st.audit[i].TargetCaseID != nil && *t.st.audit[i].TargetCaseID == caseID {
			t.st.audit[i].TargetCaseID = nil
		}
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
