package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

var testNow = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

type stubAdvancer struct {
	next  models.CaseStatus
	calls int
}

func (a *stubAdvancer) Advance(ctx context.Context, tx repository.Tx, c *models.Case) (bool, error) {
	a.calls++
	if a.next == "" {
		return false, nil
	}
	c.Status = a.next
	return true, tx.UpdateCase(ctx, c)
}

type stubRouter struct {
	routed []models.CaseStatus
	err    error
}

func (r *stubRouter) Route(_ context.Context, _ repository.Tx, c *models.Case, keepStatus bool) error {
	if keepStatus {
		return errors.New("release must let the router advance")
	}
	r.routed = append(r.routed, c.Status)
	return r.err
}

type fixture struct {
	repo     *repository.MemoryRepository
	tracker  *Tracker
	advancer *stubAdvancer
	router   *stubRouter
	c        *models.Case
	team     models.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		advancer: &stubAdvancer{next: models.StatusOGDAdvice},
		router:   &stubRouter{},
		team:     models.Team{ID: uuid.New(), Name: "MOD"},
	}
	f.c = &models.Case{ID: uuid.New(), Reference: "GBSIEL/2025/0000200/P", Status: models.StatusUnderReview}
	f.repo.PutCase(f.c)
	f.repo.PutTeam(f.team)

	trail := audit.NewTrail(nil, nil, audit.WithClock(func() time.Time { return testNow }))
	f.tracker = NewTracker(trail, f.advancer, f.router, nil, WithClock(func() time.Time { return testNow }))
	return f
}

func (f *fixture) queue(name string, countersigning *models.Queue) models.Queue {
	q := models.Queue{ID: uuid.New(), Name: name, TeamID: f.team.ID}
	if countersigning != nil {
		q.CountersigningQueueID = &countersigning.ID
	}
	f.repo.PutQueue(q)
	return q
}

func (f *fixture) user(active bool) models.User {
	u := models.User{ID: uuid.New(), Email: uuid.NewString()[:6] + "@example.gov.uk", TeamID: f.team.ID, Active: active}
	f.repo.PutUser(u)
	return u
}

func (f *fixture) do(t *testing.T, fn func(tx repository.Tx) error) error {
	t.Helper()
	return f.repo.WithTx(context.Background(), fn)
}

func (f *fixture) caseQueues(t *testing.T) []string {
	t.Helper()
	var names []string
	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		qs, err := tx.ListCaseQueues(context.Background(), f.c.ID)
		for _, q := range qs {
			names = append(names, q.Name)
		}
		return err
	}))
	return names
}

func (f *fixture) assignments(t *testing.T) []models.CaseAssignment {
	t.Helper()
	var out []models.CaseAssignment
	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		var err error
		out, err = tx.ListAssignments(context.Background(), f.c.ID)
		return err
	}))
	return out
}

func (f *fixture) verbs() []string {
	var verbs []string
	for _, e := range f.repo.ListAllAudit() {
		verbs = append(verbs, e.Verb)
	}
	return verbs
}

func (f *fixture) release(t *testing.T, queues ...models.Queue) {
	t.Helper()
	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		c, err := tx.LockCase(context.Background(), f.c.ID)
		require.NoError(t, err)
		return f.tracker.ReleaseQueues(context.Background(), tx, c, queues)
	}))
}

func TestTracker_Assign(t *testing.T) {
	f := newFixture(t)
	q := f.queue("MOD Review", nil)
	u := f.user(true)
	ctx := context.Background()

	var created bool
	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		var err error
		created, err = f.tracker.Assign(ctx, tx, f.c.ID, u.ID, q.ID, nil)
		return err
	}))
	assert.True(t, created)
	assert.Equal(t, []string{"MOD Review"}, f.caseQueues(t))
	require.Len(t, f.assignments(t), 1)
	assert.Equal(t, []string{string(audit.VerbMoveCase), string(audit.VerbAssignUserToCase)}, f.verbs())

	var payload audit.AssignUserToCase
	require.NoError(t, json.Unmarshal(f.repo.ListAllAudit()[1].Payload, &payload))
	assert.Equal(t, u.Email, payload.User)
	assert.Equal(t, q.ID.String(), payload.QueueID)

	t.Run("same triple is a no-op", func(t *testing.T) {
		require.NoError(t, f.do(t, func(tx repository.Tx) error {
			var err error
			created, err = f.tracker.Assign(ctx, tx, f.c.ID, u.ID, q.ID, nil)
			return err
		}))
		assert.False(t, created)
		assert.Len(t, f.assignments(t), 1)
		assert.Len(t, f.verbs(), 2)
	})
}

func TestTracker_AssignRejected(t *testing.T) {
	tests := []struct {
		name    string
		status  models.CaseStatus
		active  bool
		wantErr error
	}{
		{"inactive user", models.StatusUnderReview, false, ErrInactiveUser},
		{"terminal case", models.StatusWithdrawn, true, ErrCaseClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.c.Status = tt.status
			f.repo.PutCase(f.c)
			q := f.queue("MOD Review", nil)
			u := f.user(tt.active)

			err := f.do(t, func(tx repository.Tx) error {
				_, err := f.tracker.Assign(context.Background(), tx, f.c.ID, u.ID, q.ID, nil)
				return err
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.assignments(t))
			assert.Empty(t, f.repo.ListAllAudit())
		})
	}
}

func TestTracker_Unassign(t *testing.T) {
	f := newFixture(t)
	q := f.queue("MOD Review", nil)
	u := f.user(true)
	f.repo.PutCaseQueue(f.c.ID, q.ID)
	f.repo.PutAssignment(models.CaseAssignment{ID: uuid.New(), CaseID: f.c.ID, UserID: u.ID, QueueID: q.ID})

	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		return f.tracker.Unassign(context.Background(), tx, f.c.ID, u.ID, q.ID, &u.ID)
	}))
	assert.Empty(t, f.assignments(t))
	assert.Equal(t, []string{"MOD Review"}, f.caseQueues(t))
	assert.Equal(t, []string{string(audit.VerbRemoveUserFromCase)}, f.verbs())
}

func TestTracker_ReleaseQueues(t *testing.T) {
	t.Run("unassigned queue is removed and the case advances", func(t *testing.T) {
		f := newFixture(t)
		q := f.queue("MOD Review", nil)
		f.repo.PutCaseQueue(f.c.ID, q.ID)

		f.release(t, q)

		assert.Empty(t, f.caseQueues(t))
		assert.Equal(t, 1, f.advancer.calls)
		assert.Equal(t, []models.CaseStatus{models.StatusOGDAdvice}, f.router.routed)
		assert.Equal(t, []string{string(audit.VerbRemoveCase)}, f.verbs())
	})

	t.Run("queue with assignees stays", func(t *testing.T) {
		f := newFixture(t)
		q := f.queue("MOD Review", nil)
		u := f.user(true)
		f.repo.PutCaseQueue(f.c.ID, q.ID)
		f.repo.PutAssignment(models.CaseAssignment{ID: uuid.New(), CaseID: f.c.ID, UserID: u.ID, QueueID: q.ID})

		f.release(t, q)

		assert.Equal(t, []string{"MOD Review"}, f.caseQueues(t))
		assert.Zero(t, f.advancer.calls)
		assert.Empty(t, f.verbs())
	})

	t.Run("other queues keep the status", func(t *testing.T) {
		f := newFixture(t)
		q := f.queue("MOD Review", nil)
		other := f.queue("FCDO Review", nil)
		f.repo.PutCaseQueue(f.c.ID, q.ID)
		f.repo.PutCaseQueue(f.c.ID, other.ID)

		f.release(t, q)

		assert.Equal(t, []string{"FCDO Review"}, f.caseQueues(t))
		assert.Zero(t, f.advancer.calls)
		assert.Empty(t, f.router.routed)
	})

	t.Run("countersigning queue takes over", func(t *testing.T) {
		f := newFixture(t)
		cs := f.queue("MOD Countersigning", nil)
		q := f.queue("MOD Review", &cs)
		f.repo.PutCaseQueue(f.c.ID, q.ID)

		f.release(t, q)

		assert.Equal(t, []string{"MOD Countersigning"}, f.caseQueues(t))
		assert.Zero(t, f.advancer.calls)
		assert.Equal(t, []string{string(audit.VerbRemoveCase), string(audit.VerbMoveCase)}, f.verbs())
	})

	t.Run("countersigning queue shared with a remaining queue is not added", func(t *testing.T) {
		f := newFixture(t)
		cs := f.queue("MOD Countersigning", nil)
		q := f.queue("MOD Review", &cs)
		sibling := f.queue("MOD Review 2", &cs)
		u := f.user(true)
		f.repo.PutCaseQueue(f.c.ID, q.ID)
		f.repo.PutCaseQueue(f.c.ID, sibling.ID)
		f.repo.PutAssignment(models.CaseAssignment{ID: uuid.New(), CaseID: f.c.ID, UserID: u.ID, QueueID: sibling.ID})

		f.release(t, q, sibling)

		assert.Equal(t, []string{"MOD Review 2"}, f.caseQueues(t))
	})

	t.Run("no next status leaves the case without queues", func(t *testing.T) {
		f := newFixture(t)
		f.advancer.next = ""
		q := f.queue("MOD Review", nil)
		f.repo.PutCaseQueue(f.c.ID, q.ID)

		f.release(t, q)

		assert.Empty(t, f.caseQueues(t))
		assert.Equal(t, 1, f.advancer.calls)
		assert.Empty(t, f.router.routed)
	})
}

func TestTracker_MoveCaseForward(t *testing.T) {
	f := newFixture(t)
	q := f.queue("MOD Review", nil)
	u := f.user(true)
	f.repo.PutCaseQueue(f.c.ID, q.ID)
	f.repo.PutAssignment(models.CaseAssignment{ID: uuid.New(), CaseID: f.c.ID, UserID: u.ID, QueueID: q.ID})

	require.NoError(t, f.do(t, func(tx repository.Tx) error {
		return f.tracker.MoveCaseForward(context.Background(), tx, f.c.ID, q.ID, &u.ID)
	}))

	assert.Empty(t, f.assignments(t))
	assert.Empty(t, f.caseQueues(t))
	assert.Equal(t, []models.CaseStatus{models.StatusOGDAdvice}, f.router.routed)

	entries := f.repo.ListAllAudit()
	require.Len(t, entries, 2)
	assert.Equal(t, string(audit.VerbUnassignedQueues), entries[1].Verb)
	var payload audit.UnassignedQueues
	require.NoError(t, json.Unmarshal(entries[1].Payload, &payload))
	assert.Equal(t, []string{"MOD Review"}, payload.Queues)
	assert.Equal(t, u.ID, *entries[1].ActorID)
}

func TestTracker_MoveCaseForwardRollsBack(t *testing.T) {
	f := newFixture(t)
	f.router.err = errors.New("rules unavailable")
	q := f.queue("MOD Review", nil)
	f.repo.PutCaseQueue(f.c.ID, q.ID)

	err := f.do(t, func(tx repository.Tx) error {
		return f.tracker.MoveCaseForward(context.Background(), tx, f.c.ID, q.ID, nil)
	})
	require.Error(t, err)
	assert.Equal(t, []string{"MOD Review"}, f.caseQueues(t))
	assert.Empty(t, f.repo.ListAllAudit())
}
