package sla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

// flakyRepo fails the commit of its first failures transactions after the
// work inside them has run.
type flakyRepo struct {
	*repository.MemoryRepository
	failures int
	calls    int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	r.calls++
	return r.MemoryRepository.WithTx(ctx, func(tx repository.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if r.calls <= r.failures {
			return errors.New("connection reset during commit")
		}
		return nil
	})
}

type failingProvider struct{}

func (failingProvider) Holidays(context.Context, bool) (calendar.HolidaySet, error) {
	return nil, calendar.ErrHolidaysUnavailable
}

type world struct {
	repo  *flakyRepo
	loc   *time.Location
	now   time.Time
	dept  uuid.UUID
	qA    models.Queue
	qB    models.Queue
	qC    models.Queue
	cases map[string]*models.Case
}

func newWorld(t *testing.T) *world {
	t.Helper()
	loc := london(t)
	w := &world{
		repo:  &flakyRepo{MemoryRepository: repository.NewMemoryRepository()},
		loc:   loc,
		now:   time.Date(2025, 6, 11, 22, 30, 0, 0, loc),
		dept:  uuid.New(),
		cases: map[string]*models.Case{},
	}
	mod := models.Team{ID: uuid.New(), Name: "MOD", DepartmentID: &w.dept}
	lu := models.Team{ID: uuid.New(), Name: "LU"}
	w.repo.PutTeam(mod)
	w.repo.PutTeam(lu)
	w.qA = models.Queue{ID: uuid.New(), Name: "MOD DI", TeamID: mod.ID}
	w.qB = models.Queue{ID: uuid.New(), Name: "MOD ECJU", TeamID: mod.ID}
	w.qC = models.Queue{ID: uuid.New(), Name: "LU Review", TeamID: lu.ID}
	for _, q := range []models.Queue{w.qA, w.qB, w.qC} {
		w.repo.PutQueue(q)
	}
	return w
}

func (w *world) addCase(name string, mutate func(c *models.Case)) *models.Case {
	c := &models.Case{
		ID:               uuid.New(),
		Reference:        name,
		Status:           models.StatusUnderReview,
		SubmittedAt:      ptr(time.Date(2025, 6, 2, 10, 0, 0, 0, w.loc)),
		SLARemainingDays: ptr(StandardTargetDays - 7),
		SLADays:          7,
	}
	if mutate != nil {
		mutate(c)
	}
	w.repo.PutCase(c)
	w.cases[name] = c
	return c
}

func (w *world) query(c *models.Case, created time.Time, responded *time.Time) {
	w.repo.PutEcjuQuery(models.EcjuQuery{ID: uuid.New(), CaseID: c.ID, Question: "Provide end-user undertaking", CreatedAt: created, RespondedAt: responded})
}

func (w *world) scheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithRetry(3, time.Millisecond), WithClock(func() time.Time { return w.now })}, opts...)
	return NewScheduler(w.repo, testCalendar(t), nil, opts...)
}

func (w *world) get(t *testing.T, name string) *models.Case {
	t.Helper()
	var c *models.Case
	require.NoError(t, w.repo.MemoryRepository.WithTx(context.Background(), func(tx repository.Tx) error {
		var err error
		c, err = tx.GetCase(context.Background(), w.cases[name].ID)
		return err
	}))
	return c
}

func (w *world) slas(t *testing.T, name string) ([]models.CaseQueueSLA, []models.DepartmentSLA) {
	t.Helper()
	var queues []models.CaseQueueSLA
	var depts []models.DepartmentSLA
	require.NoError(t, w.repo.MemoryRepository.WithTx(context.Background(), func(tx repository.Tx) error {
		var err error
		if queues, err = tx.ListQueueSLAs(context.Background(), w.cases[name].ID); err != nil {
			return err
		}
		depts, err = tx.ListDepartmentSLAs(context.Background(), w.cases[name].ID)
		return err
	}))
	return queues, depts
}

func TestScheduler_Run(t *testing.T) {
	w := newWorld(t)
	loc := w.loc

	eligible := w.addCase("eligible", func(c *models.Case) {
		c.SLAUpdatedAt = ptr(time.Date(2025, 6, 10, 22, 30, 0, 0, loc))
	})
	w.repo.PutCaseQueue(eligible.ID, w.qA.ID)
	w.repo.PutCaseQueue(eligible.ID, w.qB.ID)
	w.repo.PutCaseQueue(eligible.ID, w.qC.ID)
	w.repo.PutQueueSLA(eligible.ID, w.qA.ID, 4)

	w.addCase("late submission", func(c *models.Case) { c.SubmittedAt = ptr(time.Date(2025, 6, 11, 18, 30, 0, 0, loc)) })
	w.addCase("already updated", func(c *models.Case) { c.SLAUpdatedAt = ptr(time.Date(2025, 6, 11, 8, 0, 0, 0, loc)) })
	w.addCase("terminal", func(c *models.Case) { c.Status = models.StatusFinalised })
	w.addCase("closed before", func(c *models.Case) { c.LastClosedAt = ptr(time.Date(2025, 6, 4, 8, 0, 0, 0, loc)) })
	w.addCase("no clock", func(c *models.Case) { c.SLARemainingDays = nil })

	w.query(w.addCase("open query", nil), time.Date(2025, 6, 11, 9, 0, 0, 0, loc), nil)
	w.query(w.addCase("recent answer", nil), time.Date(2025, 6, 3, 9, 0, 0, 0, loc), ptr(time.Date(2025, 6, 10, 19, 0, 0, 0, loc)))
	w.query(w.addCase("old answer", nil), time.Date(2025, 6, 3, 9, 0, 0, 0, loc), ptr(time.Date(2025, 6, 10, 12, 0, 0, 0, loc)))
	w.query(w.addCase("query after cutoff", nil), time.Date(2025, 6, 11, 19, 0, 0, 0, loc), nil)

	result := w.scheduler(t).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 3, result.CasesUpdated)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, loc), result.RunDate)

	for _, name := range []string{"eligible", "old answer", "query after cutoff"} {
		c := w.get(t, name)
		assert.Equal(t, 8, c.SLADays, name)
		assert.Equal(t, StandardTargetDays-8, *c.SLARemainingDays, name)
		require.NotNil(t, c.SLAUpdatedAt, name)
		assert.True(t, c.SLAUpdatedAt.Equal(w.now), name)
	}
	for _, name := range []string{"late submission", "already updated", "terminal", "closed before", "no clock", "open query", "recent answer"} {
		assert.Equal(t, 7, w.get(t, name).SLADays, name)
	}

	queues, depts := w.slas(t, "eligible")
	days := map[uuid.UUID]int{}
	for _, q := range queues {
		days[q.QueueID] = q.SLADays
	}
	assert.Equal(t, map[uuid.UUID]int{w.qA.ID: 5, w.qB.ID: 1, w.qC.ID: 1}, days)
	require.Len(t, depts, 1, "two queues in one department count once")
	assert.Equal(t, w.dept, depts[0].DepartmentID)
	assert.Equal(t, 1, depts[0].SLADays)

	t.Run("second run the same day changes nothing", func(t *testing.T) {
		again := w.scheduler(t).Run(context.Background())
		assert.Equal(t, OutcomeCompleted, again.Outcome)
		assert.Zero(t, again.CasesUpdated)
		assert.Equal(t, 8, w.get(t, "eligible").SLADays)
	})
}

func TestScheduler_FreshStandardCase(t *testing.T) {
	w := newWorld(t)
	fresh := func(c *models.Case) {
		c.CaseType.SubType = models.SubTypeStandard
		c.SubmittedAt = ptr(time.Date(2025, 6, 11, 17, 0, 0, 0, w.loc))
		c.SLADays = 0
		c.SLARemainingDays = ptr(StandardTargetDays)
	}
	w.addCase("submitted at five", fresh)
	w.query(w.addCase("asked at five", fresh), time.Date(2025, 6, 11, 17, 0, 0, 0, w.loc), nil)

	result := w.scheduler(t).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.CasesUpdated)

	c := w.get(t, "submitted at five")
	assert.Equal(t, 1, c.SLADays)
	assert.Equal(t, 19, *c.SLARemainingDays)

	blocked := w.get(t, "asked at five")
	assert.Zero(t, blocked.SLADays)
	assert.Equal(t, 20, *blocked.SLARemainingDays)
	assert.Nil(t, blocked.SLAUpdatedAt)
}

func TestScheduler_SkipsNonWorkingDays(t *testing.T) {
	tests := []struct {
		name string
		day  time.Time
	}{
		{"saturday", time.Date(2025, 6, 14, 22, 30, 0, 0, time.UTC)},
		{"christmas", time.Date(2025, 12, 25, 22, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			w.now = tt.day.In(w.loc)
			w.addCase("eligible", nil)

			result := w.scheduler(t).Run(context.Background())

			assert.Equal(t, OutcomeSkipped, result.Outcome)
			assert.Zero(t, result.CasesUpdated)
			assert.NoError(t, result.Err)
			assert.Equal(t, 7, w.get(t, "eligible").SLADays)
		})
	}
}

func TestScheduler_Retries(t *testing.T) {
	t.Run("recovers on a later attempt", func(t *testing.T) {
		w := newWorld(t)
		w.repo.failures = 2
		w.addCase("eligible", nil)

		result := w.scheduler(t).Run(context.Background())

		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, 3, result.Attempts)
		assert.Equal(t, 1, result.CasesUpdated)
		assert.Equal(t, 8, w.get(t, "eligible").SLADays)
	})

	t.Run("exhausted attempts commit nothing", func(t *testing.T) {
		w := newWorld(t)
		w.repo.failures = 3
		c := w.addCase("eligible", nil)
		w.repo.PutCaseQueue(c.ID, w.qA.ID)

		result := w.scheduler(t).Run(context.Background())

		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, 3, result.Attempts)
		assert.Zero(t, result.CasesUpdated)
		assert.Error(t, result.Err)
		assert.Equal(t, 7, w.get(t, "eligible").SLADays)
		queues, depts := w.slas(t, "eligible")
		assert.Empty(t, queues)
		assert.Empty(t, depts)
	})

	t.Run("holiday source failure fails the run", func(t *testing.T) {
		w := newWorld(t)
		s := NewScheduler(w.repo, calendar.New(w.loc, failingProvider{}), nil,
			WithRetry(2, time.Millisecond), WithClock(func() time.Time { return w.now }))

		result := s.Run(context.Background())

		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, 2, result.Attempts)
		assert.ErrorIs(t, result.Err, calendar.ErrHolidaysUnavailable)
	})
}

func TestScheduler_CancelledContext(t *testing.T) {
	w := newWorld(t)
	w.repo.failures = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := w.scheduler(t, WithRetry(3, time.Hour)).Run(ctx)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
}
