package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditsig "github.com/exportcontrol/caseflow/common/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/countersign"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
	"github.com/exportcontrol/caseflow/workflow/internal/rules"
	"github.com/exportcontrol/caseflow/workflow/internal/status"
)

var testNow = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

type mockLicences struct {
	IssueFunc func(ctx context.Context, caseID uuid.UUID, decisions []models.Advice) (string, error)

	synced []models.CaseStatus
	issued [][]models.Advice
}

func (m *mockLicences) Sync(_ context.Context, _ uuid.UUID, s models.CaseStatus) error {
	m.synced = append(m.synced, s)
	return nil
}

func (m *mockLicences) Issue(ctx context.Context, caseID uuid.UUID, decisions []models.Advice) (string, error) {
	m.issued = append(m.issued, decisions)
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, caseID, decisions)
	}
	return "GBSIEL/2025/0000001", nil
}

func (m *mockLicences) Refuse(context.Context, uuid.UUID) error { return nil }

type recordingNotifier struct {
	finalised []string
}

func (n *recordingNotifier) EcjuChaser(context.Context, models.EcjuQuery, int) {}

func (n *recordingNotifier) CaseFinalised(_ context.Context, c *models.Case, licenceID string) {
	n.finalised = append(n.finalised, licenceID)
}

type world struct {
	repo     *repository.MemoryRepository
	svc      *Service
	licences *mockLicences
	notifier *recordingNotifier

	c        *models.Case
	good     uuid.UUID
	luReview models.Queue
	luFinal  models.Queue
	fcdo     models.Queue
	officer  models.User
	advisor  models.User
	manager  models.User
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		repo:     repository.NewMemoryRepository(),
		licences: &mockLicences{},
		notifier: &recordingNotifier{},
	}

	lu := models.Team{ID: uuid.New(), Name: "Licensing Unit"}
	fcdo := models.Team{ID: uuid.New(), Name: "FCDO"}
	w.repo.PutTeam(lu)
	w.repo.PutTeam(fcdo)
	w.luReview = models.Queue{ID: uuid.New(), Name: "LU Review", TeamID: lu.ID}
	w.luFinal = models.Queue{ID: uuid.New(), Name: "LU Final", TeamID: lu.ID}
	w.fcdo = models.Queue{ID: uuid.New(), Name: "FCDO Cases", TeamID: fcdo.ID}
	for _, q := range []models.Queue{w.luReview, w.luFinal, w.fcdo} {
		w.repo.PutQueue(q)
	}
	w.officer = models.User{ID: uuid.New(), Email: gofakeit.Email(), TeamID: lu.ID, Active: true}
	w.manager = models.User{ID: uuid.New(), Email: gofakeit.Email(), TeamID: lu.ID, Active: true}
	w.advisor = models.User{ID: uuid.New(), Email: gofakeit.Email(), TeamID: fcdo.ID, Active: true}
	for _, u := range []models.User{w.officer, w.manager, w.advisor} {
		w.repo.PutUser(u)
	}

	w.repo.PutSubStatus(models.SubStatus{ID: "finalised-approved", Parent: models.StatusFinalised, Name: models.SubStatusApproved})
	w.repo.PutSubStatus(models.SubStatus{ID: "finalised-refused", Parent: models.StatusFinalised, Name: models.SubStatusRefused})

	for _, r := range []models.RoutingRule{
		{ID: uuid.New(), TeamID: lu.ID, TeamName: lu.Name, QueueID: w.luReview.ID, Status: models.StatusUnderReview, Tier: 1, Active: true, CreatedAt: testNow},
		{ID: uuid.New(), TeamID: fcdo.ID, TeamName: fcdo.Name, QueueID: w.fcdo.ID, Status: models.StatusUnderReview, Tier: 1, Active: true, Country: "DE", CreatedAt: testNow},
		{ID: uuid.New(), TeamID: lu.ID, TeamName: lu.Name, QueueID: w.luFinal.ID, Status: models.StatusUnderFinalReview, Tier: 1, Active: true, CreatedAt: testNow},
	} {
		w.repo.PutRoutingRule(r)
	}

	submitted := testNow.AddDate(0, 0, -10)
	w.c = &models.Case{
		ID:          uuid.New(),
		Reference:   "GBSIEL/2025/0000042/P",
		Status:      models.StatusInitialChecks,
		SubmittedAt: &submitted,
		CreatedAt:   submitted,
	}
	w.repo.PutCase(w.c)
	w.repo.PutParty(w.c.ID, models.Party{ID: uuid.New(), Type: "end_user", CountryCode: "DE"})

	countersigned := models.Flag{ID: uuid.New(), Name: "Countersign required", Level: models.FlagLevelGood, Active: true, CountersignOrder: 1}
	w.repo.PutFlag(countersigned)
	w.good = uuid.New()
	w.repo.PutGood(w.c.ID, w.good, countersigned.ID)

	w.svc = NewService(w.repo, audit.NewTrail(nil, nil), w.licences, nil,
		WithNotifier(w.notifier),
		WithClock(func() time.Time { return testNow }))
	return w
}

func (w *world) queues(t *testing.T) []string {
	t.Helper()
	var names []string
	require.NoError(t, w.repo.WithTx(context.Background(), func(tx repository.Tx) error {
		qs, err := tx.ListCaseQueues(context.Background(), w.c.ID)
		for _, q := range qs {
			names = append(names, q.Name)
		}
		return err
	}))
	return names
}

func (w *world) current(t *testing.T) *models.Case {
	t.Helper()
	var c *models.Case
	require.NoError(t, w.repo.WithTx(context.Background(), func(tx repository.Tx) error {
		var err error
		c, err = tx.GetCase(context.Background(), w.c.ID)
		return err
	}))
	return c
}

func verbs(entries []models.AuditEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Verb)
	}
	return out
}

func TestService_CaseLifecycle(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	actor := &w.officer.ID
	goodRef := models.GoodRef(w.good)

	t.Run("status change routes to every matching team", func(t *testing.T) {
		c, err := w.svc.ChangeStatus(ctx, w.c.ID, actor, models.StatusUnderReview, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusUnderReview, c.Status)
		assert.ElementsMatch(t, []string{"LU Review", "FCDO Cases"}, w.queues(t))
		assert.Equal(t, []models.CaseStatus{models.StatusUnderReview}, w.licences.synced)
	})

	t.Run("officer picks up the case", func(t *testing.T) {
		created, err := w.svc.Assign(ctx, w.c.ID, w.officer.ID, w.luReview.ID, actor)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("advice is written and aggregated per team", func(t *testing.T) {
		_, err := w.svc.SubmitAdvice(ctx, w.c.ID, w.advisor.ID, []models.Advice{
			{Level: models.AdviceLevelUser, Type: models.AdviceApprove, Entity: goodRef, Text: "No concerns"},
		})
		require.NoError(t, err)
		_, err = w.svc.SubmitAdvice(ctx, w.c.ID, w.officer.ID, []models.Advice{
			{Level: models.AdviceLevelUser, Type: models.AdviceProviso, Entity: goodRef, Text: "Approve with conditions", Proviso: "No re-export"},
		})
		require.NoError(t, err)

		fcdoTeam, err := w.svc.AggregateAdvice(ctx, w.c.ID, w.advisor.ID, models.AdviceLevelTeam)
		require.NoError(t, err)
		require.Len(t, fcdoTeam, 1)
		assert.Equal(t, models.AdviceApprove, fcdoTeam[0].Type)

		luTeam, err := w.svc.AggregateAdvice(ctx, w.c.ID, w.officer.ID, models.AdviceLevelTeam)
		require.NoError(t, err)
		require.Len(t, luTeam, 1)
		assert.Equal(t, models.AdviceProviso, luTeam[0].Type)
	})

	t.Run("moving forward from every queue advances to final review", func(t *testing.T) {
		require.NoError(t, w.svc.MoveCaseForward(ctx, w.c.ID, w.fcdo.ID, &w.advisor.ID))
		assert.Equal(t, []string{"LU Review"}, w.queues(t))

		require.NoError(t, w.svc.MoveCaseForward(ctx, w.c.ID, w.luReview.ID, actor))
		assert.Equal(t, models.StatusUnderFinalReview, w.current(t).Status)
		assert.Equal(t, []string{"LU Final"}, w.queues(t))
	})

	var final []models.Advice
	t.Run("final advice resolves approve and proviso to proviso", func(t *testing.T) {
		var err error
		final, err = w.svc.AggregateAdvice(ctx, w.c.ID, w.manager.ID, models.AdviceLevelFinal)
		require.NoError(t, err)
		require.Len(t, final, 1)
		assert.Equal(t, models.AdviceProviso, final[0].Type)
		assert.Equal(t, "No re-export", final[0].Proviso)
	})

	t.Run("finalising needs countersigning", func(t *testing.T) {
		_, err := w.svc.Finalise(ctx, w.c.ID, &w.manager.ID, "")
		assert.ErrorIs(t, err, countersign.ErrIncomplete)
		assert.Equal(t, models.StatusUnderFinalReview, w.current(t).Status)
	})

	t.Run("finalise after countersigning", func(t *testing.T) {
		_, err := w.svc.Countersign(ctx, final[0].ID, 1, true, "", w.manager.ID)
		require.NoError(t, err)

		res, err := w.svc.Finalise(ctx, w.c.ID, &w.manager.ID, "Approved")
		require.NoError(t, err)
		assert.False(t, res.AlreadyFinalised)
		assert.Equal(t, "GBSIEL/2025/0000001", res.LicenceID)
		require.Len(t, w.licences.issued, 1)
		assert.Len(t, w.licences.issued[0], 1)

		c := w.current(t)
		assert.Equal(t, models.StatusFinalised, c.Status)
		require.NotNil(t, c.SubStatusID)
		assert.Equal(t, "finalised-approved", *c.SubStatusID)
		assert.Empty(t, w.queues(t))
		assert.Equal(t, []string{"GBSIEL/2025/0000001"}, w.notifier.finalised)
	})

	t.Run("finalising twice is a no-op", func(t *testing.T) {
		res, err := w.svc.Finalise(ctx, w.c.ID, &w.manager.ID, "")
		require.NoError(t, err)
		assert.True(t, res.AlreadyFinalised)
		assert.Len(t, w.licences.issued, 1)
	})

	t.Run("audit trail", func(t *testing.T) {
		report, err := w.svc.VerifyAudit(ctx, w.c.ID)
		require.NoError(t, err)
		got := verbs(report.Entries)
		for _, verb := range []audit.Verb{
			audit.VerbUpdatedStatus, audit.VerbMoveCase, audit.VerbRemoveCase,
			audit.VerbAssignUserToCase, audit.VerbCreatedUserAdvice, audit.VerbUnassignedQueues,
			audit.VerbCountersignedAdvice, audit.VerbCreatedFinalRecommendation,
		} {
			assert.Contains(t, got, string(verb))
		}
		assert.Empty(t, report.Tampered)
	})
}

func TestService_ChangeStatusRejected(t *testing.T) {
	w := newWorld(t)
	_, err := w.svc.ChangeStatus(context.Background(), w.c.ID, nil, models.StatusFinalised, "")
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
	assert.Equal(t, models.StatusInitialChecks, w.current(t).Status)
	assert.Empty(t, w.repo.ListAllAudit())
}

func TestService_Route(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	eval, err := w.svc.Evaluate(ctx, w.c.ID)
	require.NoError(t, err)
	assert.Empty(t, eval.Matched, "no rules for initial checks")

	c, err := w.svc.Route(ctx, w.c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitialChecks, c.Status, "routing keeps the status")
	assert.Empty(t, w.queues(t))
}

func TestService_DeleteDraft(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	draft := &models.Case{ID: uuid.New(), Reference: "DRAFT-1", Status: models.StatusDraft, CreatedAt: testNow}
	w.repo.PutCase(draft)
	entryID := uuid.New()
	require.NoError(t, w.repo.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertAudit(ctx, &models.AuditEntry{
			ID: entryID, Verb: "created", TargetCaseID: &draft.ID, Payload: []byte(`{}`), PayloadVersion: 1, CreatedAt: testNow,
		})
	}))

	t.Run("submitted cases are kept", func(t *testing.T) {
		err := w.svc.DeleteDraft(ctx, w.c.ID)
		assert.ErrorIs(t, err, ErrNotDraft)
	})

	t.Run("draft is removed and its audit survives", func(t *testing.T) {
		require.NoError(t, w.svc.DeleteDraft(ctx, draft.ID))
		err := w.repo.WithTx(ctx, func(tx repository.Tx) error {
			_, err := tx.GetCase(ctx, draft.ID)
			return err
		})
		assert.ErrorIs(t, err, repository.ErrCaseNotFound)

		var kept *models.AuditEntry
		for _, e := range w.repo.ListAllAudit() {
			if e.ID == entryID {
				kept = &e
			}
		}
		require.NotNil(t, kept)
		assert.Nil(t, kept.TargetCaseID)
	})

	t.Run("unknown case", func(t *testing.T) {
		assert.ErrorIs(t, w.svc.DeleteDraft(ctx, uuid.New()), repository.ErrCaseNotFound)
	})
}

func TestService_MarkChaserSent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	q := models.EcjuQuery{ID: uuid.New(), CaseID: w.c.ID, Question: gofakeit.Question(), CreatedAt: testNow.AddDate(0, 0, -21)}
	w.repo.PutEcjuQuery(q)
	sentAt := testNow.Add(time.Hour)

	require.NoError(t, w.svc.MarkChaserSent(ctx, q.ID, sentAt))
	require.NoError(t, w.svc.MarkChaserSent(ctx, q.ID, sentAt.Add(time.Hour)))

	var stored *models.EcjuQuery
	require.NoError(t, w.repo.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		stored, err = tx.GetQuery(ctx, q.ID)
		return err
	}))
	require.NotNil(t, stored.ChaserSentOn)
	assert.True(t, stored.ChaserSentOn.Equal(sentAt))

	got := verbs(w.repo.ListAllAudit())
	assert.Equal(t, []string{string(audit.VerbEcjuChaserSent)}, got)

	assert.ErrorIs(t, w.svc.MarkChaserSent(ctx, uuid.New(), sentAt), repository.ErrQueryNotFound)
}

func TestService_ImportRules(t *testing.T) {
	w := newWorld(t)
	f, err := rules.Parse(strings.NewReader(`
rules:
  - team: FCDO
    queue: FCDO Cases
    status: ogd_advice
    tier: 1
`))
	require.NoError(t, err)

	res, err := w.svc.ImportRules(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, rules.Result{Created: 1}, res)
}

func TestService_VerifyAuditDetectsTampering(t *testing.T) {
	w := newWorld(t)
	trail := audit.NewTrail(auditsig.NewSigner("test-secret"), nil)
	w.svc = NewService(w.repo, trail, w.licences, nil, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	_, err := w.svc.ChangeStatus(ctx, w.c.ID, nil, models.StatusUnderReview, "")
	require.NoError(t, err)
	forged := uuid.New()
	require.NoError(t, w.repo.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertAudit(ctx, &models.AuditEntry{
			ID: forged, Verb: string(audit.VerbUpdatedStatus), TargetCaseID: &w.c.ID,
			Payload: []byte(`{"status":{"new":"finalised","old":"under_review"}}`), PayloadVersion: 1,
			Signature: "deadbeef", CreatedAt: testNow,
		})
	}))

	report, err := w.svc.VerifyAudit(ctx, w.c.ID)
	require.NoError(t, err)
	assert.Greater(t, len(report.Entries), 1)
	assert.Equal(t, []uuid.UUID{forged}, report.Tampered)
}
