package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditsig "github.com/exportcontrol/caseflow/common/audit"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/common/messaging/loopback"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

var fixedNow = time.Date(2025, 3, 12, 10, 30, 0, 123456789, time.UTC)

func newTestCase(status models.CaseStatus) *models.Case {
	return &models.Case{
		ID:        uuid.New(),
		Reference: "GBSIEL/2025/0000001/P",
		Status:    status,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
}

type failingStore struct{ hooks int }

func (f *failingStore) InsertAudit(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func (f *failingStore) OnCommit(func(ctx context.Context)) { f.hooks++ }

func TestTrail_Record(t *testing.T) {
	repo := repository.NewMemoryRepository()
	c := newTestCase(models.StatusSubmitted)
	repo.PutCase(c)

	trail := NewTrail(auditsig.NewSigner("secret"), nil, WithClock(func() time.Time { return fixedNow }))
	actor := uuid.New()
	payload := UpdatedStatus{
		Status:         StatusChange{New: models.StatusUnderReview, Old: models.StatusSubmitted},
		AdditionalText: "moving on",
	}

	err := repo.WithTx(context.Background(), func(tx repository.Tx) error {
		return trail.Record(context.Background(), tx, &actor, c, payload)
	})
	require.NoError(t, err)

	entries := repo.ListAllAudit()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "updated_status", e.Verb)
	assert.Equal(t, 1, e.PayloadVersion)
	assert.Equal(t, actor, *e.ActorID)
	assert.Equal(t, c.ID, *e.TargetCaseID)
	assert.Equal(t, fixedNow.Truncate(time.Microsecond), e.CreatedAt)
	assert.NotEmpty(t, e.Signature)
	assert.True(t, trail.Verify(&e))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &decoded))
	assert.Equal(t, map[string]any{"new": "under_review", "old": "submitted"}, decoded["status"])
	assert.Equal(t, "moving on", decoded["additional_text"])

	e.Payload = []byte(`{"status":{"new":"finalised","old":"submitted"}}`)
	assert.False(t, trail.Verify(&e))
}

func TestTrail_Drafts(t *testing.T) {
	tests := []struct {
		name          string
		includeDrafts bool
		want          int
	}{
		{"drafts skipped by default", false, 0},
		{"drafts included when enabled", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			c := newTestCase(models.StatusDraft)
			repo.PutCase(c)
			trail := NewTrail(nil, nil, WithDrafts(tt.includeDrafts))

			err := repo.WithTx(context.Background(), func(tx repository.Tx) error {
				return trail.Record(context.Background(), tx, nil, c, UpdatedSubStatus{Status: c.Status})
			})
			require.NoError(t, err)
			assert.Len(t, repo.ListAllAudit(), tt.want)
		})
	}
}

func TestTrail_InsertFailure(t *testing.T) {
	trail := NewTrail(nil, nil, WithPublisher(loopback.New()))
	store := &failingStore{}

	err := trail.Record(context.Background(), store, nil, newTestCase(models.StatusSubmitted), MoveCase{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "move_case")
	assert.Zero(t, store.hooks)
}

func TestTrail_NilCase(t *testing.T) {
	trail := NewTrail(nil, nil)
	err := trail.Record(context.Background(), &failingStore{}, nil, nil, MoveCase{})
	assert.Error(t, err)
}

func TestTrail_PublishesAfterCommitOnly(t *testing.T) {
	bus := loopback.New()
	var published []*messaging.Message
	_, err := bus.Subscribe(messaging.SubjectAuditRecorded+".>", func(_ context.Context, msg *messaging.Message) error {
		published = append(published, msg)
		return nil
	})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	c := newTestCase(models.StatusSubmitted)
	repo.PutCase(c)
	trail := NewTrail(nil, nil, WithPublisher(bus))
	ctx := context.Background()

	t.Run("rolled back", func(t *testing.T) {
		err := repo.WithTx(ctx, func(tx repository.Tx) error {
			if err := trail.Record(ctx, tx, nil, c, RemoveCase{}); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.Error(t, err)
		assert.Empty(t, published)
		assert.Empty(t, repo.ListAllAudit())
	})

	t.Run("committed", func(t *testing.T) {
		payload := MoveCase{NewQueueSet([]models.Queue{{ID: uuid.New(), Name: "Licensing Unit"}}, c.Status)}
		err := repo.WithTx(ctx, func(tx repository.Tx) error {
			return trail.Record(ctx, tx, nil, c, payload)
		})
		require.NoError(t, err)
		require.Len(t, published, 1)
		assert.Equal(t, messaging.AuditCaseSubject(c.ID.String()), published[0].Subject)

		var entry models.AuditEntry
		require.NoError(t, json.Unmarshal(published[0].Data, &entry))
		assert.Equal(t, "move_case", entry.Verb)
		assert.Equal(t, 2, entry.PayloadVersion)
	})
}

func TestNewQueueSet(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	qs := NewQueueSet([]models.Queue{{ID: a, Name: "A"}, {ID: b, Name: "B"}}, models.StatusUnderReview)
	assert.Equal(t, []string{"A", "B"}, qs.Queues)
	assert.Equal(t, []string{a.String(), b.String()}, qs.QueueIDs)

	body, err := json.Marshal(MoveCase{qs})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"queues":["A","B"],"queue_ids":["`+a.String()+`","`+b.String()+`"],"case_status":"under_review"}`,
		string(body))
}

func TestPayloadVerbs(t *testing.T) {
	payloads := []Payload{
		UpdatedStatus{}, UpdatedSubStatus{}, MoveCase{}, RemoveCase{}, UnassignedQueues{},
		CreatedFinalRecommendation{}, AssignUserToCase{}, RemoveUserFromCase{}, CreatedUserAdvice{}, CountersignedAdvice{},
		EcjuChaserSent{},
	}
	seen := map[Verb]bool{}
	for _, p := range payloads {
		assert.False(t, seen[p.Verb()], "duplicate verb %s", p.Verb())
		seen[p.Verb()] = true
		assert.Positive(t, p.Version())
	}
}
