package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

type sentChaser struct {
	queryID  uuid.UUID
	openDays int
}

type recordingNotifier struct {
	mu     sync.Mutex
	chased []sentChaser
}

func (n *recordingNotifier) EcjuChaser(_ context.Context, q models.EcjuQuery, openDays int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chased = append(n.chased, sentChaser{queryID: q.ID, openDays: openDays})
}

func (n *recordingNotifier) CaseFinalised(context.Context, *models.Case, string) {}

func TestNewChaser_Window(t *testing.T) {
	w := newWorld(t)
	tests := []struct {
		name    string
		min     int
		max     int
		wantErr bool
	}{
		{"default", DefaultChaserMinDays, DefaultChaserMaxDays, false},
		{"single day", 5, 5, false},
		{"inverted", 20, 15, true},
		{"negative", -1, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChaser(w.repo, testCalendar(t), &recordingNotifier{}, nil, WithChaserWindow(tt.min, tt.max))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrChaserWindow)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChaser_Run(t *testing.T) {
	w := newWorld(t)
	loc := w.loc
	open := w.addCase("open", nil)
	done := w.addCase("done", func(c *models.Case) { c.Status = models.StatusFinalised })

	raised := func(c *models.Case, day int, month time.Month, mutate func(q *models.EcjuQuery)) uuid.UUID {
		q := models.EcjuQuery{
			ID:        uuid.New(),
			CaseID:    c.ID,
			Question:  "Please confirm the end use",
			CreatedAt: time.Date(2025, month, day, 11, 0, 0, 0, loc),
		}
		if mutate != nil {
			mutate(&q)
		}
		w.repo.PutEcjuQuery(q)
		return q.ID
	}

	// The spring bank holiday on 26 May is not counted.
	fifteen := raised(open, 20, time.May, nil)
	twenty := raised(open, 13, time.May, nil)
	raised(open, 21, time.May, nil)
	raised(open, 12, time.May, nil)
	raised(open, 20, time.May, func(q *models.EcjuQuery) { q.RespondedAt = ptr(time.Date(2025, 6, 1, 9, 0, 0, 0, loc)) })
	raised(open, 20, time.May, func(q *models.EcjuQuery) { q.ChaserSentOn = ptr(time.Date(2025, 6, 10, 9, 0, 0, 0, loc)) })
	raised(done, 20, time.May, nil)

	notifier := &recordingNotifier{}
	now := time.Date(2025, 6, 11, 10, 0, 0, 0, loc)
	chaser, err := NewChaser(w.repo, testCalendar(t), notifier, nil, WithChaserClock(func() time.Time { return now }))
	require.NoError(t, err)

	sent, err := chaser.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []sentChaser{
		{queryID: fifteen, openDays: 15},
		{queryID: twenty, openDays: 20},
	}, notifier.chased)
}

func TestChaser_Due_NothingOpen(t *testing.T) {
	w := newWorld(t)
	chaser, err := NewChaser(w.repo, testCalendar(t), &recordingNotifier{}, nil)
	require.NoError(t, err)

	due, days, err := chaser.Due(context.Background())
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Empty(t, days)
}
