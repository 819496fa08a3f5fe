package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/sla"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type mockSLA struct {
	calls   atomic.Int32
	outcome sla.Outcome
}

func (m *mockSLA) Run(context.Context) sla.RunResult {
	m.calls.Add(1)
	return sla.RunResult{Outcome: m.outcome}
}

type mockChaser struct {
	calls atomic.Int32
	err   error
}

func (m *mockChaser) Run(context.Context) (int, error) {
	m.calls.Add(1)
	return 0, m.err
}

type brokenLock struct{}

func (brokenLock) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func london(t *testing.T) *calendar.Calendar {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return calendar.New(loc, nil)
}

func TestScheduler_NextRun(t *testing.T) {
	cal := london(t)
	loc := cal.Location()
	s := NewScheduler(&mockSLA{}, cal, calendar.Clock{Hour: 22, Minute: 30}, nil)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"earlier the same day", time.Date(2025, 6, 11, 9, 0, 0, 0, loc), time.Date(2025, 6, 11, 22, 30, 0, 0, loc)},
		{"exactly at run time", time.Date(2025, 6, 11, 22, 30, 0, 0, loc), time.Date(2025, 6, 12, 22, 30, 0, 0, loc)},
		{"after run time", time.Date(2025, 6, 11, 23, 0, 0, 0, loc), time.Date(2025, 6, 12, 22, 30, 0, 0, loc)},
		{"across the clocks going back", time.Date(2025, 10, 25, 23, 0, 0, 0, loc), time.Date(2025, 10, 26, 22, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.NextRun(tt.now)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestScheduler_RunOnce_Lock(t *testing.T) {
	mr, client := setupTestRedis(t)
	cal := london(t)
	now := time.Date(2025, 6, 11, 22, 30, 0, 0, cal.Location())
	lock := NewRedisLock(client)

	first := &mockSLA{outcome: sla.OutcomeCompleted}
	second := &mockSLA{outcome: sla.OutcomeCompleted}
	chaser := &mockChaser{}
	a := NewScheduler(first, cal, calendar.Clock{Hour: 22, Minute: 30}, nil,
		WithLock(lock, time.Hour), WithChaser(chaser), WithClock(func() time.Time { return now }))
	b := NewScheduler(second, cal, calendar.Clock{Hour: 22, Minute: 30}, nil,
		WithLock(NewRedisLock(client), time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	t.Run("first instance runs", func(t *testing.T) {
		assert.True(t, a.RunOnce(ctx))
		assert.EqualValues(t, 1, first.calls.Load())
		assert.EqualValues(t, 1, chaser.calls.Load())

		holder, err := lock.Holder(ctx, "daily:2025-06-11")
		require.NoError(t, err)
		assert.Equal(t, lock.owner, holder)
		assert.Equal(t, time.Hour, mr.TTL("caseflow:scheduler:daily:2025-06-11"))
	})

	t.Run("second instance sees the lock", func(t *testing.T) {
		assert.False(t, b.RunOnce(ctx))
		assert.Zero(t, second.calls.Load())
	})

	t.Run("lock expires", func(t *testing.T) {
		mr.FastForward(time.Hour + time.Second)
		holder, err := lock.Holder(ctx, "daily:2025-06-11")
		require.NoError(t, err)
		assert.Empty(t, holder)
		assert.True(t, b.RunOnce(ctx))
		assert.EqualValues(t, 1, second.calls.Load())
	})
}

func TestScheduler_RunOnce(t *testing.T) {
	cal := london(t)
	now := time.Date(2025, 6, 14, 22, 30, 0, 0, cal.Location())
	clock := WithClock(func() time.Time { return now })

	tests := []struct {
		name       string
		outcome    sla.Outcome
		opts       []Option
		wantRan    bool
		wantChaser int32
	}{
		{"skipped day does not chase", sla.OutcomeSkipped, nil, true, 0},
		{"completed day chases", sla.OutcomeCompleted, nil, true, 1},
		{"failed batch still chases", sla.OutcomeFailed, nil, true, 1},
		{"broken lock runs anyway", sla.OutcomeCompleted, []Option{WithLock(brokenLock{}, time.Minute)}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockSLA{outcome: tt.outcome}
			chaser := &mockChaser{err: errors.New("broker down")}
			opts := append([]Option{clock, WithChaser(chaser)}, tt.opts...)
			s := NewScheduler(runner, cal, calendar.Clock{Hour: 22, Minute: 30}, nil, opts...)

			assert.Equal(t, tt.wantRan, s.RunOnce(context.Background()))
			assert.EqualValues(t, 1, runner.calls.Load())
			assert.Equal(t, tt.wantChaser, chaser.calls.Load())
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	cal := london(t)

	t.Run("stop", func(t *testing.T) {
		s := NewScheduler(&mockSLA{}, cal, calendar.Clock{Hour: 22, Minute: 30}, nil)
		go s.Start(context.Background())
		done := make(chan struct{})
		go func() {
			s.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		s := NewScheduler(&mockSLA{}, cal, calendar.Clock{Hour: 22, Minute: 30}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		go s.Start(ctx)
		cancel()
		select {
		case <-s.stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not exit")
		}
	})

	t.Run("fires when due", func(t *testing.T) {
		runner := &mockSLA{outcome: sla.OutcomeSkipped}
		base := time.Now()
		calls := atomic.Int32{}
		// The first two reads schedule a run 20ms out; later reads are past it.
		clock := func() time.Time {
			if calls.Add(1) <= 2 {
				return cal.At(base, calendar.Clock{Hour: 22, Minute: 30}).Add(-20 * time.Millisecond)
			}
			return cal.At(base, calendar.Clock{Hour: 22, Minute: 30}).Add(time.Second)
		}
		s := NewScheduler(runner, cal, calendar.Clock{Hour: 22, Minute: 30}, nil, WithClock(clock))
		go s.Start(context.Background())
		defer s.Stop()

		assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	})
}
