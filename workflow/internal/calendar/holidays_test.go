package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedBody = `{
  "england-and-wales": {
    "division": "england-and-wales",
    "events": [
      {"title": "Christmas Day", "date": "2025-12-25", "notes": "", "bunting": true},
      {"title": "Boxing Day", "date": "2025-12-26", "notes": "", "bunting": true}
    ]
  },
  "scotland": {
    "division": "scotland",
    "events": [
      {"title": "St Andrew's Day", "date": "2025-12-01", "notes": "Substitute day", "bunting": true}
    ]
  }
}`

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type feedServer struct {
	*httptest.Server
	calls  atomic.Int32
	failed atomic.Bool
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.calls.Add(1)
		if fs.failed.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestGovUKProvider_RefreshFetchesAndCaches(t *testing.T) {
	mr, client := setupTestRedis(t)
	srv := newFeedServer(t)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithCache(NewRedisHolidayCache(client, time.Hour)))
	ctx := context.Background()

	set, err := p.Holidays(ctx, true)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set.Contains(time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)))
	assert.False(t, set.Contains(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))

	assert.True(t, mr.Exists("caseflow:holidays:england-and-wales"))
	assert.Equal(t, time.Hour, mr.TTL("caseflow:holidays:england-and-wales"))
}

func TestGovUKProvider_Division(t *testing.T) {
	srv := newFeedServer(t)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithDivision("scotland"))

	ok, err := p.IsBankHoliday(context.Background(), time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGovUKProvider_UnknownDivision(t *testing.T) {
	srv := newFeedServer(t)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithDivision("northern-ireland"))

	_, err := p.Holidays(context.Background(), true)
	assert.True(t, errors.Is(err, ErrHolidaysUnavailable))
}

func TestGovUKProvider_FetchFailureUsesCache(t *testing.T) {
	_, client := setupTestRedis(t)
	srv := newFeedServer(t)
	cache := NewRedisHolidayCache(client, time.Hour)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithCache(cache))
	ctx := context.Background()

	_, err := p.Holidays(ctx, true)
	require.NoError(t, err)

	srv.failed.Store(true)
	set, err := p.Holidays(ctx, true)
	require.NoError(t, err)
	assert.Len(t, set, 2)
}

func TestGovUKProvider_FetchFailureWithoutCache(t *testing.T) {
	_, client := setupTestRedis(t)
	srv := newFeedServer(t)
	srv.failed.Store(true)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithCache(NewRedisHolidayCache(client, time.Hour)))

	_, err := p.Holidays(context.Background(), true)
	assert.True(t, errors.Is(err, ErrHolidaysUnavailable))
}

func TestGovUKProvider_NoRefreshNeverFetches(t *testing.T) {
	_, client := setupTestRedis(t)
	srv := newFeedServer(t)
	fallback, err := NewHolidaySet("2025-05-05")
	require.NoError(t, err)
	p := NewGovUKProvider(nil,
		WithURL(srv.URL),
		WithCache(NewRedisHolidayCache(client, time.Hour)),
		WithFallback(fallback),
	)
	ctx := context.Background()

	t.Run("cache miss uses static list", func(t *testing.T) {
		set, err := p.Holidays(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, fallback, set)
		assert.Equal(t, int32(0), srv.calls.Load())
	})

	t.Run("cache hit is preferred", func(t *testing.T) {
		_, err := p.Holidays(ctx, true)
		require.NoError(t, err)
		set, err := p.Holidays(ctx, false)
		require.NoError(t, err)
		assert.Len(t, set, 2)
		assert.Equal(t, int32(1), srv.calls.Load())
	})
}

func TestGovUKProvider_CacheExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	srv := newFeedServer(t)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithCache(NewRedisHolidayCache(client, time.Minute)))
	ctx := context.Background()

	_, err := p.Holidays(ctx, true)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	set, err := p.Holidays(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestRedisHolidayCache_CorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, mr.Set("caseflow:holidays:england-and-wales", "not json"))
	cache := NewRedisHolidayCache(client, 0)

	_, ok, err := cache.Load(context.Background(), DefaultDivision)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestGovUKProvider_BackedCalendar(t *testing.T) {
	_, client := setupTestRedis(t)
	srv := newFeedServer(t)
	p := NewGovUKProvider(nil, WithURL(srv.URL), WithCache(NewRedisHolidayCache(client, time.Hour)))
	cal := New(london(t), p)
	ctx := context.Background()

	ok, err := cal.IsWorkingDay(ctx, day(cal.Location(), 2025, 12, 25))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := cal.WorkingDaysInRange(ctx, day(cal.Location(), 2025, 12, 24), day(cal.Location(), 2025, 12, 29))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
