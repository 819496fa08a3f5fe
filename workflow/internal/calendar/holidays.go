package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exportcontrol/caseflow/common/logging"
)

const (
	DefaultGovUKURL      = "https://www.gov.uk/bank-holidays.json"
	DefaultDivision      = "england-and-wales"
	DefaultCacheTTL      = 24 * time.Hour
	defaultFetchTimeout  = 10 * time.Second
	holidayCacheKeySpace = "caseflow:holidays:"
)

// govUKEvent is one entry of a division in the GOV.UK bank holiday feed.
type govUKEvent struct {
	Title   string `json:"title"`
	Date    string `json:"date"`
	Notes   string `json:"notes"`
	Bunting bool   `json:"bunting"`
}

type govUKDivision struct {
	Division string       `json:"division"`
	Events   []govUKEvent `json:"events"`
}

// HolidayCache stores the last successfully fetched holiday list.
type HolidayCache interface {
	Load(ctx context.Context, division string) (HolidaySet, bool, error)
	Store(ctx context.Context, division string, set HolidaySet) error
}

// RedisHolidayCache keeps holiday lists in Redis as JSON date arrays.
type RedisHolidayCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisHolidayCache(client *redis.Client, ttl time.Duration) *RedisHolidayCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisHolidayCache{redis: client, ttl: ttl}
}

func cacheKey(division string) string {
	return holidayCacheKeySpace + division
}

func (c *RedisHolidayCache) Load(ctx context.Context, division string) (HolidaySet, bool, error) {
	data, err := c.redis.Get(ctx, cacheKey(division)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get holidays: %w", err)
	}

	var dates []string
	if err := json.Unmarshal([]byte(data), &dates); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal holidays: %w", err)
	}
	set, err := NewHolidaySet(dates...)
	if err != nil {
		return nil, false, err
	}
	return set, true, nil
}

func (c *RedisHolidayCache) Store(ctx context.Context, division string, set HolidaySet) error {
	dates := make([]string, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	data, err := json.Marshal(dates)
	if err != nil {
		return fmt.Errorf("failed to marshal holidays: %w", err)
	}
	if err := c.redis.Set(ctx, cacheKey(division), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save holidays: %w", err)
	}
	return nil
}

// GovUKProvider fetches bank holidays from the GOV.UK feed, caching the
// result and falling back to a static list when no cached copy exists.
type GovUKProvider struct {
	client   *http.Client
	url      string
	division string
	cache    HolidayCache
	fallback HolidaySet
	logger   *logging.Logger
}

type GovUKOption func(*GovUKProvider)

func WithHTTPClient(c *http.Client) GovUKOption {
	return func(p *GovUKProvider) { p.client = c }
}

func WithURL(url string) GovUKOption {
	return func(p *GovUKProvider) { p.url = url }
}

func WithDivision(division string) GovUKOption {
	return func(p *GovUKProvider) { p.division = division }
}

func WithCache(cache HolidayCache) GovUKOption {
	return func(p *GovUKProvider) { p.cache = cache }
}

func WithFallback(set HolidaySet) GovUKOption {
	return func(p *GovUKProvider) { p.fallback = set }
}

func NewGovUKProvider(logger *logging.Logger, opts ...GovUKOption) *GovUKProvider {
	p := &GovUKProvider{
		client:   &http.Client{Timeout: defaultFetchTimeout},
		url:      DefaultGovUKURL,
		division: DefaultDivision,
		fallback: HolidaySet{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p
}

// Holidays returns the division's holidays. With refresh the feed is
// fetched and cached; a failed fetch falls back to the cache and errors
// only when nothing is cached. Without refresh the cache is read and the
// static list answers on a miss.
func (p *GovUKProvider) Holidays(ctx context.Context, refresh bool) (HolidaySet, error) {
	if refresh {
		set, err := p.fetch(ctx)
		if err == nil {
			p.store(ctx, set)
			return set, nil
		}
		p.logger.WarnContext(ctx, "bank holiday fetch failed, using cache", logging.Error(err))

		cached, ok := p.load(ctx)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrHolidaysUnavailable, err)
		}
		return cached, nil
	}

	if cached, ok := p.load(ctx); ok {
		return cached, nil
	}
	return p.fallback, nil
}

// IsBankHoliday refreshes the feed and reports whether day is listed.
func (p *GovUKProvider) IsBankHoliday(ctx context.Context, day time.Time) (bool, error) {
	set, err := p.Holidays(ctx, true)
	if err != nil {
		return false, err
	}
	return set.Contains(day), nil
}

func (p *GovUKProvider) load(ctx context.Context) (HolidaySet, bool) {
	if p.cache == nil {
		return nil, false
	}
	set, ok, err := p.cache.Load(ctx, p.division)
	if err != nil {
		p.logger.WarnContext(ctx, "bank holiday cache read failed", logging.Error(err))
		return nil, false
	}
	return set, ok
}

func (p *GovUKProvider) store(ctx context.Context, set HolidaySet) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Store(ctx, p.division, set); err != nil {
		p.logger.WarnContext(ctx, "bank holiday cache write failed", logging.Error(err))
	}
}

func (p *GovUKProvider) fetch(ctx context.Context) (HolidaySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bank holidays: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bank holiday feed returned status %d", resp.StatusCode)
	}

	var feed map[string]govUKDivision
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to decode bank holidays: %w", err)
	}
	div, ok := feed[p.division]
	if !ok {
		return nil, fmt.Errorf("division %q missing from bank holiday feed", p.division)
	}

	dates := make([]string, 0, len(div.Events))
	for _, ev := range div.Events {
		dates = append(dates, ev.Date)
	}
	return NewHolidaySet(dates...)
}
