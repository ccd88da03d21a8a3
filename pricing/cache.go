package pricing

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/arkantrust/donation-settlement/apperr"
)

// DefaultCacheTTL is how long a fetched rate is served before refetching.
const DefaultCacheTTL = 5 * time.Minute

// RateSource fetches a fresh exchange rate.
type RateSource interface {
	FetchRate(ctx context.Context) (ExchangeRate, error)
}

// RateSourceFunc adapts a function to RateSource.
type RateSourceFunc func(ctx context.Context) (ExchangeRate, error)

func (f RateSourceFunc) FetchRate(ctx context.Context) (ExchangeRate, error) { return f(ctx) }

// RateCache holds at most one rate. Readers that miss at the same time may
// each fetch; the last fetch wins. A value is never served past its TTL and
// there is no fallback to an expired value.
type RateCache struct {
	source RateSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	value     ExchangeRate
	fetchedAt time.Time
	valid     bool
}

// CacheOption configures a RateCache.
type CacheOption func(*RateCache)

// WithClock injects the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *RateCache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *RateCache) { c.logger = l }
}

// NewRateCache returns an empty cache over source. A non-positive ttl uses
// DefaultCacheTTL.
func NewRateCache(source RateSource, ttl time.Duration, opts ...CacheOption) *RateCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &RateCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached rate while it is within its TTL, otherwise fetches
// a new one. Fetch failures and non-positive rates are RateUnavailable.
func (c *RateCache) Get(ctx context.Context) (ExchangeRate, error) {
	const op = "pricing.RateCache.Get"
	c.mu.Lock()
	if c.valid && c.now().Sub(c.fetchedAt) < c.ttl {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	rate, err := c.source.FetchRate(ctx)
	if err != nil {
		c.logger.Warn("rate fetch failed", "error", err)
		return ExchangeRate{}, apperr.Wrap(apperr.RateUnavailable, op, err)
	}
	if !(rate.Rate > 0) || math.IsInf(rate.Rate, 0) {
		return ExchangeRate{}, apperr.Wrap(apperr.RateUnavailable, op, ErrInvalidRate)
	}
	fetchedAt := c.now()
	if rate.Timestamp.IsZero() {
		rate.Timestamp = fetchedAt
	}

	c.mu.Lock()
	c.value = rate
	c.fetchedAt = fetchedAt
	c.valid = true
	c.mu.Unlock()
	c.logger.Debug("rate refreshed", "rate", rate.Rate, "source", rate.Source)
	return rate, nil
}

// Invalidate drops the cached value.
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
