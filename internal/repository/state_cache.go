package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	"TradeCore/pkg/cache"
	applogger "TradeCore/pkg/logger"
)

const (
	portfolioNamespace = "portfolio"
	stateNamespace     = "state"
)

// PortfolioKey is the cache key of a user's portfolio document.
func PortfolioKey(userID string) string { return cache.Key(portfolioNamespace, userID) }

// StateKey places name in the generic state namespace.
func StateKey(name string) string { return cache.Key(stateNamespace, name) }

// StateCache is the typed state layer over a cache.Service. Every call runs
// under its own timeout; outages surface as models.ErrTransientIO.
type StateCache struct {
	cache      cache.Service
	opTimeout  time.Duration
	casRetries int
	log        *applogger.Logger
	metrics    repository.Metrics
}

var _ repository.StateCache = (*StateCache)(nil)

func NewStateCache(c cache.Service, opTimeout time.Duration, casRetries int, l *applogger.Logger, m repository.Metrics) *StateCache {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	if casRetries <= 0 {
		casRetries = 8
	}
	return &StateCache{cache: c, opTimeout: opTimeout, casRetries: casRetries, log: l.Named("state_cache"), metrics: m}
}

func (s *StateCache) op(ctx context.Context, name string) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	start := time.Now()
	return ctx, func() {
		cancel()
		s.metrics.RecordLatency("cache_"+name, time.Since(start).Seconds())
	}
}

func (s *StateCache) classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, cache.ErrCacheMiss) {
		return fmt.Errorf("%s %s: %w: %w", op, key, models.ErrNotFound, err)
	}
	s.metrics.RecordError("cache")
	return models.TransientError(fmt.Sprintf("%s %s", op, key), err)
}

// Get decodes the state entry name into dest.
func (s *StateCache) Get(ctx context.Context, name string, dest any) error {
	ctx, done := s.op(ctx, "get")
	defer done()
	key := StateKey(name)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return s.classify("get", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return models.DataErrorf("decode %s: %v", key, err)
	}
	return nil
}

func (s *StateCache) Set(ctx context.Context, name string, value any, ttl time.Duration) error {
	ctx, done := s.op(ctx, "set")
	defer done()
	key := StateKey(name)
	raw, err := json.Marshal(value)
	if err != nil {
		return models.DataErrorf("encode %s: %v", key, err)
	}
	return s.classify("set", key, s.cache.Set(ctx, key, raw, ttl))
}

func (s *StateCache) Delete(ctx context.Context, names ...string) error {
	ctx, done := s.op(ctx, "delete")
	defer done()
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = StateKey(n)
	}
	return s.classify("delete", strings.Join(keys, ","), s.cache.Delete(ctx, keys...))
}

// MGet returns the raw values of the names present, keyed by name.
func (s *StateCache) MGet(ctx context.Context, names ...string) (map[string][]byte, error) {
	ctx, done := s.op(ctx, "mget")
	defer done()
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = StateKey(n)
	}
	raw, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, s.classify("mget", strings.Join(keys, ","), err)
	}
	return stripNamespace(raw), nil
}

// GetAll returns every state entry whose name matches the glob pattern.
func (s *StateCache) GetAll(ctx context.Context, pattern string) (map[string][]byte, error) {
	ctx, done := s.op(ctx, "get_all")
	defer done()
	raw, err := s.cache.GetAll(ctx, StateKey(pattern))
	if err != nil {
		return nil, s.classify("get_all", pattern, err)
	}
	return stripNamespace(raw), nil
}

func stripNamespace(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	prefix := stateNamespace + ":"
	for k, v := range in {
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

func (s *StateCache) GetPortfolio(ctx context.Context, userID string) (*models.Portfolio, error) {
	ctx, done := s.op(ctx, "get_portfolio")
	defer done()
	key := PortfolioKey(userID)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	var p models.Portfolio
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, models.DataErrorf("decode %s: %v", key, err)
	}
	return &p, nil
}

// UpdatePortfolio runs fn in a compare-and-swap loop so concurrent writers
// never lose an update.
func (s *StateCache) UpdatePortfolio(ctx context.Context, userID string, fn func(*models.Portfolio) (*models.Portfolio, error)) (*models.Portfolio, error) {
	key := PortfolioKey(userID)
	for attempt := 0; attempt < s.casRetries; attempt++ {
		next, swapped, err := s.tryUpdate(ctx, key, fn)
		if err != nil || swapped {
			return next, err
		}
	}
	s.metrics.RecordError("cache_cas")
	return nil, fmt.Errorf("update %s after %d attempts: %w", key, s.casRetries, models.ErrExhausted)
}

func (s *StateCache) tryUpdate(ctx context.Context, key string, fn func(*models.Portfolio) (*models.Portfolio, error)) (*models.Portfolio, bool, error) {
	ctx, done := s.op(ctx, "update_portfolio")
	defer done()

	raw, err := s.cache.Get(ctx, key)
	var cur *models.Portfolio
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		raw = nil
	case err != nil:
		return nil, false, s.classify("get", key, err)
	default:
		cur = &models.Portfolio{}
		if err := json.Unmarshal(raw, cur); err != nil {
			return nil, false, models.DataErrorf("decode %s: %v", key, err)
		}
	}

	next, err := fn(cur)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return cur, true, nil
	}
	updated, err := json.Marshal(next)
	if err != nil {
		return nil, false, models.DataErrorf("encode %s: %v", key, err)
	}
	ok, err := s.cache.CompareAndSwap(ctx, key, raw, updated, 0)
	if err != nil {
		return nil, false, s.classify("cas", key, err)
	}
	return next, ok, nil
}

func (s *StateCache) Health(ctx context.Context) error {
	ctx, done := s.op(ctx, "ping")
	defer done()
	return s.classify("ping", "", s.cache.Ping(ctx))
}
