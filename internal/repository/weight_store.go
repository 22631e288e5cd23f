package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	"TradeCore/pkg/cache"
)

const weightsKey = "consensus:weights"

// CacheWeightStore shares consensus weights through the cache. Until someone
// sets them, the configured defaults are current.
type CacheWeightStore struct {
	cache    cache.Service
	defaults models.Weights
	timeout  time.Duration
}

var _ repository.WeightStore = (*CacheWeightStore)(nil)

func NewCacheWeightStore(c cache.Service, defaults models.Weights, timeout time.Duration) *CacheWeightStore {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &CacheWeightStore{cache: c, defaults: defaults, timeout: timeout}
}

func (s *CacheWeightStore) Get(ctx context.Context) (models.Weights, error) {
	w, _, err := s.current(ctx)
	return w, err
}

func (s *CacheWeightStore) current(ctx context.Context) (models.Weights, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.cache.Get(ctx, weightsKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return s.defaults, nil, nil
	}
	if err != nil {
		return models.Weights{}, nil, models.TransientError("get weights", err)
	}
	var w models.Weights
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Weights{}, nil, models.DataErrorf("decode weights: %v", err)
	}
	if err := w.Validate(); err != nil {
		return models.Weights{}, nil, models.DataErrorf("stored weights invalid: %v", err)
	}
	return w, raw, nil
}

func (s *CacheWeightStore) Set(ctx context.Context, w models.Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.cache.Set(ctx, weightsKey, raw, 0); err != nil {
		return models.TransientError("set weights", err)
	}
	return nil
}

func (s *CacheWeightStore) CompareAndSwap(ctx context.Context, old, w models.Weights) (bool, error) {
	if err := w.Validate(); err != nil {
		return false, err
	}
	cur, raw, err := s.current(ctx)
	if err != nil {
		return false, err
	}
	if cur != old {
		return false, nil
	}
	next, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.cache.CompareAndSwap(ctx, weightsKey, raw, next, 0)
	if err != nil {
		return false, models.TransientError("swap weights", err)
	}
	return ok, nil
}
