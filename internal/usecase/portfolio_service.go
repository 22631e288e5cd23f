package usecase

import (
	"context"
	"errors"
	"sync"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	applogger "TradeCore/pkg/logger"
)

const replayPageSize = 500

// PortfolioService serves portfolio state from the cache and rebuilds it from
// trade.executed events when the cache misses or is down. Only the execution
// engine calls ApplyFill.
type PortfolioService struct {
	cache          domrepo.StateCache
	store          domrepo.EventStore
	initialBalance float64
	log            *applogger.Logger
	metrics        domrepo.Metrics

	mu    sync.Mutex
	local map[string]*models.Portfolio
	// fills booked only locally while the cache was down, replayed on the next cache access
	unsynced map[string][]models.Fill
}

func NewPortfolioService(cache domrepo.StateCache, store domrepo.EventStore, initialBalance float64, l *applogger.Logger, m domrepo.Metrics) *PortfolioService {
	return &PortfolioService{
		cache:          cache,
		store:          store,
		initialBalance: initialBalance,
		log:            l.Named("portfolio"),
		metrics:        m,
		local:          make(map[string]*models.Portfolio),
		unsynced:       make(map[string][]models.Fill),
	}
}

// Get returns the portfolio of userID. A copy is returned; callers may mutate it.
func (s *PortfolioService) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	if p, ok := s.resync(ctx, userID); ok {
		return p, nil
	}
	p, err := s.cache.GetPortfolio(ctx, userID)
	if err == nil {
		s.remember(p)
		return p, nil
	}

	outage := !errors.Is(err, models.ErrNotFound)
	if outage {
		s.metrics.RecordError("portfolio_cache")
		s.log.Warn("portfolio cache unavailable", applogger.String("user_id", userID), applogger.Error(err))
		if p, ok := s.localCopy(userID); ok {
			return p, nil
		}
	}

	rebuilt, err := s.Rebuild(ctx, userID)
	if err != nil {
		return nil, err
	}
	if outage {
		s.remember(rebuilt)
		return rebuilt.Clone(), nil
	}

	// seed the cache unless a writer got there first
	stored, err := s.cache.UpdatePortfolio(ctx, userID, func(cur *models.Portfolio) (*models.Portfolio, error) {
		if cur != nil {
			return nil, nil
		}
		return rebuilt, nil
	})
	if err != nil || stored == nil {
		s.remember(rebuilt)
		return rebuilt.Clone(), nil
	}
	s.remember(stored)
	return stored, nil
}

// Rebuild replays every trade.executed event of userID in chronological order
// on top of the initial balance.
func (s *PortfolioService) Rebuild(ctx context.Context, userID string) (*models.Portfolio, error) {
	p := models.NewPortfolio(userID, s.initialBalance)
	q := domrepo.EventQuery{Type: models.EventTradeExecuted, Limit: replayPageSize}
	replayed := 0
	for {
		page, err := s.store.QueryByDateRange(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, evt := range page {
			var te models.TradeExecution
			if err := evt.Decode(&te); err != nil {
				s.log.Warn("skipping malformed trade event", applogger.String("event_id", evt.ID), applogger.Error(err))
				continue
			}
			if te.UserID != userID {
				continue
			}
			if p.ApplyFill(te.Fill) {
				replayed++
			}
		}
		if len(page) < q.Limit {
			break
		}
		q.Offset += len(page)
	}
	s.log.Info("portfolio rebuilt from event store",
		applogger.String("user_id", userID),
		applogger.Int("trades", replayed),
		applogger.Float64("balance", p.Balance),
	)
	return p, nil
}

// ApplyFill books f atomically in the cache. When the cache is down the fill
// is applied to the local copy so the process keeps a consistent view.
func (s *PortfolioService) ApplyFill(ctx context.Context, userID string, f models.Fill) (*models.Portfolio, error) {
	s.resync(ctx, userID)
	p, err := s.cache.UpdatePortfolio(ctx, userID, func(cur *models.Portfolio) (*models.Portfolio, error) {
		if cur == nil {
			base, err := s.baseline(ctx, userID)
			if err != nil {
				return nil, err
			}
			cur = base
		}
		if !cur.ApplyFill(f) {
			return nil, nil
		}
		return cur, nil
	})
	if err == nil {
		if p != nil {
			s.remember(p)
		}
		return p, nil
	}

	s.metrics.RecordError("portfolio_cache")
	s.log.Warn("portfolio cache write failed, keeping local copy",
		applogger.String("user_id", userID),
		applogger.String("order_id", f.OrderID),
		applogger.Error(err),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.local[userID]
	if !ok {
		base, berr := s.baselineLocked(ctx, userID)
		if berr != nil {
			return nil, errors.Join(err, berr)
		}
		local = base
		s.local[userID] = local
	}
	local.ApplyFill(f)
	s.unsynced[userID] = append(s.unsynced[userID], f)
	return local.Clone(), nil
}

// resync replays fills booked during a cache outage into the cached portfolio.
// ApplyFill is idempotent per order id, so a fill the cache already holds is
// skipped. It reports the synced portfolio, or false when there was nothing to
// replay or the cache is still unreachable.
func (s *PortfolioService) resync(ctx context.Context, userID string) (*models.Portfolio, bool) {
	s.mu.Lock()
	fills := append([]models.Fill(nil), s.unsynced[userID]...)
	s.mu.Unlock()
	if len(fills) == 0 {
		return nil, false
	}

	p, err := s.cache.UpdatePortfolio(ctx, userID, func(cur *models.Portfolio) (*models.Portfolio, error) {
		seeded := cur == nil
		if seeded {
			base, err := s.baseline(ctx, userID)
			if err != nil {
				return nil, err
			}
			cur = base
		}
		changed := false
		for _, f := range fills {
			if cur.ApplyFill(f) {
				changed = true
			}
		}
		if !changed && !seeded {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		s.log.Debug("portfolio resync deferred", applogger.String("user_id", userID), applogger.Error(err))
		return nil, false
	}

	s.mu.Lock()
	rest := s.unsynced[userID]
	if len(rest) > len(fills) {
		s.unsynced[userID] = rest[len(fills):]
	} else {
		delete(s.unsynced, userID)
	}
	s.mu.Unlock()
	if p == nil {
		return nil, false
	}
	s.remember(p)
	s.log.Info("portfolio resynced after cache outage", applogger.String("user_id", userID), applogger.Int("fills", len(fills)))
	return p.Clone(), true
}

// baseline is the portfolio to start from when the cache has no entry.
func (s *PortfolioService) baseline(ctx context.Context, userID string) (*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselineLocked(ctx, userID)
}

func (s *PortfolioService) baselineLocked(ctx context.Context, userID string) (*models.Portfolio, error) {
	if p, ok := s.local[userID]; ok {
		return p.Clone(), nil
	}
	return s.Rebuild(ctx, userID)
}

func (s *PortfolioService) remember(p *models.Portfolio) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.local[p.UserID] = p.Clone()
	s.mu.Unlock()
}

func (s *PortfolioService) localCopy(userID string) (*models.Portfolio, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.local[userID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}
