package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/repository"
	"TradeCore/pkg/cache"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/metrics"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
	fail   error
}

func (p *recordingPublisher) Publish(ctx context.Context, evt *models.Event) (string, error) {
	return p.PublishTo(ctx, evt.Topic(), evt)
}

func (p *recordingPublisher) PublishTo(_ context.Context, _ string, evt *models.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.events = append(p.events, evt)
	return evt.ID, nil
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, evts []*models.Event) ([]string, error) {
	var (
		ids  []string
		errs []error
	)
	for _, e := range evts {
		id, err := p.Publish(ctx, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func (p *recordingPublisher) Flush(context.Context) error { return nil }
func (p *recordingPublisher) Close() error                { return nil }

func (p *recordingPublisher) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(t models.EventType) []*models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func riskSignal(dir models.Direction, conf float64, level models.RiskLevel) *models.AgentSignal {
	return &models.AgentSignal{
		AgentName: "risk-agent", Kind: models.KindRisk, Direction: dir, Confidence: conf,
		Risk: &models.RiskDetails{RiskLevel: level, LeverageRatio: 1.2, LiquidationDistance: 0.4},
	}
}

func tradingSignal(dir models.Direction, conf float64) *models.AgentSignal {
	return &models.AgentSignal{
		AgentName: "trading-agent", Kind: models.KindTrading, Direction: dir, Confidence: conf,
		Trading: &models.TradingDetails{RecommendedEntry: 50_000},
	}
}

func sentimentSignal(dir models.Direction, conf float64) *models.AgentSignal {
	return &models.AgentSignal{
		AgentName: "sentiment-agent", Kind: models.KindSentiment, Direction: dir, Confidence: conf,
		Sentiment: &models.SentimentDetails{SentimentScore: 0.6, Volume: 120},
	}
}

func signalEvent(t *testing.T, instrument string, s *models.AgentSignal) *models.Event {
	t.Helper()
	evt, err := models.NewEvent(models.EventSignalGenerated, s.AgentName, instrument, s)
	require.NoError(t, err)
	return evt
}

func testStateCache(t *testing.T) *repository.StateCache {
	t.Helper()
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(time.Hour))
	t.Cleanup(func() { _ = mc.Close() })
	return repository.NewStateCache(mc, time.Second, 16, applogger.NewNop(), metrics.Nop{})
}
