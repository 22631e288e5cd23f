package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	"TradeCore/internal/repository"
	pkgkafka "TradeCore/pkg/kafka"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, evt *models.Event) []byte {
	t.Helper()
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestEventRouterDispatch(t *testing.T) {
	ctx := context.Background()
	var seen []string
	rejected := 0
	transient := models.TransientError("store", errors.New("timeout"))
	router, err := NewEventRouter(map[models.EventType]EventHandler{
		models.EventPriceTick: func(_ context.Context, evt *models.Event) error {
			seen = append(seen, evt.ID)
			return nil
		},
		models.EventConsensusApproved: func(context.Context, *models.Event) error {
			rejected++
			return models.ValidationErrorf("leverage")
		},
		models.EventTradeExecuted: func(context.Context, *models.Event) error { return transient },
	}, applogger.NewNop(), metrics.Nop{})
	require.NoError(t, err)

	handlers := router.MessageHandlers()
	require.Len(t, handlers, 3)
	assert.Equal(t, "consensus.approved", handlers[0].Topic())

	tick, err := models.NewEvent(models.EventPriceTick, "feed", "BTC-USD", models.PriceTick{Instrument: "BTC-USD", Price: 1})
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(ctx, models.EventPriceTick, encode(t, tick)))
	assert.Equal(t, []string{tick.ID}, seen)

	err = router.Dispatch(ctx, models.EventPriceTick, []byte(`{"id":`))
	assert.True(t, pkgkafka.IsNonRetryable(err))
	assert.ErrorIs(t, err, models.ErrData)

	err = router.Dispatch(ctx, models.EventPriceTick, []byte(`{"id":"x","type":"price.tick","source":"s"}`))
	assert.True(t, pkgkafka.IsNonRetryable(err), "missing timestamp")

	approved, err := models.NewEvent(models.EventConsensusApproved, "c", "BTC-USD", map[string]string{})
	require.NoError(t, err)
	// a risk rejection is handled, so the offset commits without a dead letter
	require.NoError(t, router.Dispatch(ctx, models.EventConsensusApproved, encode(t, approved)))
	assert.Equal(t, 1, rejected)

	trade, err := models.NewEvent(models.EventTradeExecuted, "e", "BTC-USD", map[string]string{})
	require.NoError(t, err)
	err = router.Dispatch(ctx, models.EventTradeExecuted, encode(t, trade))
	assert.False(t, pkgkafka.IsNonRetryable(err))
	assert.ErrorIs(t, err, models.ErrTransientIO)

	assert.True(t, pkgkafka.IsNonRetryable(router.Dispatch(ctx, models.EventRiskAlert, nil)))

	_, err = NewEventRouter(map[models.EventType]EventHandler{"bogus": func(context.Context, *models.Event) error { return nil }}, applogger.NewNop(), metrics.Nop{})
	assert.Error(t, err)
}

func TestEventRouterDeadLettersDataErrors(t *testing.T) {
	ctx := context.Background()
	router, err := NewEventRouter(map[models.EventType]EventHandler{
		models.EventTradeExecuted: func(context.Context, *models.Event) error {
			return models.DataErrorf("trade without fill")
		},
	}, applogger.NewNop(), metrics.Nop{})
	require.NoError(t, err)

	trade, err := models.NewEvent(models.EventTradeExecuted, "e", "BTC-USD", map[string]string{})
	require.NoError(t, err)
	err = router.Dispatch(ctx, models.EventTradeExecuted, encode(t, trade))
	assert.True(t, pkgkafka.IsNonRetryable(err))
	assert.ErrorIs(t, err, models.ErrData)
}

func TestEventRecorderPersistsEveryType(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventStore()
	rec := NewEventRecorder(store, time.Second, applogger.NewNop(), metrics.Nop{})
	router, err := NewEventRouter(rec.Routes(), applogger.NewNop(), metrics.Nop{})
	require.NoError(t, err)
	assert.Len(t, router.MessageHandlers(), len(models.AllEventTypes()))

	evt, err := models.NewEvent(models.EventOrderPending, "execution-engine", "ETH-USD", map[string]string{"order_id": "o"})
	require.NoError(t, err)
	b := encode(t, evt)
	require.NoError(t, router.Dispatch(ctx, models.EventOrderPending, b))
	require.NoError(t, router.Dispatch(ctx, models.EventOrderPending, b))

	n, err := store.CountEvents(ctx, domrepo.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMarketStateCorrelation(t *testing.T) {
	ms := NewMarketState(50, 5, time.Second, metrics.Nop{})
	_, ok := ms.Correlation("BTC-USD", "ETH-USD")
	assert.False(t, ok)

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	prices := []float64{100, 101, 99, 102, 104, 103, 105, 107}
	for i, px := range prices {
		at := start.Add(time.Duration(i) * time.Second)
		ms.Update(models.PriceTick{Instrument: "BTC-USD", Price: px, Timestamp: at})
		ms.Update(models.PriceTick{Instrument: "ETH-USD", Price: px / 20, Timestamp: at})
		ms.Update(models.PriceTick{Instrument: "INV", Price: 10_000 / px, Timestamp: at})
	}

	c, ok := ms.Correlation("BTC-USD", "ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 1, c, 1e-9)

	c, ok = ms.Correlation("BTC-USD", "INV")
	require.True(t, ok)
	assert.InDelta(t, -1, c, 1e-9)

	last, ok := ms.LastPrice("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 107.0, last)

	ms.Update(models.PriceTick{Instrument: "BTC-USD", Price: 1, Timestamp: start})
	last, _ = ms.LastPrice("BTC-USD")
	assert.Equal(t, 107.0, last, "out-of-order tick ignored")
}

func TestMarketStateCorrelationAlignsTickRates(t *testing.T) {
	ms := NewMarketState(50, 5, time.Second, metrics.Nop{})
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	closes := []float64{100, 103, 98, 104, 101, 107, 99, 102, 108, 105}

	for k, px := range closes {
		sec := start.Add(time.Duration(k) * time.Second)
		// fast instrument: ten ticks per second, wandering before settling on the close
		for i := 0; i < 10; i++ {
			p := px
			if i < 9 {
				p = px * (1 + 0.01*float64(i%3-1))
			}
			ms.Update(models.PriceTick{Instrument: "BTC-USD", Price: p, Timestamp: sec.Add(time.Duration(i*100) * time.Millisecond)})
		}
		// slow instrument: one tick per second, skipping second 4
		if k != 4 {
			ms.Update(models.PriceTick{Instrument: "ETH-USD", Price: px / 20, Timestamp: sec.Add(950 * time.Millisecond)})
		}
	}

	c, ok := ms.Correlation("BTC-USD", "ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 1, c, 1e-9)

	// fewer shared buckets than required
	strict := NewMarketState(50, 8, time.Second, metrics.Nop{})
	for k, px := range closes {
		at := start.Add(time.Duration(k) * time.Second)
		strict.Update(models.PriceTick{Instrument: "BTC-USD", Price: px, Timestamp: at})
		if k%2 == 0 {
			strict.Update(models.PriceTick{Instrument: "ETH-USD", Price: px / 20, Timestamp: at})
		}
	}
	_, ok = strict.Correlation("BTC-USD", "ETH-USD")
	assert.False(t, ok)
}
