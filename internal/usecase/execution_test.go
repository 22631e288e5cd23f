package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/repository"
	"TradeCore/internal/service/exchange"
	"TradeCore/internal/service/risk"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedVenue is a settlement-delayed venue driven by the test.
type scriptedVenue struct {
	name     string
	failures int
	ackWith  models.OrderStatus

	mu       sync.Mutex
	requests []models.OrderRequest
	cancels  []string
	handler  exchange.UpdateHandler
}

func (v *scriptedVenue) Name() string                              { return v.name }
func (v *scriptedVenue) Settlement() exchange.Settlement           { return exchange.SettlementDelayed }
func (v *scriptedVenue) Start(context.Context) error               { return nil }
func (v *scriptedVenue) Stop(context.Context) error                { return nil }
func (v *scriptedVenue) SetUpdateHandler(h exchange.UpdateHandler) { v.handler = h }

func (v *scriptedVenue) SubmitOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	if v.failures > 0 {
		v.failures--
		return models.OrderAck{}, models.TransientError("venue", errors.New("503"))
	}
	return models.OrderAck{ClientOrderID: req.ClientOrderID, VenueOrderID: "v-" + req.ClientOrderID[:8], Status: v.ackWith}, nil
}

func (v *scriptedVenue) CancelOrder(_ context.Context, id string) (bool, error) {
	v.mu.Lock()
	v.cancels = append(v.cancels, id)
	v.mu.Unlock()
	return true, nil
}

type execFixture struct {
	engine *ExecutionEngine
	pub    *recordingPublisher
	store  *repository.MemoryEventStore
	cache  *repository.StateCache
	market *MarketState
}

func testLimits() risk.Limits {
	return risk.Limits{
		MaxLeverage: 3, MaxOpenPositions: 5, MaxDailyLossPct: 0.05, MaxCorrelation: 0.7,
		MaxPositionPct: 0.1, KellyWinRate: 0.55, KellyWinLossRatio: 1.5,
	}
}

func newExecFixture(t *testing.T, routes map[string]string, venues ...exchange.Adapter) *execFixture {
	t.Helper()
	nop := applogger.NewNop()
	f := &execFixture{
		pub:    &recordingPublisher{},
		store:  repository.NewMemoryEventStore(),
		cache:  testStateCache(t),
		market: NewMarketState(120, 20, time.Minute, metrics.Nop{}),
	}
	paper := exchange.NewPaperAdapter(exchange.PaperConfig{SlippageBps: 5, FeeRate: 0.0004, TickSize: 0.01}, nop)
	venues = append([]exchange.Adapter{paper}, venues...)
	portfolios := NewPortfolioService(f.cache, f.store, 10_000, nop, metrics.Nop{})
	validator := risk.NewValidator(testLimits(), f.market, nop, metrics.Nop{})

	eng, err := NewExecutionEngine(ExecutionConfig{
		UserID: "u1", DefaultVenue: "paper", Routes: routes,
		SubmitTimeout: time.Second, SubmitRetries: 2, SizingMethod: risk.SizingFixedPct,
	}, validator, f.market, portfolios, f.pub, venues, nop, metrics.Nop{})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func approvedEvent(t *testing.T, instrument string, dir models.Direction, entry float64) *models.Event {
	t.Helper()
	res := &models.ConsensusResult{
		Instrument: instrument, Direction: dir, Confidence: 0.795,
		RecommendedAction: models.ActionExecute, RecommendedEntry: entry, RiskApproval: true,
	}
	evt, err := models.NewEvent(models.EventConsensusApproved, "consensus-engine", instrument, res)
	require.NoError(t, err)
	return evt
}

func TestExecuteSignalPaperFill(t *testing.T) {
	ctx := context.Background()
	f := newExecFixture(t, nil)
	evt := approvedEvent(t, "BTC-USD", models.DirectionLong, 50_000)

	require.NoError(t, f.engine.HandleApproved(ctx, evt))

	orders := f.engine.Orders("")
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, ClientOrderID(evt.ID), o.ID)
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.Equal(t, 50_025.0, o.FillPrice)
	assert.InDelta(t, 0.0005, o.SlippagePct, 1e-12)
	assert.InDelta(t, 10_000*0.0259/50_000, o.Size, 1e-12)

	trades := f.pub.ofType(models.EventTradeExecuted)
	require.Len(t, trades, 1)
	assert.Equal(t, evt.ID, trades[0].CorrelationID)
	var te models.TradeExecution
	require.NoError(t, trades[0].Decode(&te))
	assert.Equal(t, "u1", te.UserID)
	assert.Equal(t, o.ID, te.Fill.OrderID)

	p, err := f.cache.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	pos, ok := p.Position("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, o.Size, pos.Size, 1e-12)
	assert.Less(t, p.Balance, 10_000.0)

	// redelivery of the same decision places nothing new
	require.NoError(t, f.engine.HandleApproved(ctx, evt))
	assert.Len(t, f.pub.ofType(models.EventTradeExecuted), 1)
	assert.Len(t, f.engine.Orders(""), 1)
}

func TestHandleApprovedHoldsTradeUntilPublished(t *testing.T) {
	ctx := context.Background()
	f := newExecFixture(t, nil)
	evt := approvedEvent(t, "BTC-USD", models.DirectionLong, 50_000)

	f.pub.setFail(errors.New("broker unavailable"))
	err := f.engine.HandleApproved(ctx, evt)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientIO)
	assert.Empty(t, f.pub.ofType(models.EventTradeExecuted))

	// the fill is booked even though the event is held
	orders := f.engine.Orders("")
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderFilled, orders[0].Status)

	// a redelivery while the bus is still down keeps failing
	require.Error(t, f.engine.HandleApproved(ctx, evt))

	f.pub.setFail(nil)
	require.NoError(t, f.engine.HandleApproved(ctx, evt))

	trades := f.pub.ofType(models.EventTradeExecuted)
	require.Len(t, trades, 1)
	assert.Equal(t, evt.ID, trades[0].CorrelationID)
	var te models.TradeExecution
	require.NoError(t, trades[0].Decode(&te))
	assert.Equal(t, orders[0].ID, te.Fill.OrderID)
	assert.Len(t, f.engine.Orders(""), 1)

	require.NoError(t, f.engine.HandleApproved(ctx, evt))
	assert.Len(t, f.pub.ofType(models.EventTradeExecuted), 1)
}

func TestExecuteSignalRiskRejection(t *testing.T) {
	ctx := context.Background()
	f := newExecFixture(t, nil)

	p := models.NewPortfolio("u1", 10_000)
	require.True(t, p.ApplyFill(models.Fill{OrderID: "o-0", Instrument: "ETH-USD", Direction: models.DirectionLong, Size: 10, Price: 3000}))

	_, err := f.engine.ExecuteSignal(ctx, approvedEvent(t, "BTC-USD", models.DirectionLong, 50_000), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "leverage")

	alerts := f.pub.ofType(models.EventRiskAlert)
	require.Len(t, alerts, 1)
	var alert models.RiskAlert
	require.NoError(t, alerts[0].Decode(&alert))
	assert.Equal(t, "BTC-USD", alert.Instrument)
	assert.Len(t, f.pub.ofType(models.EventOrderRejected), 1)
	assert.Empty(t, f.engine.Orders(""))
}

func TestExecuteSignalEntryPrice(t *testing.T) {
	ctx := context.Background()
	f := newExecFixture(t, nil)
	p := models.NewPortfolio("u1", 10_000)

	_, err := f.engine.ExecuteSignal(ctx, approvedEvent(t, "SOL-USD", models.DirectionShort, 0), p)
	assert.ErrorIs(t, err, models.ErrData)

	f.market.Update(models.PriceTick{Instrument: "SOL-USD", Price: 100, Timestamp: time.Now()})
	o, err := f.engine.ExecuteSignal(ctx, approvedEvent(t, "SOL-USD", models.DirectionShort, 0), p)
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.ExpectedPrice)
	assert.Equal(t, 99.95, o.FillPrice)

	hold := &models.ConsensusResult{Instrument: "SOL-USD", Direction: models.DirectionLong, RecommendedAction: models.ActionHold}
	evt, err := models.NewEvent(models.EventConsensusRejected, "consensus-engine", "SOL-USD", hold)
	require.NoError(t, err)
	o, err = f.engine.ExecuteSignal(ctx, evt, p)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestExecuteSignalDelayedVenue(t *testing.T) {
	ctx := context.Background()
	venue := &scriptedVenue{name: "rest", failures: 1, ackWith: models.OrderPendingConfirmation}
	f := newExecFixture(t, map[string]string{"ETH-USD": "rest"}, venue)
	p := models.NewPortfolio("u1", 10_000)

	evt := approvedEvent(t, "ETH-USD", models.DirectionLong, 3000)
	o, err := f.engine.ExecuteSignal(ctx, evt, p)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPendingConfirmation, o.Status)
	assert.Equal(t, "rest", o.Venue)

	require.Len(t, venue.requests, 2)
	assert.Equal(t, venue.requests[0].ClientOrderID, venue.requests[1].ClientOrderID)
	assert.Len(t, f.pub.ofType(models.EventOrderSubmitted), 1)
	assert.Len(t, f.pub.ofType(models.EventOrderPending), 1)

	assert.True(t, f.engine.CancelOrder(ctx, o.ID))
	assert.Equal(t, []string{o.ID}, venue.cancels)

	venue.handler(ctx, models.OrderUpdate{Venue: "rest", ClientOrderID: o.ID, Status: models.OrderFilled, Fill: &models.Fill{
		OrderID: o.ID, Instrument: "ETH-USD", Direction: models.DirectionLong, Size: o.Size, Price: 3003, Timestamp: time.Now(),
	}})
	got, ok := f.engine.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.InDelta(t, 0.001, got.SlippagePct, 1e-12)
	assert.Len(t, f.pub.ofType(models.EventTradeExecuted), 1)

	// late duplicates and cancels of resolved orders are no-ops
	venue.handler(ctx, models.OrderUpdate{Venue: "rest", ClientOrderID: o.ID, Status: models.OrderCancelled})
	assert.Empty(t, f.pub.ofType(models.EventOrderCancelled))
	assert.False(t, f.engine.CancelOrder(ctx, o.ID))
	assert.False(t, f.engine.CancelOrder(ctx, "unknown"))
}

func TestExecuteSignalCancelledByVenue(t *testing.T) {
	ctx := context.Background()
	venue := &scriptedVenue{name: "rest", ackWith: models.OrderAccepted}
	f := newExecFixture(t, map[string]string{"ETH-USD": "rest"}, venue)

	o, err := f.engine.ExecuteSignal(ctx, approvedEvent(t, "ETH-USD", models.DirectionShort, 3000), models.NewPortfolio("u1", 10_000))
	require.NoError(t, err)
	assert.Equal(t, models.OrderAccepted, o.Status)

	venue.handler(ctx, models.OrderUpdate{Venue: "rest", ClientOrderID: o.ID, Status: models.OrderCancelled, Reason: "confirmation timeout"})
	cancelled := f.pub.ofType(models.EventOrderCancelled)
	require.Len(t, cancelled, 1)
	var payload models.Order
	require.NoError(t, cancelled[0].Decode(&payload))
	assert.Equal(t, "confirmation timeout", payload.Reason)
	assert.Empty(t, f.pub.ofType(models.EventTradeExecuted))
}

func TestExecuteSignalSubmitExhausted(t *testing.T) {
	venue := &scriptedVenue{name: "rest", failures: 10, ackWith: models.OrderAccepted}
	f := newExecFixture(t, map[string]string{"ETH-USD": "rest"}, venue)

	_, err := f.engine.ExecuteSignal(context.Background(), approvedEvent(t, "ETH-USD", models.DirectionLong, 3000), models.NewPortfolio("u1", 10_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExhausted)
	assert.ErrorIs(t, err, models.ErrTransientIO)
	assert.Len(t, venue.requests, 3)
	assert.Empty(t, f.engine.Orders(""))
}

func TestNewExecutionEngineRejectsUnknownRoute(t *testing.T) {
	nop := applogger.NewNop()
	paper := exchange.NewPaperAdapter(exchange.PaperConfig{}, nop)
	_, err := NewExecutionEngine(ExecutionConfig{DefaultVenue: "paper", Routes: map[string]string{"BTC-USD": "missing"}},
		nil, nil, nil, &recordingPublisher{}, []exchange.Adapter{paper}, nop, metrics.Nop{})
	assert.Error(t, err)
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ClientOrderID("evt-1"), ClientOrderID("evt-1"))
	assert.NotEqual(t, ClientOrderID("evt-1"), ClientOrderID("evt-2"))
}
