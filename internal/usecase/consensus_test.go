package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"TradeCore/internal/domain/models"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signals(ss ...*models.AgentSignal) map[models.SignalKind]*models.AgentSignal {
	out := make(map[models.SignalKind]*models.AgentSignal, len(ss))
	for _, s := range ss {
		out[s.Kind] = s
	}
	return out
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		in         map[models.SignalKind]*models.AgentSignal
		direction  models.Direction
		confidence float64
		action     models.Action
		approved   bool
	}{
		{
			name:       "all agree long",
			in:         signals(riskSignal(models.DirectionLong, 0.8, models.RiskLow), tradingSignal(models.DirectionLong, 0.85), sentimentSignal(models.DirectionLong, 0.7)),
			direction:  models.DirectionLong,
			confidence: 0.795,
			action:     models.ActionExecute,
			approved:   true,
		},
		{
			name:       "split without sentiment",
			in:         signals(riskSignal(models.DirectionShort, 0.7, models.RiskWarning), tradingSignal(models.DirectionLong, 0.75)),
			direction:  models.DirectionLong,
			confidence: 0.35,
			action:     models.ActionReject,
			approved:   true,
		},
		{
			name:       "risk close vetoes",
			in:         signals(riskSignal(models.DirectionClose, 0.9, models.RiskCritical), tradingSignal(models.DirectionLong, 0.8)),
			direction:  models.DirectionLong,
			confidence: 0.373333333,
			action:     models.ActionReject,
			approved:   false,
		},
		{
			name:       "critical level vetoes a long",
			in:         signals(riskSignal(models.DirectionLong, 1, models.RiskCritical), tradingSignal(models.DirectionLong, 1), sentimentSignal(models.DirectionLong, 1)),
			direction:  models.DirectionLong,
			confidence: 1,
			action:     models.ActionReject,
			approved:   false,
		},
		{
			name:       "exactly execute threshold",
			in:         signals(riskSignal(models.DirectionLong, 0.7, models.RiskLow), tradingSignal(models.DirectionLong, 0.7), sentimentSignal(models.DirectionLong, 0.7)),
			direction:  models.DirectionLong,
			confidence: 0.7,
			action:     models.ActionExecute,
			approved:   true,
		},
		{
			name:       "exactly hold threshold",
			in:         signals(riskSignal(models.DirectionShort, 0.4, models.RiskLow), tradingSignal(models.DirectionShort, 0.4), sentimentSignal(models.DirectionShort, 0.4)),
			direction:  models.DirectionShort,
			confidence: 0.4,
			action:     models.ActionHold,
			approved:   true,
		},
		{
			name:       "tie goes neutral",
			in:         signals(riskSignal(models.DirectionLong, 0.8, models.RiskLow), tradingSignal(models.DirectionShort, 0.7)),
			direction:  models.DirectionNeutral,
			confidence: 0.326666667,
			action:     models.ActionReject,
			approved:   true,
		},
		{
			name:       "neutral winner never executes",
			in:         signals(riskSignal(models.DirectionNeutral, 1, models.RiskLow), tradingSignal(models.DirectionNeutral, 1), sentimentSignal(models.DirectionNeutral, 1)),
			direction:  models.DirectionNeutral,
			confidence: 1,
			action:     models.ActionHold,
			approved:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide("BTC-USD", tt.in, models.DefaultWeights(), DefaultThresholds())
			assert.Equal(t, tt.direction, res.Direction)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
			assert.Equal(t, tt.action, res.RecommendedAction)
			assert.Equal(t, tt.approved, res.RiskApproval)
			assert.Equal(t, !tt.approved, res.Vetoed)
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := signals(riskSignal(models.DirectionLong, 0.61, models.RiskMedium), tradingSignal(models.DirectionShort, 0.83), sentimentSignal(models.DirectionLong, 0.47))
	first := Decide("ETH-USD", in, models.DefaultWeights(), DefaultThresholds())
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Decide("ETH-USD", in, models.DefaultWeights(), DefaultThresholds()))
	}
}

func TestAggregatorQuorumAndWindow(t *testing.T) {
	agg := NewSignalAggregator(models.DefaultWeights(), time.Minute, DefaultThresholds())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }

	require.NoError(t, agg.AddSignal(riskSignal(models.DirectionLong, 0.8, models.RiskLow), "BTC-USD"))
	_, err := agg.Aggregate("BTC-USD")
	assert.ErrorIs(t, err, models.ErrQuorumNotReached)

	stale := tradingSignal(models.DirectionLong, 0.9)
	stale.Timestamp = now.Add(-2 * time.Minute)
	assert.ErrorIs(t, agg.AddSignal(stale, "BTC-USD"), models.ErrData)

	first := tradingSignal(models.DirectionShort, 0.9)
	require.NoError(t, agg.AddSignal(first, "BTC-USD"))
	second := tradingSignal(models.DirectionLong, 0.85)
	second.Timestamp = now.Add(time.Second)
	require.NoError(t, agg.AddSignal(second, "BTC-USD"))
	assert.Equal(t, 2, agg.Pending("BTC-USD"))

	now = now.Add(2 * time.Second)
	res, err := agg.Aggregate("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionLong, res.Direction)
	assert.Equal(t, 2, res.SignalCount)
	assert.InDelta(t, 1000, res.LatencyMs, 1e-6)
	assert.Equal(t, 50_000.0, res.RecommendedEntry)

	assert.Error(t, agg.SetWeights(models.Weights{Risk: 0.5, Trading: 0.5, Sentiment: 0.5}))
}

func newTestEngine(pub *recordingPublisher) *ConsensusEngine {
	agg := NewSignalAggregator(models.DefaultWeights(), time.Minute, DefaultThresholds())
	return NewConsensusEngine(ConsensusConfig{HistorySize: 2}, agg, pub, nil, applogger.NewNop(), metrics.Nop{})
}

func TestConsensusEnginePublishesDecision(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	eng := newTestEngine(pub)

	var called atomic.Int32
	eng.OnDecision(func(context.Context, *models.ConsensusResult, *models.Event) error {
		called.Add(1)
		return nil
	})
	eng.OnDecision(func(context.Context, *models.ConsensusResult, *models.Event) error {
		panic("observer bug")
	})

	require.NoError(t, eng.HandleSignal(ctx, signalEvent(t, "BTC-USD", riskSignal(models.DirectionLong, 0.8, models.RiskLow))))
	assert.Empty(t, pub.ofType(models.EventConsensusApproved))
	assert.Equal(t, models.StateCollecting, eng.State("BTC-USD"))

	require.NoError(t, eng.HandleSignal(ctx, signalEvent(t, "BTC-USD", sentimentSignal(models.DirectionLong, 0.7))))
	trigger := signalEvent(t, "BTC-USD", tradingSignal(models.DirectionLong, 0.85))
	require.NoError(t, eng.HandleSignal(ctx, trigger))

	approved := pub.ofType(models.EventConsensusApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, trigger.ID, approved[0].CorrelationID)
	assert.Equal(t, "BTC-USD", approved[0].PartitionKey())

	var res models.ConsensusResult
	require.NoError(t, approved[0].Decode(&res))
	assert.Equal(t, models.ActionExecute, res.RecommendedAction)
	assert.InDelta(t, 0.795, res.Confidence, 1e-9)
	assert.Equal(t, 0.8, res.VotingSummary[models.KindRisk].Confidence)

	require.NoError(t, eng.Drain(ctx))
	assert.Equal(t, int32(1), called.Load())
	assert.Equal(t, models.StateCollecting, eng.State("BTC-USD"))
	assert.Len(t, eng.History("BTC-USD", 0), 1)
}

func TestConsensusEngineRejectedDecisionAndHistoryBound(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	eng := newTestEngine(pub)

	for i := 0; i < 3; i++ {
		_, err := eng.Submit(ctx, riskSignal(models.DirectionClose, 0.9, models.RiskCritical), "SOL-USD", "")
		require.NoError(t, err)
		res, err := eng.Submit(ctx, tradingSignal(models.DirectionLong, 0.8), "SOL-USD", "")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.RiskApproval)
	}
	assert.Len(t, pub.ofType(models.EventConsensusRejected), 3)
	assert.Len(t, eng.History("SOL-USD", 10), 2)
}

func TestConsensusEngineKeepsBufferWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	eng := newTestEngine(pub)

	_, err := eng.Submit(ctx, riskSignal(models.DirectionLong, 0.8, models.RiskLow), "ETH-USD", "e1")
	require.NoError(t, err)

	pub.setFail(models.TransientError("publish", errors.New("broker down")))
	_, err = eng.Submit(ctx, tradingSignal(models.DirectionLong, 0.9), "ETH-USD", "e2")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientIO)
	assert.Equal(t, 2, eng.agg.Pending("ETH-USD"))
	assert.Empty(t, eng.History("ETH-USD", 0))

	pub.setFail(nil)
	res, err := eng.Submit(ctx, tradingSignal(models.DirectionLong, 0.9), "ETH-USD", "e2")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, eng.agg.Pending("ETH-USD"))
}

func TestConsensusEngineRejectsMalformedSignal(t *testing.T) {
	eng := newTestEngine(&recordingPublisher{})
	evt := &models.Event{ID: "x", Type: models.EventSignalGenerated, Instrument: "BTC-USD", Payload: []byte(`{"agent_name":"a","direction":"UP","confidence":2}`)}
	err := eng.HandleSignal(context.Background(), evt)
	assert.ErrorIs(t, err, models.ErrData)
}
