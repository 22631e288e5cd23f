package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	applogger "TradeCore/pkg/logger"
)

// DecisionCallback observes a published decision. Errors and panics are
// logged and never reach the engine.
type DecisionCallback func(ctx context.Context, res *models.ConsensusResult, evt *models.Event) error

type ConsensusConfig struct {
	Source          string
	HistorySize     int
	WeightRefresh   time.Duration
	CallbackTimeout time.Duration
}

type instrumentRound struct {
	mu      sync.Mutex
	state   models.ConsensusState
	history []*models.ConsensusResult
}

// ConsensusEngine runs one COLLECTING -> AGGREGATING -> DECIDED round at a
// time per instrument and publishes every decision.
type ConsensusEngine struct {
	cfg       ConsensusConfig
	agg       *SignalAggregator
	publisher domrepo.EventPublisher
	weights   domrepo.WeightStore
	log       *applogger.Logger
	metrics   domrepo.Metrics

	mu        sync.Mutex
	rounds    map[string]*instrumentRound
	callbacks []DecisionCallback

	inflight sync.WaitGroup
}

func NewConsensusEngine(cfg ConsensusConfig, agg *SignalAggregator, pub domrepo.EventPublisher, ws domrepo.WeightStore, l *applogger.Logger, m domrepo.Metrics) *ConsensusEngine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 5 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "consensus-engine"
	}
	return &ConsensusEngine{
		cfg:       cfg,
		agg:       agg,
		publisher: pub,
		weights:   ws,
		log:       l.Named("consensus"),
		metrics:   m,
		rounds:    make(map[string]*instrumentRound),
	}
}

// OnDecision registers cb for every later decision.
func (e *ConsensusEngine) OnDecision(cb DecisionCallback) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

func (e *ConsensusEngine) round(instrument string) *instrumentRound {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[instrument]
	if !ok {
		r = &instrumentRound{state: models.StateCollecting}
		e.rounds[instrument] = r
	}
	return r
}

// State returns the current round state of instrument.
func (e *ConsensusEngine) State(instrument string) models.ConsensusState {
	r := e.round(instrument)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HandleSignal is the signal.generated route.
func (e *ConsensusEngine) HandleSignal(ctx context.Context, evt *models.Event) error {
	sig, err := models.ParseSignal(evt.Payload)
	if err != nil {
		return err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = evt.Timestamp
	}
	_, err = e.Submit(ctx, sig, evt.Instrument, evt.ID)
	return err
}

// Submit buffers sig and, once quorum is reached, decides and publishes.
// A nil result with a nil error means the round is still collecting. When
// publishing fails the buffer is kept so a redelivery can decide again.
func (e *ConsensusEngine) Submit(ctx context.Context, sig *models.AgentSignal, instrument, eventID string) (*models.ConsensusResult, error) {
	r := e.round(instrument)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := e.agg.add(sig, instrument, eventID); err != nil {
		e.metrics.RecordError("consensus_signal_rejected")
		return nil, err
	}

	r.state = models.StateAggregating
	res, err := e.agg.Aggregate(instrument)
	if errors.Is(err, models.ErrQuorumNotReached) {
		r.state = models.StateCollecting
		e.log.Debug("collecting signals",
			applogger.String("instrument", instrument),
			applogger.Int("pending", e.agg.Pending(instrument)),
		)
		return nil, nil
	}
	if err != nil {
		r.state = models.StateCollecting
		return nil, err
	}

	evt, err := models.NewEvent(res.EventType(), e.cfg.Source, instrument, res)
	if err != nil {
		r.state = models.StateCollecting
		return nil, err
	}
	if eventID == "" {
		eventID = e.agg.triggerID(instrument)
	}
	evt = evt.CorrelatedWith(eventID)

	if _, err := e.publisher.Publish(ctx, evt); err != nil {
		r.state = models.StateCollecting
		e.metrics.RecordError("consensus_publish")
		e.log.Error("publish decision failed, keeping buffer",
			applogger.String("instrument", instrument),
			applogger.String("action", string(res.RecommendedAction)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("publish %s decision: %w", instrument, err)
	}

	r.state = models.StateDecided
	e.agg.Clear(instrument)
	r.history = append(r.history, res)
	if over := len(r.history) - e.cfg.HistorySize; over > 0 {
		r.history = append([]*models.ConsensusResult(nil), r.history[over:]...)
	}

	e.metrics.RecordDecision(instrument, string(res.RecommendedAction))
	e.metrics.RecordLatency("consensus_decision", res.LatencyMs/1000)
	e.log.Info("consensus decided",
		applogger.String("instrument", instrument),
		applogger.String("direction", string(res.Direction)),
		applogger.Float64("confidence", res.Confidence),
		applogger.String("action", string(res.RecommendedAction)),
		applogger.Bool("vetoed", res.Vetoed),
		applogger.String("event_id", evt.ID),
	)

	e.dispatch(res, evt)
	r.state = models.StateCollecting
	return res, nil
}

func (e *ConsensusEngine) dispatch(res *models.ConsensusResult, evt *models.Event) {
	e.mu.Lock()
	cbs := append([]DecisionCallback(nil), e.callbacks...)
	e.mu.Unlock()

	for i, cb := range cbs {
		e.inflight.Add(1)
		go func(i int, cb DecisionCallback) {
			defer e.inflight.Done()
			defer func() {
				if rec := recover(); rec != nil {
					e.metrics.RecordError("consensus_callback_panic")
					e.log.Error("decision callback panicked", applogger.Int("callback", i), applogger.Any("panic", rec))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallbackTimeout)
			defer cancel()
			if err := cb(ctx, res, evt); err != nil {
				e.metrics.RecordError("consensus_callback")
				e.log.Warn("decision callback failed", applogger.Int("callback", i), applogger.Error(err))
			}
		}(i, cb)
	}
}

// History returns up to limit decisions for instrument, newest first.
func (e *ConsensusEngine) History(instrument string, limit int) []*models.ConsensusResult {
	r := e.round(instrument)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.ConsensusResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// RefreshWeights loads weights from the store into the aggregator.
func (e *ConsensusEngine) RefreshWeights(ctx context.Context) error {
	if e.weights == nil {
		return nil
	}
	w, err := e.weights.Get(ctx)
	if err != nil {
		return err
	}
	if w == e.agg.Weights() {
		return nil
	}
	if err := e.agg.SetWeights(w); err != nil {
		return err
	}
	e.log.Info("weights refreshed",
		applogger.Float64("risk", w.Risk),
		applogger.Float64("trading", w.Trading),
		applogger.Float64("sentiment", w.Sentiment),
	)
	return nil
}

// Run refreshes weights every WeightRefresh until ctx is done.
func (e *ConsensusEngine) Run(ctx context.Context) {
	if e.weights == nil || e.cfg.WeightRefresh <= 0 {
		return
	}
	if err := e.RefreshWeights(ctx); err != nil {
		e.log.Warn("initial weight refresh failed, using configured weights", applogger.Error(err))
	}
	ticker := time.NewTicker(e.cfg.WeightRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshWeights(ctx); err != nil {
				e.metrics.RecordError(models.ErrorKind(err))
				e.log.Warn("weight refresh failed", applogger.Error(err))
			}
		}
	}
}

// Drain waits for running decision callbacks.
func (e *ConsensusEngine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
