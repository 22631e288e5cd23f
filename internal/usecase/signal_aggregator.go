package usecase

import (
	"math"
	"sort"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
)

const (
	DefaultSignalWindow     = 60 * time.Second
	DefaultExecuteThreshold = 0.70
	DefaultHoldThreshold    = 0.40

	confidencePrecision = 1e9
	bucketTolerance     = 1e-12
)

// Thresholds map consensus confidence to an action.
type Thresholds struct {
	Execute float64
	Hold    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Execute: DefaultExecuteThreshold, Hold: DefaultHoldThreshold}
}

type bufferedSignal struct {
	signal  *models.AgentSignal
	eventID string
}

// SignalAggregator buffers the latest signal per agent and instrument and
// turns the buffer into a weighted decision.
type SignalAggregator struct {
	window     time.Duration
	thresholds Thresholds
	now        func() time.Time

	mu      sync.RWMutex
	weights models.Weights
	buffers map[string]map[string]bufferedSignal
}

func NewSignalAggregator(weights models.Weights, window time.Duration, th Thresholds) *SignalAggregator {
	if window <= 0 {
		window = DefaultSignalWindow
	}
	return &SignalAggregator{
		window:     window,
		thresholds: th,
		now:        time.Now,
		weights:    weights,
		buffers:    make(map[string]map[string]bufferedSignal),
	}
}

// AddSignal buffers sig for instrument, replacing an earlier signal from the
// same agent. Signals older than the window are rejected with a data error.
func (a *SignalAggregator) AddSignal(sig *models.AgentSignal, instrument string) error {
	return a.add(sig, instrument, "")
}

func (a *SignalAggregator) add(sig *models.AgentSignal, instrument, eventID string) error {
	if sig == nil || instrument == "" {
		return models.DataErrorf("signal without instrument")
	}
	now := a.now().UTC()
	if sig.Timestamp.IsZero() {
		sig.Timestamp = now
	}
	if age := now.Sub(sig.Timestamp); age > a.window {
		return models.DataErrorf("signal from %q is %s old, window is %s", sig.AgentName, age.Truncate(time.Millisecond), a.window)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[instrument]
	if !ok {
		buf = make(map[string]bufferedSignal)
		a.buffers[instrument] = buf
	}
	if prev, ok := buf[sig.AgentName]; ok && prev.signal.Timestamp.After(sig.Timestamp) {
		return nil
	}
	buf[sig.AgentName] = bufferedSignal{signal: sig, eventID: eventID}
	return nil
}

// SetWeights swaps the weights used by later aggregations.
func (a *SignalAggregator) SetWeights(w models.Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.weights = w
	a.mu.Unlock()
	return nil
}

func (a *SignalAggregator) Weights() models.Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights
}

// Pending is the number of buffered signals for instrument.
func (a *SignalAggregator) Pending(instrument string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buffers[instrument])
}

// Clear drops the buffer of instrument.
func (a *SignalAggregator) Clear(instrument string) {
	a.mu.Lock()
	delete(a.buffers, instrument)
	a.mu.Unlock()
}

// latestByKind picks the most recent in-window signal of each kind. Ties on
// timestamp go to the lexically smaller agent name.
func (a *SignalAggregator) latestByKind(instrument string) map[models.SignalKind]bufferedSignal {
	cutoff := a.now().UTC().Add(-a.window)
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.buffers[instrument]))
	for name := range a.buffers[instrument] {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[models.SignalKind]bufferedSignal, 3)
	for _, name := range names {
		b := a.buffers[instrument][name]
		if b.signal.Timestamp.Before(cutoff) {
			continue
		}
		if cur, ok := out[b.signal.Kind]; ok && !b.signal.Timestamp.After(cur.signal.Timestamp) {
			continue
		}
		out[b.signal.Kind] = b
	}
	return out
}

// Aggregate decides on the buffered signals of instrument. It needs a risk
// and a trading signal and returns ErrQuorumNotReached otherwise. The buffer
// is left untouched.
func (a *SignalAggregator) Aggregate(instrument string) (*models.ConsensusResult, error) {
	latest := a.latestByKind(instrument)
	if _, ok := latest[models.KindRisk]; !ok {
		return nil, models.ErrQuorumNotReached
	}
	if _, ok := latest[models.KindTrading]; !ok {
		return nil, models.ErrQuorumNotReached
	}

	signals := make(map[models.SignalKind]*models.AgentSignal, len(latest))
	for k, b := range latest {
		signals[k] = b.signal
	}
	res := Decide(instrument, signals, a.Weights(), a.thresholds)

	now := a.now().UTC()
	var newest time.Time
	for _, s := range signals {
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
	}
	res.Timestamp = now
	res.LatencyMs = float64(now.Sub(newest).Microseconds()) / 1000
	return res, nil
}

// triggerID returns the event id of the newest contributing signal.
func (a *SignalAggregator) triggerID(instrument string) string {
	var (
		id     string
		newest time.Time
	)
	for _, b := range a.latestByKind(instrument) {
		if b.signal.Timestamp.After(newest) || id == "" {
			id, newest = b.eventID, b.signal.Timestamp
		}
	}
	return id
}

// Decide is the pure weighted vote. Each signal adds confidence x weight to
// the bucket of its direction; the largest bucket wins and ties go to NEUTRAL.
// A risk veto forces REJECT.
func Decide(instrument string, signals map[models.SignalKind]*models.AgentSignal, w models.Weights, th Thresholds) *models.ConsensusResult {
	if _, ok := signals[models.KindSentiment]; !ok {
		w = w.WithoutSentiment()
	}

	res := &models.ConsensusResult{
		Instrument:    instrument,
		VotingSummary: make(map[models.SignalKind]models.AgentVote, len(signals)),
		WeightSummary: make(map[models.Direction]float64, 4),
		SignalCount:   len(signals),
		RiskApproval:  true,
	}

	for _, kind := range []models.SignalKind{models.KindRisk, models.KindTrading, models.KindSentiment} {
		s, ok := signals[kind]
		if !ok {
			continue
		}
		weight := w.For(kind)
		contribution := s.Confidence * weight
		res.VotingSummary[kind] = models.AgentVote{
			AgentName:    s.AgentName,
			Direction:    s.Direction,
			Confidence:   s.Confidence,
			Weight:       roundConfidence(weight),
			Contribution: roundConfidence(contribution),
		}
		res.WeightSummary[s.Direction] += contribution
	}

	winner, best, tie := models.DirectionNeutral, -1.0, false
	for _, d := range []models.Direction{models.DirectionLong, models.DirectionShort, models.DirectionNeutral, models.DirectionClose} {
		v, ok := res.WeightSummary[d]
		if !ok {
			continue
		}
		switch {
		case v > best+bucketTolerance:
			winner, best, tie = d, v, false
		case math.Abs(v-best) <= bucketTolerance:
			tie = true
		}
	}
	if tie {
		winner = models.DirectionNeutral
	}
	for d, v := range res.WeightSummary {
		res.WeightSummary[d] = roundConfidence(v)
	}
	res.Direction = winner
	res.Confidence = roundConfidence(math.Max(0, math.Min(1, best)))

	if t, ok := signals[models.KindTrading]; ok && t.Trading != nil {
		res.RecommendedSize = t.Trading.RecommendedSize
		res.RecommendedEntry = t.Trading.RecommendedEntry
	}

	if r, ok := signals[models.KindRisk]; ok && r.Vetoes() {
		res.RiskApproval = false
		res.Vetoed = true
		res.RecommendedAction = models.ActionReject
		if r.Direction == models.DirectionClose {
			res.RiskReason = "risk agent requested CLOSE"
		} else {
			res.RiskReason = "risk level critical"
		}
		if r.Reasoning != "" {
			res.RiskReason += ": " + r.Reasoning
		}
		return res
	}

	switch {
	case res.Confidence >= th.Execute && res.Direction.Tradable():
		res.RecommendedAction = models.ActionExecute
	case res.Confidence >= th.Hold:
		res.RecommendedAction = models.ActionHold
	default:
		res.RecommendedAction = models.ActionReject
	}
	return res
}

func roundConfidence(v float64) float64 {
	return math.Round(v*confidencePrecision) / confidencePrecision
}
