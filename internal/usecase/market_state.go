package usecase

import (
	"context"
	"math"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	"TradeCore/internal/service/risk"
)

// bucketClose is the last price seen within one sampling bucket.
type bucketClose struct {
	bucket int64
	price  float64
}

type priceSeries struct {
	last   float64
	lastAt time.Time
	closes []bucketClose
}

// MarketState keeps the last tick price per instrument and the closing price
// of each fixed-length sampling bucket. Correlations are computed on bucket
// returns so two instruments are compared over the same intervals whatever
// their tick rates. It is the correlation source for the risk validator.
type MarketState struct {
	window     int
	minSamples int
	bucket     time.Duration
	metrics    domrepo.Metrics

	mu     sync.RWMutex
	series map[string]*priceSeries
}

var _ risk.CorrelationSource = (*MarketState)(nil)

// NewMarketState keeps window bucket returns per instrument. A correlation
// needs at least minSamples returns that both instruments share.
func NewMarketState(window, minSamples int, bucket time.Duration, m domrepo.Metrics) *MarketState {
	if window < 2 {
		window = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &MarketState{window: window, minSamples: minSamples, bucket: bucket, metrics: m, series: make(map[string]*priceSeries)}
}

// Update records a tick. Ticks older than the last one seen are ignored.
func (s *MarketState) Update(t models.PriceTick) {
	if t.Price <= 0 {
		return
	}
	s.mu.Lock()
	ps, ok := s.series[t.Instrument]
	if !ok {
		ps = &priceSeries{}
		s.series[t.Instrument] = ps
	}
	if !ps.lastAt.IsZero() && t.Timestamp.Before(ps.lastAt) {
		s.mu.Unlock()
		return
	}
	b := t.Timestamp.UnixNano() / int64(s.bucket)
	if n := len(ps.closes); n > 0 && ps.closes[n-1].bucket == b {
		ps.closes[n-1].price = t.Price
	} else {
		ps.closes = append(ps.closes, bucketClose{bucket: b, price: t.Price})
		if len(ps.closes) > s.window+1 {
			ps.closes = ps.closes[len(ps.closes)-s.window-1:]
		}
	}
	ps.last, ps.lastAt = t.Price, t.Timestamp
	s.mu.Unlock()

	s.metrics.RecordLastPrice(t.Instrument, t.Price)
}

// HandleTick is the price.tick route.
func (s *MarketState) HandleTick(_ context.Context, evt *models.Event) error {
	var t models.PriceTick
	if err := evt.Decode(&t); err != nil {
		return err
	}
	if t.Instrument == "" {
		t.Instrument = evt.Instrument
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = evt.Timestamp
	}
	s.Update(t)
	return nil
}

// LastPrice returns the most recent tick price for instrument.
func (s *MarketState) LastPrice(instrument string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.series[instrument]
	if !ok || ps.last <= 0 {
		return 0, false
	}
	return ps.last, true
}

// Correlation is the Pearson correlation of the log returns of a and b over
// the buckets where both have a close in that bucket and the one before it.
// ok is false below the minimum shared sample count.
func (s *MarketState) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, okA := s.series[a]
	pb, okB := s.series[b]
	if !okA || !okB {
		return 0, false
	}
	ra, rb := bucketReturns(pa.closes), bucketReturns(pb.closes)
	var x, y []float64
	for bucket, r := range ra {
		if other, ok := rb[bucket]; ok {
			x = append(x, r)
			y = append(y, other)
		}
	}
	if len(x) < s.minSamples {
		return 0, false
	}
	return pearson(x, y)
}

// bucketReturns maps each bucket to its log return against the previous
// bucket. Buckets whose predecessor has no close are skipped.
func bucketReturns(closes []bucketClose) map[int64]float64 {
	out := make(map[int64]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i].bucket != closes[i-1].bucket+1 {
			continue
		}
		out[closes[i].bucket] = math.Log(closes[i].price / closes[i-1].price)
	}
	return out
}

func pearson(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var sx, sy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/n, sy/n
	var cov, vx, vy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
