package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	lastPrice       *prometheus.GaugeVec
	latency         *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	orders          *prometheus.CounterVec
	slippage        *prometheus.HistogramVec
}

// New registers the recorder's collectors on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		eventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_events_published_total",
				Help: "Events published to the bus",
			},
			[]string{"event_type", "result"},
		),
		eventsConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_events_consumed_total",
				Help: "Events handled by consumers",
			},
			[]string{"event_type", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_errors_total",
				Help: "Errors by kind",
			},
			[]string{"kind"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradecore_last_price",
				Help: "Last observed tick price per instrument",
			},
			[]string{"instrument"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradecore_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_consensus_decisions_total",
				Help: "Consensus decisions by action",
			},
			[]string{"instrument", "action"},
		),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_orders_total",
				Help: "Order state changes by venue",
			},
			[]string{"venue", "status"},
		),
		slippage: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradecore_fill_slippage_ratio",
				Help:    "Signed fill slippage relative to expected price",
				Buckets: []float64{-0.01, -0.005, -0.001, -0.0005, 0, 0.0005, 0.001, 0.005, 0.01},
			},
			[]string{"venue"},
		),
	}
}

func (r *Recorder) RecordEventPublished(eventType, result string) {
	r.eventsPublished.WithLabelValues(eventType, result).Inc()
}

func (r *Recorder) RecordEventConsumed(eventType, result string) {
	r.eventsConsumed.WithLabelValues(eventType, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordLastPrice(instrument string, price float64) {
	r.lastPrice.WithLabelValues(instrument).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordDecision(instrument, action string) {
	r.decisions.WithLabelValues(instrument, action).Inc()
}

func (r *Recorder) RecordOrder(venue, status string) {
	r.orders.WithLabelValues(venue, status).Inc()
}

func (r *Recorder) RecordSlippage(venue string, pct float64) {
	r.slippage.WithLabelValues(venue).Observe(pct)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordEventPublished(string, string) {}
func (Nop) RecordEventConsumed(string, string)  {}
func (Nop) RecordError(string)                  {}
func (Nop) RecordLastPrice(string, float64)     {}
func (Nop) RecordLatency(string, float64)       {}
func (Nop) RecordDecision(string, string)       {}
func (Nop) RecordOrder(string, string)          {}
func (Nop) RecordSlippage(string, float64)      {}
