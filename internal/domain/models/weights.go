package models

import "math"

const weightTolerance = 1e-9

// Weights are the per-kind voting weights. Configured weights must sum to 1.
type Weights struct {
	Risk      float64 `json:"risk" yaml:"risk"`
	Trading   float64 `json:"trading" yaml:"trading"`
	Sentiment float64 `json:"sentiment" yaml:"sentiment"`
}

func DefaultWeights() Weights {
	return Weights{Risk: 0.35, Trading: 0.40, Sentiment: 0.25}
}

func (w Weights) Sum() float64 { return w.Risk + w.Trading + w.Sentiment }

// Validate enforces non-negative weights summing to 1.0.
func (w Weights) Validate() error {
	if w.Risk < 0 || w.Trading < 0 || w.Sentiment < 0 {
		return ValidationErrorf("weights must be non-negative: %+v", w)
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return ValidationErrorf("weights must sum to 1.0, got %.12f", w.Sum())
	}
	return nil
}

// For returns the weight of kind.
func (w Weights) For(kind SignalKind) float64 {
	switch kind {
	case KindRisk:
		return w.Risk
	case KindTrading:
		return w.Trading
	case KindSentiment:
		return w.Sentiment
	}
	return 0
}

// WithoutSentiment gives half of the sentiment weight to risk and trading in
// proportion to their own weights. The other half is dropped.
func (w Weights) WithoutSentiment() Weights {
	half := w.Sentiment / 2
	base := w.Risk + w.Trading
	out := Weights{Risk: w.Risk, Trading: w.Trading}
	if base <= 0 {
		out.Risk += half / 2
		out.Trading += half / 2
		return out
	}
	out.Risk += half * w.Risk / base
	out.Trading += half * w.Trading / base
	return out
}
