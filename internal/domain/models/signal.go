package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction is an agent's view on an instrument.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
	// DirectionClose from the risk agent is a veto, not a trade.
	DirectionClose Direction = "CLOSE"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionNeutral, DirectionClose:
		return true
	}
	return false
}

// Tradable reports whether an order can be placed in this direction.
func (d Direction) Tradable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign is +1 for LONG, -1 for SHORT and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	}
	return 0
}

// SignalKind discriminates the AgentSignal variants.
type SignalKind string

const (
	KindRisk      SignalKind = "risk"
	KindTrading   SignalKind = "trading"
	KindSentiment SignalKind = "sentiment"
)

// RiskLevel as reported by the risk agent. RiskCritical vetoes any trade.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskWarning  RiskLevel = "warning"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RiskDetails struct {
	LeverageRatio       float64   `json:"leverage_ratio"`
	LiquidationDistance float64   `json:"liquidation_distance"`
	RiskLevel           RiskLevel `json:"risk_level"`
}

type TradingDetails struct {
	Indicators       map[string]float64 `json:"indicators,omitempty"`
	RecommendedSize  float64            `json:"recommended_size"`
	RecommendedEntry float64            `json:"recommended_entry"`
}

type SentimentDetails struct {
	SentimentScore float64  `json:"sentiment_score"`
	Sources        []string `json:"sources,omitempty"`
	Volume         float64  `json:"volume"`
	Velocity       float64  `json:"velocity"`
}

// AgentSignal is a tagged union over SignalKind: exactly the detail pointer
// matching Kind is set. Build one with ParseSignal.
type AgentSignal struct {
	AgentName  string
	Kind       SignalKind
	Direction  Direction
	Confidence float64
	Reasoning  string
	Metadata   map[string]any
	Timestamp  time.Time

	Risk      *RiskDetails
	Trading   *TradingDetails
	Sentiment *SentimentDetails
}

// Vetoes reports whether this is a risk signal that forbids trading.
func (s *AgentSignal) Vetoes() bool {
	if s.Kind != KindRisk {
		return false
	}
	return s.Direction == DirectionClose || (s.Risk != nil && s.Risk.RiskLevel == RiskCritical)
}

// signalWire is the flat JSON shape agents publish. Variant fields are
// pointers so presence can be checked against the kind.
type signalWire struct {
	AgentName  string         `json:"agent_name" validate:"required"`
	Kind       SignalKind     `json:"kind,omitempty" validate:"omitempty,oneof=risk trading sentiment"`
	Direction  Direction      `json:"direction" validate:"required,oneof=LONG SHORT NEUTRAL CLOSE"`
	Confidence *float64       `json:"confidence" validate:"required,gte=0,lte=1"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`

	LeverageRatio       *float64   `json:"leverage_ratio,omitempty" validate:"omitempty,gte=0"`
	LiquidationDistance *float64   `json:"liquidation_distance,omitempty" validate:"omitempty,gte=0"`
	RiskLevel           *RiskLevel `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium warning high critical"`

	Indicators       map[string]float64 `json:"indicators,omitempty"`
	RecommendedSize  *float64           `json:"recommended_size,omitempty" validate:"omitempty,gte=0"`
	RecommendedEntry *float64           `json:"recommended_entry,omitempty" validate:"omitempty,gte=0"`

	SentimentScore *float64 `json:"sentiment_score,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Sources        []string `json:"sources,omitempty"`
	Volume         *float64 `json:"volume,omitempty" validate:"omitempty,gte=0"`
	Velocity       *float64 `json:"velocity,omitempty"`
}

func (w *signalWire) hasRisk() bool {
	return w.RiskLevel != nil || w.LeverageRatio != nil || w.LiquidationDistance != nil
}

func (w *signalWire) hasTrading() bool {
	return w.Indicators != nil || w.RecommendedSize != nil || w.RecommendedEntry != nil
}

func (w *signalWire) hasSentiment() bool {
	return w.SentimentScore != nil || w.Sources != nil || w.Volume != nil || w.Velocity != nil
}

// inferKind resolves a missing kind from the variant fields present.
func (w *signalWire) inferKind() (SignalKind, error) {
	var kinds []SignalKind
	if w.hasRisk() {
		kinds = append(kinds, KindRisk)
	}
	if w.hasTrading() {
		kinds = append(kinds, KindTrading)
	}
	if w.hasSentiment() {
		kinds = append(kinds, KindSentiment)
	}
	if len(kinds) != 1 {
		return "", DataErrorf("signal from %q: cannot infer kind from fields %v", w.AgentName, kinds)
	}
	return kinds[0], nil
}

// ParseSignal decodes and validates an AgentSignal payload. Kind-specific
// required fields are enforced and fields of other kinds are rejected.
func ParseSignal(b []byte) (*AgentSignal, error) {
	var w signalWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, DataErrorf("decode signal: %v", err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, DataErrorf("signal from %q: %v", w.AgentName, err)
	}

	kind := w.Kind
	if kind == "" {
		k, err := w.inferKind()
		if err != nil {
			return nil, err
		}
		kind = k
	}

	s := &AgentSignal{
		AgentName:  w.AgentName,
		Kind:       kind,
		Direction:  w.Direction,
		Confidence: *w.Confidence,
		Reasoning:  w.Reasoning,
		Metadata:   w.Metadata,
	}
	if w.Timestamp != nil {
		s.Timestamp = w.Timestamp.UTC()
	}

	switch kind {
	case KindRisk:
		if w.hasTrading() || w.hasSentiment() {
			return nil, DataErrorf("risk signal from %q carries fields of another kind", w.AgentName)
		}
		if w.RiskLevel == nil {
			return nil, DataErrorf("risk signal from %q: risk_level is required", w.AgentName)
		}
		s.Risk = &RiskDetails{
			LeverageRatio:       deref(w.LeverageRatio),
			LiquidationDistance: deref(w.LiquidationDistance),
			RiskLevel:           *w.RiskLevel,
		}
	case KindTrading:
		if w.hasRisk() || w.hasSentiment() {
			return nil, DataErrorf("trading signal from %q carries fields of another kind", w.AgentName)
		}
		s.Trading = &TradingDetails{
			Indicators:       w.Indicators,
			RecommendedSize:  deref(w.RecommendedSize),
			RecommendedEntry: deref(w.RecommendedEntry),
		}
	case KindSentiment:
		if w.hasRisk() || w.hasTrading() {
			return nil, DataErrorf("sentiment signal from %q carries fields of another kind", w.AgentName)
		}
		if w.SentimentScore == nil {
			return nil, DataErrorf("sentiment signal from %q: sentiment_score is required", w.AgentName)
		}
		s.Sentiment = &SentimentDetails{
			SentimentScore: *w.SentimentScore,
			Sources:        w.Sources,
			Volume:         deref(w.Volume),
			Velocity:       deref(w.Velocity),
		}
	}
	return s, nil
}

// MarshalJSON writes the flat wire shape accepted by ParseSignal.
func (s AgentSignal) MarshalJSON() ([]byte, error) {
	conf := s.Confidence
	w := signalWire{
		AgentName:  s.AgentName,
		Kind:       s.Kind,
		Direction:  s.Direction,
		Confidence: &conf,
		Reasoning:  s.Reasoning,
		Metadata:   s.Metadata,
	}
	if !s.Timestamp.IsZero() {
		ts := s.Timestamp
		w.Timestamp = &ts
	}
	switch s.Kind {
	case KindRisk:
		if s.Risk == nil {
			return nil, fmt.Errorf("risk signal %q without risk details", s.AgentName)
		}
		r := *s.Risk
		w.LeverageRatio, w.LiquidationDistance, w.RiskLevel = &r.LeverageRatio, &r.LiquidationDistance, &r.RiskLevel
	case KindTrading:
		if s.Trading == nil {
			return nil, fmt.Errorf("trading signal %q without trading details", s.AgentName)
		}
		t := *s.Trading
		w.Indicators, w.RecommendedSize, w.RecommendedEntry = t.Indicators, &t.RecommendedSize, &t.RecommendedEntry
	case KindSentiment:
		if s.Sentiment == nil {
			return nil, fmt.Errorf("sentiment signal %q without sentiment details", s.AgentName)
		}
		se := *s.Sentiment
		w.SentimentScore, w.Sources, w.Volume, w.Velocity = &se.SentimentScore, se.Sources, &se.Volume, &se.Velocity
	}
	return json.Marshal(w)
}

// UnmarshalJSON goes through ParseSignal so decoded signals are always valid.
func (s *AgentSignal) UnmarshalJSON(b []byte) error {
	parsed, err := ParseSignal(b)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
