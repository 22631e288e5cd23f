package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventType is the closed set of event kinds. Each type is also its topic name.
type EventType string

const (
	EventPriceTick         EventType = "price.tick"
	EventSignalGenerated   EventType = "signal.generated"
	EventConsensusApproved EventType = "consensus.approved"
	EventConsensusRejected EventType = "consensus.rejected"
	EventOrderSubmitted    EventType = "order.submitted"
	EventOrderPending      EventType = "order.pending"
	EventOrderCancelled    EventType = "order.cancelled"
	EventOrderRejected     EventType = "order.rejected"
	EventTradeExecuted     EventType = "trade.executed"
	EventRiskAlert         EventType = "risk.alert"
	EventSystemAlert       EventType = "system.alert"
)

var allEventTypes = []EventType{
	EventPriceTick,
	EventSignalGenerated,
	EventConsensusApproved,
	EventConsensusRejected,
	EventOrderSubmitted,
	EventOrderPending,
	EventOrderCancelled,
	EventOrderRejected,
	EventTradeExecuted,
	EventRiskAlert,
	EventSystemAlert,
}

// AllEventTypes returns every event type in declaration order.
func AllEventTypes() []EventType {
	return append([]EventType(nil), allEventTypes...)
}

func (t EventType) Valid() bool {
	for _, et := range allEventTypes {
		if et == t {
			return true
		}
	}
	return false
}

func (t EventType) String() string { return string(t) }

const (
	// SchemaVersion is stamped on every event produced by this process.
	SchemaVersion = 1
	// DefaultPartitionKey is used for events without an instrument.
	DefaultPartitionKey = "default"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is the canonical envelope. Treat as immutable once published.
type Event struct {
	ID            string          `json:"id" validate:"required"`
	Type          EventType       `json:"type" validate:"required,oneof=price.tick signal.generated consensus.approved consensus.rejected order.submitted order.pending order.cancelled order.rejected trade.executed risk.alert system.alert"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	Instrument    string          `json:"instrument,omitempty"`
	Source        string          `json:"source" validate:"required"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// NewEvent builds an event with a fresh id and the current UTC time.
func NewEvent(t EventType, source, instrument string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          t,
		Timestamp:     time.Now().UTC(),
		Instrument:    instrument,
		Source:        source,
		Payload:       raw,
		SchemaVersion: SchemaVersion,
	}, nil
}

// CorrelatedWith returns a copy carrying id as correlation id.
func (e Event) CorrelatedWith(id string) *Event {
	e.CorrelationID = id
	return &e
}

// PartitionKey keeps one instrument on one partition.
func (e *Event) PartitionKey() string {
	if e.Instrument == "" {
		return DefaultPartitionKey
	}
	return e.Instrument
}

// Topic is the default topic for the event.
func (e *Event) Topic() string { return string(e.Type) }

// Validate checks the envelope fields.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return DataErrorf("event %q: %v", e.ID, err)
	}
	return nil
}

// Decode unmarshals the payload into v. Failures are data errors.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return DataErrorf("event %s has empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return DataErrorf("decode %s payload: %v", e.Type, err)
	}
	return nil
}

// ParseEvent decodes and validates a wire envelope.
func ParseEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, DataErrorf("decode envelope: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// PriceTick is the payload of price.tick events.
type PriceTick struct {
	Instrument string    `json:"instrument" validate:"required"`
	Price      float64   `json:"price" validate:"gt=0"`
	Volume     float64   `json:"volume" validate:"gte=0"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskAlert is the payload of risk.alert events.
type RiskAlert struct {
	UserID      string    `json:"user_id"`
	Instrument  string    `json:"instrument"`
	Direction   Direction `json:"direction"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	Reason      string    `json:"reason"`
	ConsensusID string    `json:"consensus_id"`
}

// SystemAlert is the payload of system.alert events: a digest of repeated error logs.
type SystemAlert struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
