package models

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderSubmitted           OrderStatus = "SUBMITTED"
	OrderAccepted            OrderStatus = "ACCEPTED"
	OrderPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	OrderFilled              OrderStatus = "FILLED"
	OrderCancelled           OrderStatus = "CANCELLED"
	OrderRejected            OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderSubmitted:           {OrderAccepted, OrderRejected},
	OrderAccepted:            {OrderPendingConfirmation, OrderFilled, OrderCancelled, OrderRejected},
	OrderPendingConfirmation: {OrderFilled, OrderCancelled, OrderRejected},
}

// CanTransition reports whether from -> to is a legal order state change.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order is created on submit and mutated only through Transition.
type Order struct {
	ID            string      `json:"order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Venue         string      `json:"venue"`
	UserID        string      `json:"user_id"`
	ConsensusID   string      `json:"consensus_id"`
	Instrument    string      `json:"instrument"`
	Direction     Direction   `json:"direction"`
	Type          OrderType   `json:"type"`
	Size          float64     `json:"size"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	ExpectedPrice float64     `json:"expected_price"`
	Status        OrderStatus `json:"status"`
	FillPrice     float64     `json:"fill_price,omitempty"`
	SlippagePct   float64     `json:"slippage_pct,omitempty"`
	Fee           float64     `json:"fee,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Transition moves the order to status. Moving to the current status is a no-op.
func (o *Order) Transition(to OrderStatus, at time.Time) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// Fill is an execution reported by a venue.
type Fill struct {
	OrderID      string    `json:"order_id"`
	VenueOrderID string    `json:"venue_order_id,omitempty"`
	Instrument   string    `json:"instrument"`
	Direction    Direction `json:"direction"`
	Size         float64   `json:"size"`
	Price        float64   `json:"price"`
	Fee          float64   `json:"fee"`
	Timestamp    time.Time `json:"timestamp"`
}

// Slippage is (fill - expected) / expected, or 0 without an expected price.
func Slippage(expected, fill float64) float64 {
	if expected == 0 {
		return 0
	}
	return (fill - expected) / expected
}

// OrderRequest is what the engine asks a venue to place. ClientOrderID doubles as the idempotency key.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Instrument    string    `json:"instrument"`
	Direction     Direction `json:"direction"`
	Size          float64   `json:"size"`
	Type          OrderType `json:"type"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	// ExpectedPrice is the reference for slippage, not sent as a limit.
	ExpectedPrice float64 `json:"-"`
}

// OrderAck is the venue's synchronous answer to a submit.
type OrderAck struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id"`
	Status        OrderStatus `json:"status"`
}

// OrderUpdate is delivered through the adapter's update handler only.
type OrderUpdate struct {
	Venue         string      `json:"venue"`
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Status        OrderStatus `json:"status"`
	Fill          *Fill       `json:"fill,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// TradeExecution is the payload of trade.executed events.
type TradeExecution struct {
	UserID      string  `json:"user_id"`
	Order       Order   `json:"order"`
	Fill        Fill    `json:"fill"`
	SlippagePct float64 `json:"slippage_pct"`
}
