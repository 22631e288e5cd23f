package models

import (
	"math"
	"time"
)

// MaxAppliedOrders bounds the per-portfolio record of applied fills.
const MaxAppliedOrders = 500

const sizeEpsilon = 1e-12

// Position is an open exposure on one instrument. Size is in units and always positive.
type Position struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notional is the position value at entry.
func (p Position) Notional() float64 { return math.Abs(p.Size) * p.EntryPrice }

type PortfolioMetrics struct {
	LeverageRatio float64 `json:"leverage_ratio"`
	// LiquidationDistance is the adverse price move, as a fraction, that would consume the balance.
	LiquidationDistance float64 `json:"liquidation_distance"`
	TotalExposure       float64 `json:"total_exposure"`
	DailyPnL            float64 `json:"daily_pnl"`
	DailyPnLDate        string  `json:"daily_pnl_date,omitempty"`
	RealizedPnL         float64 `json:"realized_pnl"`
	TradeCount          int     `json:"trade_count"`
}

// Portfolio is a margin account: Balance is collateral and positions are
// carried at entry price. The execution engine is its only writer.
type Portfolio struct {
	UserID         string           `json:"user_id"`
	Positions      []Position       `json:"positions"`
	Balance        float64          `json:"balance"`
	InitialBalance float64          `json:"initial_balance"`
	Metrics        PortfolioMetrics `json:"metrics"`
	UpdatedAt      time.Time        `json:"updated_at"`
	AppliedOrders  []string         `json:"applied_orders,omitempty"`
}

func NewPortfolio(userID string, balance float64) *Portfolio {
	p := &Portfolio{
		UserID:         userID,
		Positions:      []Position{},
		Balance:        balance,
		InitialBalance: balance,
	}
	p.recompute()
	return p
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	c := *p
	c.Positions = append([]Position{}, p.Positions...)
	c.AppliedOrders = append([]string(nil), p.AppliedOrders...)
	return &c
}

func (p *Portfolio) Position(instrument string) (Position, bool) {
	if i := p.positionIndex(instrument); i >= 0 {
		return p.Positions[i], true
	}
	return Position{}, false
}

func (p *Portfolio) positionIndex(instrument string) int {
	for i := range p.Positions {
		if p.Positions[i].Instrument == instrument {
			return i
		}
	}
	return -1
}

func (p *Portfolio) OpenPositions() int { return len(p.Positions) }

// DailyPnLOn returns the realized PnL booked on the UTC day of t.
func (p *Portfolio) DailyPnLOn(t time.Time) float64 {
	if p.Metrics.DailyPnLDate != dayKey(t) {
		return 0
	}
	return p.Metrics.DailyPnL
}

func (p *Portfolio) HasApplied(orderID string) bool {
	for _, id := range p.AppliedOrders {
		if id == orderID {
			return true
		}
	}
	return false
}

// ApplyFill books a fill against the portfolio. It returns false without
// changes when the order was already applied.
func (p *Portfolio) ApplyFill(f Fill) bool {
	if f.OrderID == "" || p.HasApplied(f.OrderID) || !f.Direction.Tradable() || f.Size <= 0 {
		return false
	}
	at := f.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if day := dayKey(at); p.Metrics.DailyPnLDate != day {
		p.Metrics.DailyPnLDate = day
		p.Metrics.DailyPnL = 0
	}

	remaining := f.Size
	if i := p.positionIndex(f.Instrument); i >= 0 {
		pos := &p.Positions[i]
		if pos.Direction == f.Direction {
			total := pos.Size + f.Size
			pos.EntryPrice = (pos.Size*pos.EntryPrice + f.Size*f.Price) / total
			pos.Size = total
			pos.UpdatedAt = at
			remaining = 0
		} else {
			closed := math.Min(pos.Size, f.Size)
			p.realize(closed * (f.Price - pos.EntryPrice) * pos.Direction.Sign())
			pos.Size -= closed
			pos.UpdatedAt = at
			remaining -= closed
			if pos.Size <= sizeEpsilon {
				p.Positions = append(p.Positions[:i], p.Positions[i+1:]...)
			}
		}
	}
	if remaining > sizeEpsilon {
		p.Positions = append(p.Positions, Position{
			Instrument: f.Instrument,
			Direction:  f.Direction,
			Size:       remaining,
			EntryPrice: f.Price,
			OpenedAt:   at,
			UpdatedAt:  at,
		})
	}

	p.realize(-f.Fee)
	p.Metrics.TradeCount++
	p.AppliedOrders = append(p.AppliedOrders, f.OrderID)
	if n := len(p.AppliedOrders); n > MaxAppliedOrders {
		p.AppliedOrders = append([]string(nil), p.AppliedOrders[n-MaxAppliedOrders:]...)
	}
	p.UpdatedAt = at
	p.recompute()
	return true
}

func (p *Portfolio) realize(pnl float64) {
	p.Balance += pnl
	p.Metrics.RealizedPnL += pnl
	p.Metrics.DailyPnL += pnl
}

// ProjectedExposure is the exposure after adding size units at price on instrument.
func (p *Portfolio) ProjectedExposure(instrument string, direction Direction, size, price float64) float64 {
	exposure := p.Metrics.TotalExposure
	pos, ok := p.Position(instrument)
	if !ok || pos.Direction == direction {
		return exposure + size*price
	}
	closed := math.Min(pos.Size, size)
	return exposure - closed*pos.EntryPrice + (size-closed)*price
}

func (p *Portfolio) recompute() {
	var exposure float64
	for _, pos := range p.Positions {
		exposure += pos.Notional()
	}
	p.Metrics.TotalExposure = exposure
	switch {
	case exposure == 0:
		p.Metrics.LeverageRatio = 0
		p.Metrics.LiquidationDistance = 1
	case p.Balance <= 0:
		// JSON cannot carry +Inf.
		p.Metrics.LeverageRatio = math.MaxFloat64
		p.Metrics.LiquidationDistance = 0
	default:
		p.Metrics.LeverageRatio = exposure / p.Balance
		p.Metrics.LiquidationDistance = math.Min(1, p.Balance/exposure)
	}
}

func dayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }
