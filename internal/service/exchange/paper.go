package exchange

import (
	"context"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
	applogger "TradeCore/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaperConfig struct {
	SlippageBps float64
	FeeRate     float64
	TickSize    float64
}

// PaperAdapter matches every order immediately at the reference price moved
// against the taker by SlippageBps and rounded to TickSize.
type PaperAdapter struct {
	cfg PaperConfig
	log *applogger.Logger
	now func() time.Time

	mu      sync.Mutex
	acks    map[string]models.OrderAck
	handler UpdateHandler
}

var _ Adapter = (*PaperAdapter)(nil)

func NewPaperAdapter(cfg PaperConfig, l *applogger.Logger) *PaperAdapter {
	return &PaperAdapter{
		cfg:  cfg,
		log:  l.Named("paper_venue"),
		now:  time.Now,
		acks: make(map[string]models.OrderAck),
	}
}

func (p *PaperAdapter) Name() string { return "paper" }

func (p *PaperAdapter) Settlement() Settlement { return SettlementImmediate }

func (p *PaperAdapter) SetUpdateHandler(h UpdateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// SubmitOrder fills synchronously through the update handler. Resubmitting a
// client order id returns the original ack without a second fill.
func (p *PaperAdapter) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if req.ClientOrderID == "" || req.Size <= 0 || !req.Direction.Tradable() {
		return models.OrderAck{}, models.ValidationErrorf("paper: invalid order %+v", req)
	}

	p.mu.Lock()
	if ack, ok := p.acks[req.ClientOrderID]; ok {
		p.mu.Unlock()
		return ack, nil
	}
	ack := models.OrderAck{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  "paper-" + uuid.NewString(),
		Status:        models.OrderAccepted,
	}
	update := models.OrderUpdate{Venue: p.Name(), ClientOrderID: req.ClientOrderID, VenueOrderID: ack.VenueOrderID}

	price := p.fillPrice(req)
	switch {
	case req.ExpectedPrice <= 0 && req.LimitPrice <= 0:
		ack.Status = models.OrderRejected
		update.Status = models.OrderRejected
		update.Reason = "no reference price"
	case req.Type == models.OrderTypeLimit && !marketable(req, price):
		ack.Status = models.OrderRejected
		update.Status = models.OrderRejected
		update.Reason = "limit not marketable"
	default:
		update.Status = models.OrderFilled
		update.Fill = &models.Fill{
			OrderID:      req.ClientOrderID,
			VenueOrderID: ack.VenueOrderID,
			Instrument:   req.Instrument,
			Direction:    req.Direction,
			Size:         req.Size,
			Price:        price,
			Fee:          price * req.Size * p.cfg.FeeRate,
			Timestamp:    p.now().UTC(),
		}
	}
	p.acks[req.ClientOrderID] = ack
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h(ctx, update)
	}
	return ack, nil
}

func (p *PaperAdapter) fillPrice(req models.OrderRequest) float64 {
	ref := req.ExpectedPrice
	if ref <= 0 {
		ref = req.LimitPrice
	}
	px := decimal.NewFromFloat(ref)
	slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(decimal.NewFromInt(10_000))
	if req.Direction == models.DirectionLong {
		px = px.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		px = px.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	if p.cfg.TickSize > 0 {
		tick := decimal.NewFromFloat(p.cfg.TickSize)
		px = px.Div(tick).Round(0).Mul(tick)
	}
	f, _ := px.Float64()
	return f
}

func marketable(req models.OrderRequest, price float64) bool {
	if req.LimitPrice <= 0 {
		return true
	}
	if req.Direction == models.DirectionLong {
		return price <= req.LimitPrice
	}
	return price >= req.LimitPrice
}

// CancelOrder always returns false: paper orders resolve on submit.
func (p *PaperAdapter) CancelOrder(context.Context, string) (bool, error) { return false, nil }

func (p *PaperAdapter) Start(context.Context) error { return nil }

func (p *PaperAdapter) Stop(context.Context) error { return nil }
