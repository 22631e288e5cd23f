package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	"TradeCore/internal/service/exchange"
	"TradeCore/internal/service/risk"
	applogger "TradeCore/pkg/logger"

	"github.com/google/uuid"
)

// orderNamespace scopes client order ids derived from consensus event ids.
var orderNamespace = uuid.MustParse("8f0c6d52-4b8e-5a57-9c43-7a3e2d1b6f10")

// ClientOrderID derives the venue idempotency key from the consensus event id,
// so a redelivered decision can never place a second order.
func ClientOrderID(consensusEventID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(consensusEventID)).String()
}

// PriceSource supplies the last traded price of an instrument.
type PriceSource interface {
	LastPrice(instrument string) (float64, bool)
}

type ExecutionConfig struct {
	Source        string
	UserID        string
	SizingMethod  risk.SizingMethod
	SubmitTimeout time.Duration
	SubmitRetries int
	DefaultVenue  string
	Routes        map[string]string
}

// ExecutionEngine turns approved decisions into orders and books the fills.
type ExecutionEngine struct {
	cfg        ExecutionConfig
	validator  *risk.Validator
	prices     PriceSource
	portfolios *PortfolioService
	publisher  domrepo.EventPublisher
	venues     map[string]exchange.Adapter
	log        *applogger.Logger
	metrics    domrepo.Metrics
	now        func() time.Time

	mu     sync.Mutex
	orders map[string]*models.Order
	// trade.executed events the bus refused; re-sent before the next decision
	unpublished []*models.Event
}

func NewExecutionEngine(
	cfg ExecutionConfig,
	validator *risk.Validator,
	prices PriceSource,
	portfolios *PortfolioService,
	pub domrepo.EventPublisher,
	adapters []exchange.Adapter,
	l *applogger.Logger,
	m domrepo.Metrics,
) (*ExecutionEngine, error) {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 50 * time.Millisecond
	}
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = 0
	}
	if cfg.Source == "" {
		cfg.Source = "execution-engine"
	}
	if cfg.SizingMethod == "" {
		cfg.SizingMethod = risk.SizingFixedPct
	}
	e := &ExecutionEngine{
		cfg:        cfg,
		validator:  validator,
		prices:     prices,
		portfolios: portfolios,
		publisher:  pub,
		venues:     make(map[string]exchange.Adapter, len(adapters)),
		log:        l.Named("execution"),
		metrics:    m,
		now:        time.Now,
		orders:     make(map[string]*models.Order),
	}
	for _, a := range adapters {
		if _, dup := e.venues[a.Name()]; dup {
			return nil, fmt.Errorf("venue %q registered twice", a.Name())
		}
		e.venues[a.Name()] = a
		a.SetUpdateHandler(e.HandleUpdate)
	}
	if _, ok := e.venues[cfg.DefaultVenue]; !ok {
		return nil, fmt.Errorf("default venue %q is not registered", cfg.DefaultVenue)
	}
	for instrument, venue := range cfg.Routes {
		if _, ok := e.venues[venue]; !ok {
			return nil, fmt.Errorf("route %s -> %q: venue not registered", instrument, venue)
		}
	}
	return e, nil
}

// HandleApproved is the consensus.approved route. When the trade.executed
// event of this decision could not be published, the error is returned so the
// approval is redelivered; the redelivery re-sends the held event.
func (e *ExecutionEngine) HandleApproved(ctx context.Context, evt *models.Event) error {
	e.flushTrades(ctx)
	p, err := e.portfolios.Get(ctx, e.cfg.UserID)
	if err != nil {
		return fmt.Errorf("load portfolio %s: %w", e.cfg.UserID, err)
	}
	if _, err = e.ExecuteSignal(ctx, evt, p); err != nil {
		return err
	}
	if n := e.unpublishedFor(evt.ID); n > 0 {
		return models.TransientError("publish trade.executed", fmt.Errorf("%d trade event(s) of decision %s not published", n, evt.ID))
	}
	return nil
}

// flushTrades re-publishes held trade.executed events in order. Event ids are
// kept, so the store drops a copy that did reach the log.
func (e *ExecutionEngine) flushTrades(ctx context.Context) {
	e.mu.Lock()
	held := e.unpublished
	e.unpublished = nil
	e.mu.Unlock()
	if len(held) == 0 {
		return
	}

	var failed []*models.Event
	for i, evt := range held {
		if _, err := e.publisher.Publish(ctx, evt); err != nil {
			failed = append(failed, held[i:]...)
			e.log.Error("trade event still unpublished", applogger.String("event_id", evt.ID), applogger.Int("held", len(failed)), applogger.Error(err))
			break
		}
		e.log.Info("held trade event published", applogger.String("event_id", evt.ID))
	}
	if len(failed) > 0 {
		e.mu.Lock()
		e.unpublished = append(failed, e.unpublished...)
		e.mu.Unlock()
	}
}

func (e *ExecutionEngine) unpublishedFor(consensusID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.unpublished {
		if evt.CorrelationID == consensusID {
			n++
		}
	}
	return n
}

func (e *ExecutionEngine) venueFor(instrument string) exchange.Adapter {
	if name, ok := e.cfg.Routes[instrument]; ok {
		return e.venues[name]
	}
	return e.venues[e.cfg.DefaultVenue]
}

// ExecuteSignal places the order for an EXECUTE decision. Other actions are
// ignored. A risk violation publishes risk.alert and order.rejected and
// returns a validation error.
func (e *ExecutionEngine) ExecuteSignal(ctx context.Context, evt *models.Event, p *models.Portfolio) (*models.Order, error) {
	var res models.ConsensusResult
	if err := evt.Decode(&res); err != nil {
		return nil, err
	}
	if res.RecommendedAction != models.ActionExecute {
		e.log.Debug("ignoring non-executable decision", applogger.String("event_id", evt.ID), applogger.String("action", string(res.RecommendedAction)))
		return nil, nil
	}
	instrument := res.Instrument
	if instrument == "" {
		instrument = evt.Instrument
	}
	if !res.Direction.Tradable() {
		return nil, models.DataErrorf("decision %s has non-tradable direction %s", evt.ID, res.Direction)
	}

	clientID := ClientOrderID(evt.ID)
	e.mu.Lock()
	if existing, ok := e.orders[clientID]; ok {
		snapshot := *existing
		e.mu.Unlock()
		e.log.Info("decision already executed", applogger.String("event_id", evt.ID), applogger.String("order_id", clientID))
		return &snapshot, nil
	}
	e.mu.Unlock()

	entry := res.RecommendedEntry
	if entry <= 0 {
		last, ok := e.prices.LastPrice(instrument)
		if !ok {
			return nil, models.DataErrorf("no entry price for %s: no recommendation and no tick seen", instrument)
		}
		entry = last
	}

	size := e.validator.CalculatePositionSize(p, res.Confidence, e.cfg.SizingMethod) / entry
	if res.RecommendedSize > 0 && res.RecommendedSize < size {
		size = res.RecommendedSize
	}

	venue := e.venueFor(instrument)
	now := e.now().UTC()
	order := &models.Order{
		ID:            clientID,
		Venue:         venue.Name(),
		UserID:        e.cfg.UserID,
		ConsensusID:   evt.ID,
		Instrument:    instrument,
		Direction:     res.Direction,
		Type:          models.OrderTypeMarket,
		Size:          size,
		ExpectedPrice: entry,
		Status:        models.OrderSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if ok, reason := e.validator.ValidateTrade(instrument, res.Direction, size, entry, p); !ok {
		return nil, e.rejectByRisk(ctx, evt, order, reason)
	}

	e.mu.Lock()
	e.orders[clientID] = order
	e.mu.Unlock()

	req := models.OrderRequest{
		ClientOrderID: clientID,
		Instrument:    instrument,
		Direction:     res.Direction,
		Size:          size,
		Type:          models.OrderTypeMarket,
		ExpectedPrice: entry,
	}
	start := time.Now()
	ack, err := e.submit(ctx, venue, req)
	e.metrics.RecordLatency("order_submit", time.Since(start).Seconds())
	if err != nil {
		e.mu.Lock()
		if order.Status == models.OrderSubmitted {
			delete(e.orders, clientID)
		}
		e.mu.Unlock()
		e.metrics.RecordOrder(venue.Name(), "SUBMIT_FAILED")
		return nil, fmt.Errorf("submit %s to %s: %w", clientID, venue.Name(), err)
	}

	e.mu.Lock()
	if ack.VenueOrderID != "" && order.VenueOrderID == "" {
		order.VenueOrderID = ack.VenueOrderID
	}
	// a synchronous venue may already have moved the order on
	rejectedOnAck := false
	if order.Status == models.OrderSubmitted {
		if err := e.advance(order, ack.Status, "", e.now().UTC()); err != nil {
			e.log.Warn("ack ignored", applogger.String("order_id", clientID), applogger.Error(err))
		}
		rejectedOnAck = order.Status == models.OrderRejected
	}
	snapshot := *order
	e.mu.Unlock()

	if rejectedOnAck {
		e.metrics.RecordOrder(venue.Name(), string(models.OrderRejected))
		e.publish(ctx, models.EventOrderRejected, evt.ID, instrument, snapshot)
		e.log.Warn("order rejected by venue", applogger.String("order_id", clientID), applogger.String("venue", venue.Name()))
		return &snapshot, nil
	}
	if snapshot.Status == models.OrderRejected {
		return &snapshot, nil
	}

	e.metrics.RecordOrder(venue.Name(), string(models.OrderSubmitted))
	e.publish(ctx, models.EventOrderSubmitted, evt.ID, instrument, snapshot)
	if snapshot.Status == models.OrderPendingConfirmation {
		e.publish(ctx, models.EventOrderPending, evt.ID, instrument, snapshot)
	}
	e.log.Info("order submitted",
		applogger.String("order_id", clientID),
		applogger.String("venue", venue.Name()),
		applogger.String("instrument", instrument),
		applogger.String("direction", string(res.Direction)),
		applogger.Float64("size", size),
		applogger.Float64("entry", entry),
		applogger.String("status", string(snapshot.Status)),
	)
	return &snapshot, nil
}

// submit retries timeouts and transient failures with the same client order id.
func (e *ExecutionEngine) submit(ctx context.Context, venue exchange.Adapter, req models.OrderRequest) (models.OrderAck, error) {
	var errs []error
	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		ack, err := venue.SubmitOrder(sctx, req)
		timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return ack, nil
		}
		if timedOut && !errors.Is(err, models.ErrTransientIO) {
			err = models.TransientError("submit timeout", err)
		}
		errs = append(errs, err)
		if models.IsNonRetryable(err) || ctx.Err() != nil {
			return models.OrderAck{}, err
		}
		e.log.Warn("submit attempt failed",
			applogger.String("order_id", req.ClientOrderID),
			applogger.Int("attempt", attempt+1),
			applogger.Error(err),
		)
	}
	return models.OrderAck{}, fmt.Errorf("%w: %w", models.ErrExhausted, errors.Join(errs...))
}

func (e *ExecutionEngine) rejectByRisk(ctx context.Context, evt *models.Event, order *models.Order, reason string) error {
	order.Status = models.OrderRejected
	order.Reason = reason
	e.metrics.RecordOrder(order.Venue, string(models.OrderRejected))
	e.log.Warn("trade rejected by risk",
		applogger.String("instrument", order.Instrument),
		applogger.String("reason", reason),
		applogger.String("event_id", evt.ID),
	)
	e.publish(ctx, models.EventRiskAlert, evt.ID, order.Instrument, models.RiskAlert{
		UserID:      order.UserID,
		Instrument:  order.Instrument,
		Direction:   order.Direction,
		Size:        order.Size,
		EntryPrice:  order.ExpectedPrice,
		Reason:      reason,
		ConsensusID: evt.ID,
	})
	e.publish(ctx, models.EventOrderRejected, evt.ID, order.Instrument, *order)
	return models.ValidationErrorf("%s: %s", order.Instrument, reason)
}

// advance applies a venue status. SUBMITTED is implicitly accepted by any
// answer other than a rejection.
func (e *ExecutionEngine) advance(o *models.Order, to models.OrderStatus, reason string, at time.Time) error {
	if o.Status == models.OrderSubmitted && to != models.OrderRejected && to != models.OrderSubmitted {
		if err := o.Transition(models.OrderAccepted, at); err != nil {
			return err
		}
	}
	if err := o.Transition(to, at); err != nil {
		return err
	}
	if reason != "" {
		o.Reason = reason
	}
	return nil
}

// HandleUpdate receives every venue update. Updates for resolved or unknown
// orders are dropped.
func (e *ExecutionEngine) HandleUpdate(ctx context.Context, u models.OrderUpdate) {
	// the venue's submit deadline must not cut the booking short
	ctx = context.WithoutCancel(ctx)
	e.flushTrades(ctx)
	e.mu.Lock()
	order, ok := e.orders[u.ClientOrderID]
	if !ok {
		e.mu.Unlock()
		e.log.Warn("update for unknown order", applogger.String("order_id", u.ClientOrderID), applogger.String("venue", u.Venue))
		return
	}
	if order.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	if u.VenueOrderID != "" {
		order.VenueOrderID = u.VenueOrderID
	}
	if u.Status == models.OrderFilled && u.Fill == nil {
		e.mu.Unlock()
		e.metrics.RecordError("order_fill_missing")
		e.log.Error("fill update without fill", applogger.String("order_id", u.ClientOrderID))
		return
	}
	if err := e.advance(order, u.Status, u.Reason, e.now().UTC()); err != nil {
		e.mu.Unlock()
		e.metrics.RecordError("order_transition")
		e.log.Error("invalid order update", applogger.String("order_id", u.ClientOrderID), applogger.Error(err))
		return
	}
	if u.Status == models.OrderFilled {
		order.FillPrice = u.Fill.Price
		order.Fee = u.Fill.Fee
		order.SlippagePct = models.Slippage(order.ExpectedPrice, u.Fill.Price)
	}
	snapshot := *order
	e.mu.Unlock()

	e.metrics.RecordOrder(snapshot.Venue, string(snapshot.Status))
	switch snapshot.Status {
	case models.OrderFilled:
		e.onFill(ctx, snapshot, *u.Fill)
	case models.OrderCancelled:
		e.publish(ctx, models.EventOrderCancelled, snapshot.ConsensusID, snapshot.Instrument, snapshot)
	case models.OrderRejected:
		e.publish(ctx, models.EventOrderRejected, snapshot.ConsensusID, snapshot.Instrument, snapshot)
	case models.OrderPendingConfirmation:
		e.publish(ctx, models.EventOrderPending, snapshot.ConsensusID, snapshot.Instrument, snapshot)
	}
}

func (e *ExecutionEngine) onFill(ctx context.Context, order models.Order, fill models.Fill) {
	if fill.OrderID == "" {
		fill.OrderID = order.ID
	}
	e.metrics.RecordSlippage(order.Venue, order.SlippagePct)

	if _, err := e.portfolios.ApplyFill(ctx, order.UserID, fill); err != nil {
		e.metrics.RecordError(models.ErrorKind(err))
		e.log.Error("portfolio update failed", applogger.String("order_id", order.ID), applogger.Error(err))
	}

	evt, err := models.NewEvent(models.EventTradeExecuted, e.cfg.Source, order.Instrument, models.TradeExecution{
		UserID:      order.UserID,
		Order:       order,
		Fill:        fill,
		SlippagePct: order.SlippagePct,
	})
	if err != nil {
		e.log.Error("build event failed", applogger.String("type", models.EventTradeExecuted.String()), applogger.Error(err))
		return
	}
	evt = evt.CorrelatedWith(order.ConsensusID)
	if _, err := e.publisher.Publish(ctx, evt); err != nil {
		e.metrics.RecordError("execution_publish")
		e.log.Error("trade.executed not published, holding for retry",
			applogger.String("order_id", order.ID),
			applogger.String("event_id", evt.ID),
			applogger.Error(err))
		e.mu.Lock()
		e.unpublished = append(e.unpublished, evt)
		e.mu.Unlock()
	}
	e.log.Info("trade executed",
		applogger.String("order_id", order.ID),
		applogger.String("instrument", order.Instrument),
		applogger.Float64("price", fill.Price),
		applogger.Float64("size", fill.Size),
		applogger.Float64("slippage_pct", order.SlippagePct),
	)
}

// CancelOrder asks the venue to cancel. It returns false for unknown or
// resolved orders and when the venue refuses; it never returns an error.
func (e *ExecutionEngine) CancelOrder(ctx context.Context, orderID string) bool {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok || order.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	venue := e.venues[order.Venue]
	e.mu.Unlock()

	ok, err := venue.CancelOrder(ctx, orderID)
	if err != nil {
		e.metrics.RecordError(models.ErrorKind(err))
		e.log.Warn("cancel failed", applogger.String("order_id", orderID), applogger.Error(err))
		return false
	}
	return ok
}

// Order returns a snapshot of one order.
func (e *ExecutionEngine) Order(orderID string) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// Orders lists known orders, newest first, optionally filtered by status.
func (e *ExecutionEngine) Orders(status models.OrderStatus) []models.Order {
	e.mu.Lock()
	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (e *ExecutionEngine) publish(ctx context.Context, t models.EventType, correlationID, instrument string, payload any) {
	evt, err := models.NewEvent(t, e.cfg.Source, instrument, payload)
	if err != nil {
		e.log.Error("build event failed", applogger.String("type", t.String()), applogger.Error(err))
		return
	}
	if _, err := e.publisher.Publish(ctx, evt.CorrelatedWith(correlationID)); err != nil {
		e.metrics.RecordError("execution_publish")
		e.log.Error("publish failed", applogger.String("type", t.String()), applogger.Error(err))
	}
}
