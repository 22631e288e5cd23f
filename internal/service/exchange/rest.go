package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"TradeCore/internal/domain/models"
	xhttp "TradeCore/pkg/http"
	applogger "TradeCore/pkg/logger"

	"golang.org/x/time/rate"
)

type RESTConfig struct {
	Name           string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

type restOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	Type          string  `json:"type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
}

type restOrder struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Status        string    `json:"status"`
	FilledSize    float64   `json:"filled_size"`
	AvgPrice      float64   `json:"avg_price"`
	Fee           float64   `json:"fee"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type pendingOrder struct {
	req         models.OrderRequest
	venueID     string
	status      models.OrderStatus
	submittedAt time.Time
}

// RESTAdapter talks to a settlement-delayed venue over JSON/HTTP. Submits
// carry the client order id as Idempotency-Key; a poll loop confirms
// pending orders and cancels those unconfirmed after ConfirmTimeout.
type RESTAdapter struct {
	cfg     RESTConfig
	client  *xhttp.Client
	limiter *rate.Limiter
	log     *applogger.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingOrder
	handler UpdateHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Adapter = (*RESTAdapter)(nil)

func NewRESTAdapter(cfg RESTConfig, l *applogger.Logger, opts ...xhttp.ClientOption) *RESTAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	opts = append([]xhttp.ClientOption{xhttp.WithTimeout(cfg.RequestTimeout)}, opts...)
	return &RESTAdapter{
		cfg:     cfg,
		client:  xhttp.NewClient(opts...),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     l.Named("venue_" + cfg.Name),
		now:     time.Now,
		pending: make(map[string]*pendingOrder),
		stopCh:  make(chan struct{}),
	}
}

func (a *RESTAdapter) Name() string { return a.cfg.Name }

func (a *RESTAdapter) Settlement() Settlement { return SettlementDelayed }

func (a *RESTAdapter) SetUpdateHandler(h UpdateHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *RESTAdapter) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if a.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + a.cfg.APIKey
	}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

func (a *RESTAdapter) do(ctx context.Context, method, path, key string, body, dest interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return models.TransientError(a.cfg.Name+" rate limit wait", err)
	}
	err := a.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  method,
		URL:     a.cfg.BaseURL + path,
		Headers: a.headers(key),
		Body:    body,
	}, dest)
	if err == nil {
		return nil
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return err
	}
	return models.TransientError(fmt.Sprintf("%s %s %s", a.cfg.Name, method, path), err)
}

// SubmitOrder posts the order. A 4xx answer is a venue rejection and comes
// back as a REJECTED ack, not an error.
func (a *RESTAdapter) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if req.ClientOrderID == "" || req.Size <= 0 || !req.Direction.Tradable() {
		return models.OrderAck{}, models.ValidationErrorf("%s: invalid order %+v", a.cfg.Name, req)
	}

	a.mu.Lock()
	if po, ok := a.pending[req.ClientOrderID]; ok {
		a.mu.Unlock()
		return models.OrderAck{ClientOrderID: req.ClientOrderID, VenueOrderID: po.venueID, Status: po.status}, nil
	}
	a.mu.Unlock()

	body := restOrderRequest{
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          sideOf(req.Direction),
		Size:          req.Size,
		Type:          strings.ToLower(string(orderTypeOrMarket(req.Type))),
		LimitPrice:    req.LimitPrice,
	}
	var resp restOrder
	err := a.do(ctx, xhttp.MethodPost, "/orders", req.ClientOrderID, body, &resp)
	if code := xhttp.StatusCode(err); code >= 400 && code < 500 {
		a.log.Warn("order rejected by venue", applogger.String("client_order_id", req.ClientOrderID), applogger.Int("status", code))
		return models.OrderAck{ClientOrderID: req.ClientOrderID, Status: models.OrderRejected}, nil
	}
	if err != nil {
		return models.OrderAck{}, err
	}

	status := mapVenueStatus(resp.Status)
	ack := models.OrderAck{ClientOrderID: req.ClientOrderID, VenueOrderID: resp.ID, Status: status}
	if status == models.OrderRejected {
		return ack, nil
	}
	if status.Terminal() {
		ack.Status = models.OrderAccepted
		a.deliver(ctx, a.updateFrom(req, resp))
		return ack, nil
	}

	a.mu.Lock()
	a.pending[req.ClientOrderID] = &pendingOrder{req: req, venueID: resp.ID, status: status, submittedAt: a.now()}
	a.mu.Unlock()
	return ack, nil
}

// CancelOrder deletes a pending order. Unknown or already resolved orders return false.
func (a *RESTAdapter) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	a.mu.Lock()
	po, ok := a.pending[clientOrderID]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return a.cancel(ctx, clientOrderID, po, "cancelled by request")
}

func (a *RESTAdapter) cancel(ctx context.Context, clientOrderID string, po *pendingOrder, reason string) (bool, error) {
	var resp restOrder
	err := a.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(po.venueID), "", nil, &resp)
	switch code := xhttp.StatusCode(err); {
	case code == http.StatusNotFound || code == http.StatusConflict:
		return false, nil
	case err != nil:
		return false, err
	}

	if !a.resolve(clientOrderID) {
		return false, nil
	}
	a.deliver(ctx, models.OrderUpdate{
		Venue:         a.cfg.Name,
		ClientOrderID: clientOrderID,
		VenueOrderID:  po.venueID,
		Status:        models.OrderCancelled,
		Reason:        reason,
	})
	return true, nil
}

// resolve removes the order from the pending map and reports whether it was there.
func (a *RESTAdapter) resolve(clientOrderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[clientOrderID]; !ok {
		return false
	}
	delete(a.pending, clientOrderID)
	return true
}

func (a *RESTAdapter) deliver(ctx context.Context, u models.OrderUpdate) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ctx, u)
	}
}

func (a *RESTAdapter) Start(context.Context) error {
	a.wg.Add(1)
	go a.pollLoop()
	a.log.Info("started", applogger.String("base_url", a.cfg.BaseURL), applogger.Duration("poll_ms", a.cfg.PollInterval))
	return nil
}

func (a *RESTAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *RESTAdapter) pollLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stopCh
		cancel()
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce confirms each pending order once. The status is read before any
// timeout cancel so a fill the venue already booked is still delivered.
func (a *RESTAdapter) pollOnce(ctx context.Context) {
	a.mu.Lock()
	snapshot := make(map[string]*pendingOrder, len(a.pending))
	for id, po := range a.pending {
		snapshot[id] = po
	}
	a.mu.Unlock()

	for id, po := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if a.confirm(ctx, id, po) {
			continue
		}
		if a.cfg.ConfirmTimeout > 0 && a.now().Sub(po.submittedAt) > a.cfg.ConfirmTimeout {
			if _, err := a.cancel(ctx, id, po, "confirmation timeout"); err != nil {
				a.log.Warn("cancel after confirmation timeout failed", applogger.String("client_order_id", id), applogger.Error(err))
			}
		}
	}
}

// confirm fetches the venue status of one order and delivers any change.
// It reports true once the order reached a terminal state.
func (a *RESTAdapter) confirm(ctx context.Context, id string, po *pendingOrder) bool {
	var resp restOrder
	if err := a.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(po.venueID), "", nil, &resp); err != nil {
		a.log.Warn("order status poll failed", applogger.String("client_order_id", id), applogger.Error(err))
		return false
	}
	status := mapVenueStatus(resp.Status)
	if status.Terminal() {
		if a.resolve(id) {
			a.deliver(ctx, a.updateFrom(po.req, resp))
		}
		return true
	}

	a.mu.Lock()
	changed := po.status != status
	po.status = status
	a.mu.Unlock()
	if changed {
		a.deliver(ctx, a.updateFrom(po.req, resp))
	}
	return false
}

func (a *RESTAdapter) updateFrom(req models.OrderRequest, resp restOrder) models.OrderUpdate {
	u := models.OrderUpdate{
		Venue:         a.cfg.Name,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  resp.ID,
		Status:        mapVenueStatus(resp.Status),
		Reason:        resp.Reason,
	}
	if u.Status == models.OrderFilled {
		size := resp.FilledSize
		if size <= 0 {
			size = req.Size
		}
		ts := resp.UpdatedAt
		if ts.IsZero() {
			ts = a.now().UTC()
		}
		u.Fill = &models.Fill{
			OrderID:      req.ClientOrderID,
			VenueOrderID: resp.ID,
			Instrument:   req.Instrument,
			Direction:    req.Direction,
			Size:         size,
			Price:        resp.AvgPrice,
			Fee:          resp.Fee,
			Timestamp:    ts,
		}
	}
	return u
}

func mapVenueStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "filled", "done", "settled":
		return models.OrderFilled
	case "cancelled", "canceled", "expired":
		return models.OrderCancelled
	case "rejected":
		return models.OrderRejected
	case "pending", "pending_confirmation", "partially_filled", "open":
		return models.OrderPendingConfirmation
	default:
		return models.OrderAccepted
	}
}

func sideOf(d models.Direction) string {
	if d == models.DirectionShort {
		return "sell"
	}
	return "buy"
}

func orderTypeOrMarket(t models.OrderType) models.OrderType {
	if t == "" {
		return models.OrderTypeMarket
	}
	return t
}
