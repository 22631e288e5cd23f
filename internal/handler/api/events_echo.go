package api

import (
	"context"
	"errors"
	"time"

	models "TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	xhttp "TradeCore/pkg/http"
	xlogger "TradeCore/pkg/logger"
	"TradeCore/pkg/util"

	"github.com/labstack/echo/v4"
)

type ConsensusHistory interface {
	History(instrument string, limit int) []*models.ConsensusResult
}

type PortfolioReader interface {
	Get(ctx context.Context, userID string) (*models.Portfolio, error)
}

type OrderBook interface {
	Order(orderID string) (models.Order, bool)
	Orders(status models.OrderStatus) []models.Order
	CancelOrder(ctx context.Context, orderID string) bool
}

// HealthCheck reports one dependency. Name shows up in the /healthz body.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsEchoHandler serves the read side of the event log plus order and portfolio inspection.
type OpsEchoHandler struct {
	logger     *xlogger.Logger
	store      domrepo.EventStore
	consensus  ConsensusHistory
	portfolios PortfolioReader
	orders     OrderBook
	checks     []HealthCheck
	timeout    time.Duration
}

func NewOpsEchoHandler(
	logger *xlogger.Logger,
	store domrepo.EventStore,
	consensus ConsensusHistory,
	portfolios PortfolioReader,
	orders OrderBook,
	checks ...HealthCheck,
) *OpsEchoHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	return &OpsEchoHandler{
		logger:     logger.Named("ops-api"),
		store:      store,
		consensus:  consensus,
		portfolios: portfolios,
		orders:     orders,
		checks:     checks,
		timeout:    5 * time.Second,
	}
}

func (h *OpsEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/events", h.Events)
	g.GET("/events/latest", h.LatestEvent)
	g.GET("/events/count", h.CountEvents)
	g.POST("/events/import", h.ImportEvents)
	g.GET("/consensus/:instrument", h.ConsensusHistory)
	g.GET("/portfolio/:user", h.Portfolio)
	g.GET("/orders", h.Orders)
	g.DELETE("/orders/:id", h.CancelOrder)
}

func (h *OpsEchoHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	healthy := true
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			healthy = false
			status[chk.Name] = err.Error()
			continue
		}
		status[chk.Name] = "ok"
	}
	if !healthy {
		return xhttp.ServiceUnavailableResponse(c, status)
	}
	return xhttp.SuccessResponse(c, status)
}

func (h *OpsEchoHandler) Events(c echo.Context) error {
	req := &models.EventQueryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q, err := eventQuery(req.From, req.To, req.Instrument, req.Type)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	q.Limit = req.Limit

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()
	rows, err := h.store.QueryByDateRange(ctx, q)
	if err != nil {
		h.logger.Error("query events failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	if rows == nil {
		rows = []*models.Event{}
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *OpsEchoHandler) LatestEvent(c echo.Context) error {
	req := &models.LatestEventRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	evt, err := h.store.GetLatestEvent(ctx, req.Instrument, models.EventType(req.Type))
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.logger.Error("latest event failed", xlogger.Error(err))
		}
		return xhttp.AppErrorResponse(c, appError(err))
	}
	return xhttp.SuccessResponse(c, evt)
}

func (h *OpsEchoHandler) CountEvents(c echo.Context) error {
	req := &models.EventQueryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q, err := eventQuery(req.From, req.To, req.Instrument, req.Type)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	n, err := h.store.CountEvents(ctx, q)
	if err != nil {
		h.logger.Error("count events failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	return xhttp.SuccessResponse(c, map[string]int64{"count": n})
}

// ImportEvents bulk-loads replay fixtures. Ids already present are skipped.
func (h *OpsEchoHandler) ImportEvents(c echo.Context) error {
	req := &models.ImportEventsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	evts := make([]*models.Event, 0, len(req.Events))
	for i := range req.Events {
		evt := req.Events[i]
		if err := evt.Validate(); err != nil {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("events[%d]: %v", i, err))
		}
		evts = append(evts, &evt)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()
	n, err := h.store.InsertBatch(ctx, evts)
	if err != nil {
		h.logger.Error("import events failed", xlogger.Int("received", len(evts)), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	h.logger.Info("events imported", xlogger.Int("received", len(evts)), xlogger.Int("inserted", n))
	return xhttp.SuccessResponse(c, map[string]int{"received": len(evts), "inserted": n})
}

func (h *OpsEchoHandler) ConsensusHistory(c echo.Context) error {
	req := &models.ConsensusHistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.consensus.History(req.Instrument, req.Limit)
	if rows == nil {
		rows = []*models.ConsensusResult{}
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *OpsEchoHandler) Portfolio(c echo.Context) error {
	req := &models.PortfolioRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	p, err := h.portfolios.Get(ctx, req.UserID)
	if err != nil {
		aerr := appError(err)
		if xhttp.StatusOf(aerr) >= 500 {
			h.logger.Error("portfolio lookup failed", xlogger.String("user_id", req.UserID), xlogger.Error(err))
		}
		return xhttp.AppErrorResponse(c, aerr)
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *OpsEchoHandler) Orders(c echo.Context) error {
	req := &models.OrdersRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.orders.Orders(models.OrderStatus(req.Status))
	if rows == nil {
		rows = []models.Order{}
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// CancelOrder answers 202 when the venue accepted the cancel and 409 when the
// order is already past the point of cancellation.
func (h *OpsEchoHandler) CancelOrder(c echo.Context) error {
	req := &models.CancelOrderRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if _, ok := h.orders.Order(req.ID); !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("order %s not found", req.ID))
	}
	if !h.orders.CancelOrder(c.Request().Context(), req.ID) {
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("order cannot be cancelled"))
	}
	o, _ := h.orders.Order(req.ID)
	return xhttp.AcceptedResponse(c, o)
}

func eventQuery(from, to, instrument, eventType string) (domrepo.EventQuery, error) {
	q := domrepo.EventQuery{Instrument: instrument, Type: models.EventType(eventType)}
	if from != "" {
		t, ok := util.ParseTime(from)
		if !ok {
			return q, xhttp.BadRequestErrorf("invalid from: %q", from).OnField("from")
		}
		q.Start = t
	}
	if to != "" {
		t, ok := util.ParseTime(to)
		if !ok {
			return q, xhttp.BadRequestErrorf("invalid to: %q", to).OnField("to")
		}
		q.End = t
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, xhttp.BadRequestError("to must not be before from").OnField("to")
	}
	return q, nil
}

// appError maps the domain error taxonomy onto HTTP statuses.
func appError(err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrData), errors.Is(err, models.ErrValidation):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrTransientIO):
		return xhttp.UnavailableError("dependency unavailable").WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}
