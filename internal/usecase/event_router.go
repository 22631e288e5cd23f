package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	pkgkafka "TradeCore/pkg/kafka"
	applogger "TradeCore/pkg/logger"
)

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, evt *models.Event) error

// EventRouter is a typed dispatch table from event type to handler, fixed at
// construction. It exposes one kafka.MessageHandler per routed topic.
type EventRouter struct {
	routes  map[models.EventType]EventHandler
	log     *applogger.Logger
	metrics domrepo.Metrics
}

func NewEventRouter(routes map[models.EventType]EventHandler, l *applogger.Logger, m domrepo.Metrics) (*EventRouter, error) {
	table := make(map[models.EventType]EventHandler, len(routes))
	for t, h := range routes {
		if !t.Valid() {
			return nil, fmt.Errorf("route for unknown event type %q", t)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for %s", t)
		}
		table[t] = h
	}
	return &EventRouter{routes: table, log: l.Named("router"), metrics: m}, nil
}

// Types lists the routed event types in a stable order.
func (r *EventRouter) Types() []models.EventType {
	out := make([]models.EventType, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MessageHandlers returns the consumer handler set of this router.
func (r *EventRouter) MessageHandlers() []pkgkafka.MessageHandler {
	types := r.Types()
	out := make([]pkgkafka.MessageHandler, 0, len(types))
	for _, t := range types {
		out = append(out, &topicHandler{router: r, eventType: t})
	}
	return out
}

// Dispatch decodes b and runs the handler routed for topic. Malformed input
// and validation failures come back marked non-retryable.
func (r *EventRouter) Dispatch(ctx context.Context, eventType models.EventType, b []byte) error {
	h, ok := r.routes[eventType]
	if !ok {
		return pkgkafka.NonRetryable(fmt.Errorf("no route for %s", eventType))
	}

	evt, err := models.ParseEvent(b)
	if err != nil {
		r.metrics.RecordEventConsumed(eventType.String(), "malformed")
		r.metrics.RecordError("data")
		r.log.Warn("dropping malformed event", applogger.String("topic", eventType.String()), applogger.Error(err))
		return pkgkafka.NonRetryable(err)
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = pkgkafka.CorrelationIDFromContext(ctx)
	}

	start := time.Now()
	err = h(ctx, evt)
	r.metrics.RecordLatency("handle_"+eventType.String(), time.Since(start).Seconds())
	if err == nil {
		r.metrics.RecordEventConsumed(eventType.String(), "ok")
		return nil
	}

	if errors.Is(err, models.ErrValidation) {
		// risk rejections commit without a dead letter
		r.metrics.RecordEventConsumed(eventType.String(), "rejected")
		r.log.Info("event rejected",
			applogger.String("topic", eventType.String()),
			applogger.String("event_id", evt.ID),
			applogger.Error(err),
		)
		return nil
	}

	r.metrics.RecordEventConsumed(eventType.String(), "error")
	r.metrics.RecordError(models.ErrorKind(err))
	if models.IsNonRetryable(err) {
		r.log.Warn("dropping undeliverable event",
			applogger.String("topic", eventType.String()),
			applogger.String("event_id", evt.ID),
			applogger.Error(err),
		)
		return pkgkafka.NonRetryable(err)
	}
	return err
}

type topicHandler struct {
	router    *EventRouter
	eventType models.EventType
}

func (h *topicHandler) Topic() string { return h.eventType.String() }

func (h *topicHandler) Handle(ctx context.Context, b []byte) error {
	return h.router.Dispatch(ctx, h.eventType, b)
}

var _ pkgkafka.MessageHandler = (*topicHandler)(nil)
