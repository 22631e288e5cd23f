package usecase

import (
	"context"
	"time"

	"TradeCore/internal/domain/models"
	domrepo "TradeCore/internal/domain/repository"
	applogger "TradeCore/pkg/logger"
)

// EventRecorder appends every consumed event to the event store.
type EventRecorder struct {
	store   domrepo.EventStore
	timeout time.Duration
	log     *applogger.Logger
	metrics domrepo.Metrics
}

func NewEventRecorder(store domrepo.EventStore, timeout time.Duration, l *applogger.Logger, m domrepo.Metrics) *EventRecorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &EventRecorder{store: store, timeout: timeout, log: l.Named("recorder"), metrics: m}
}

// Record stores evt. A duplicate id is a no-op in the store, so redelivery is safe.
func (r *EventRecorder) Record(ctx context.Context, evt *models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.InsertEvent(ctx, evt); err != nil {
		r.log.Warn("persist event failed",
			applogger.String("event_id", evt.ID),
			applogger.String("type", evt.Type.String()),
			applogger.Error(err),
		)
		return err
	}
	return nil
}

// Routes maps every event type to Record.
func (r *EventRecorder) Routes() map[models.EventType]EventHandler {
	routes := make(map[models.EventType]EventHandler)
	for _, t := range models.AllEventTypes() {
		routes[t] = r.Record
	}
	return routes
}
