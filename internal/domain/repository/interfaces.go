package repository

import (
	"context"
	"time"

	"TradeCore/internal/domain/models"
)

// EventPublisher puts events on the bus. Publish failures are never swallowed.
type EventPublisher interface {
	// Publish sends evt to the topic named by its type and returns its id.
	Publish(ctx context.Context, evt *models.Event) (string, error)
	PublishTo(ctx context.Context, topic string, evt *models.Event) (string, error)
	// PublishBatch is best effort per event; the returned error joins every failure.
	PublishBatch(ctx context.Context, evts []*models.Event) ([]string, error)
	Flush(ctx context.Context) error
	Close() error
}

// EventQuery filters a range read. Start and End are inclusive and unbounded
// when zero. Limit <= 0 means no limit.
type EventQuery struct {
	Start      time.Time
	End        time.Time
	Instrument string
	Type       models.EventType
	Limit      int
	Offset     int
}

// EventStore is the append-only log. Inserting an id twice is a no-op and
// range reads are ascending by (timestamp, id).
type EventStore interface {
	InsertEvent(ctx context.Context, evt *models.Event) error
	InsertBatch(ctx context.Context, evts []*models.Event) (int, error)
	QueryByDateRange(ctx context.Context, q EventQuery) ([]*models.Event, error)
	GetLatestEvent(ctx context.Context, instrument string, eventType models.EventType) (*models.Event, error)
	CountEvents(ctx context.Context, q EventQuery) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

// StateCache holds low-latency state. Misses return models.ErrNotFound wrapped
// errors and outages models.ErrTransientIO; neither is fatal to callers.
type StateCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) (map[string][]byte, error)
	GetAll(ctx context.Context, pattern string) (map[string][]byte, error)

	GetPortfolio(ctx context.Context, userID string) (*models.Portfolio, error)
	// UpdatePortfolio applies fn atomically. fn receives nil when no portfolio is cached
	// and may return nil to leave the entry untouched.
	UpdatePortfolio(ctx context.Context, userID string, fn func(*models.Portfolio) (*models.Portfolio, error)) (*models.Portfolio, error)
	Health(ctx context.Context) error
}

// WeightStore shares consensus weights between processes.
type WeightStore interface {
	Get(ctx context.Context) (models.Weights, error)
	Set(ctx context.Context, w models.Weights) error
	// CompareAndSwap replaces old with w only if old is still current.
	CompareAndSwap(ctx context.Context, old, w models.Weights) (bool, error)
}

type Metrics interface {
	RecordEventPublished(eventType, result string)
	RecordEventConsumed(eventType, result string)
	RecordError(kind string)
	RecordLastPrice(instrument string, price float64)
	RecordLatency(op string, seconds float64)
	RecordDecision(instrument, action string)
	RecordOrder(venue, status string)
	RecordSlippage(venue string, pct float64)
}
