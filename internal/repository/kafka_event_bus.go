package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	pkgkafka "TradeCore/pkg/kafka"
	applogger "TradeCore/pkg/logger"
)

const headerEventType = "event_type"

type eventProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error
	Flush(ctx context.Context) error
	Close() error
}

// KafkaEventBus publishes event envelopes keyed by partition key so one
// instrument always lands on one partition.
type KafkaEventBus struct {
	producer eventProducer
	log      *applogger.Logger
	metrics  repository.Metrics
	source   string
}

var (
	_ repository.EventPublisher = (*KafkaEventBus)(nil)
	_ applogger.Publisher       = (*KafkaEventBus)(nil)
)

// NewKafkaEventBus wraps producer. source is stamped on system alerts.
func NewKafkaEventBus(producer *pkgkafka.Producer, source string, l *applogger.Logger, m repository.Metrics) *KafkaEventBus {
	return newKafkaEventBus(producer, source, l, m)
}

func newKafkaEventBus(p eventProducer, source string, l *applogger.Logger, m repository.Metrics) *KafkaEventBus {
	return &KafkaEventBus{producer: p, source: source, log: l.Named("event_bus"), metrics: m}
}

func (b *KafkaEventBus) Publish(ctx context.Context, evt *models.Event) (string, error) {
	if evt == nil {
		return "", models.DataErrorf("nil event")
	}
	return b.PublishTo(ctx, evt.Topic(), evt)
}

func (b *KafkaEventBus) PublishTo(ctx context.Context, topic string, evt *models.Event) (string, error) {
	if err := evt.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return "", models.DataErrorf("encode event %s: %v", evt.ID, err)
	}

	headers := []pkgkafka.Header{{Key: headerEventType, Value: string(evt.Type)}}
	if evt.CorrelationID != "" {
		headers = append(headers, pkgkafka.Header{Key: pkgkafka.HeaderCorrelationID, Value: evt.CorrelationID})
	}

	if err := b.producer.Publish(ctx, topic, []byte(evt.PartitionKey()), raw, headers...); err != nil {
		b.metrics.RecordEventPublished(string(evt.Type), "error")
		b.metrics.RecordError("publish")
		if errors.Is(err, pkgkafka.ErrPublishExhausted) {
			return "", fmt.Errorf("publish %s to %s: %w: %w", evt.ID, topic, models.ErrExhausted, err)
		}
		return "", models.TransientError(fmt.Sprintf("publish %s to %s", evt.ID, topic), err)
	}
	b.metrics.RecordEventPublished(string(evt.Type), "ok")
	return evt.ID, nil
}

// PublishBatch publishes each event independently, then flushes. Returned ids
// contain only the events that were accepted.
func (b *KafkaEventBus) PublishBatch(ctx context.Context, evts []*models.Event) ([]string, error) {
	ids := make([]string, 0, len(evts))
	var errs []error
	for _, evt := range evts {
		id, err := b.Publish(ctx, evt)
		if err != nil {
			b.log.Warn("batch publish item failed", applogger.Error(err))
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	if err := b.producer.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	return ids, errors.Join(errs...)
}

// PublishLogs turns collector digests into system.alert events.
func (b *KafkaEventBus) PublishLogs(ctx context.Context, entries []applogger.AggregatedLogEntry) error {
	evts := make([]*models.Event, 0, len(entries))
	for _, e := range entries {
		component, _ := e.Fields["component"].(string)
		if component == "" {
			component = e.Caller
		}
		evt, err := models.NewEvent(models.EventSystemAlert, b.source, "", models.SystemAlert{
			Level:     e.Level,
			Component: component,
			Message:   e.Message,
			Count:     e.Count,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
		})
		if err != nil {
			return err
		}
		evts = append(evts, evt)
	}
	_, err := b.PublishBatch(ctx, evts)
	return err
}

func (b *KafkaEventBus) Flush(ctx context.Context) error { return b.producer.Flush(ctx) }

func (b *KafkaEventBus) Close() error { return b.producer.Close() }
