package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// ErrPublishExhausted is returned once every publish attempt has failed.
var ErrPublishExhausted = errors.New("kafka: publish retries exhausted")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a Kafka writer with bounded, jittered retries.
type Producer struct {
	writer   messageWriter
	cfg      *ProducerConfig
	comp     string
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Header is a message header set by the caller.
type Header struct {
	Key   string
	Value string
}

// Message represents a Kafka message.
type Message struct {
	Key     []byte
	Value   interface{}
	Headers []Header
}

// NewProducer creates a new Kafka producer.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	bal := kafka.Balancer(&kafka.LeastBytes{})
	if cfg.HashByKey {
		bal = &kafka.Hash{}
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               bal,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            parseCompression(cfg.Compression),
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.ReadTimeout,
		BatchSize:              cfg.BatchSize,
		BatchBytes:             int64(cfg.BatchBytes),
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}

	initProducerMetricsOnce()
	return newProducerWithWriter(writer, cfg), nil
}

func defaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{
		RequiredAcks:   -1,
		Compression:    "gzip",
		MaxAttempts:    3,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    10 * time.Second,
		BatchSize:      100,
		BatchBytes:     1048576,
		BatchTimeout:   10 * time.Millisecond,
		HashByKey:      true,
		RetryMax:       3,
		BackoffMin:     50 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

func newProducerWithWriter(w messageWriter, cfg *ProducerConfig) *Producer {
	return &Producer{writer: w, cfg: cfg, comp: cfg.Compression}
}

// Publish sends a message to the specified topic. The key selects the partition.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...Header) error {
	v, err := encodeValue(value)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   v,
		Time:    time.Now(),
		Headers: toKafkaHeaders(headers),
	}

	start := time.Now()
	err = p.writeWithRetry(ctx, msg)
	observeProducerMetrics(topic, p.comp, int64(len(v)), 1, time.Since(start), err)
	return err
}

// PublishBatch sends multiple messages to the specified topic in one write.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(messages))
	var totalBytes int64
	for _, m := range messages {
		v, err := encodeValue(m.Value)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic:   topic,
			Key:     m.Key,
			Value:   v,
			Time:    time.Now(),
			Headers: toKafkaHeaders(m.Headers),
		})
		totalBytes += int64(len(v))
	}

	start := time.Now()
	err := p.writeWithRetry(ctx, msgs...)
	observeProducerMetrics(topic, p.comp, totalBytes, len(messages), time.Since(start), err)
	return err
}

func (p *Producer) writeWithRetry(ctx context.Context, msgs ...kafka.Message) error {
	p.inflight.Add(1)
	defer p.inflight.Done()

	attempts := p.cfg.RetryMax + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.cfg.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		}
		lastErr = p.writer.WriteMessages(actx, msgs...)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		select {
		case <-time.After(backoffWithJitter(p.cfg.BackoffMin, p.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPublishExhausted, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %v", ErrPublishExhausted, lastErr)
}

// Flush blocks until every in-flight publish has returned or ctx is done.
// Writes are synchronous, so a returned Publish has already been acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
}

// Close flushes and closes the producer. Later calls return the first result.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		_ = p.Flush(ctx)
		p.closeErr = p.writer.Close()
	})
	return p.closeErr
}

func encodeValue(value interface{}) ([]byte, error) {
	switch val := value.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case json.RawMessage:
		return val, nil
	default:
		v, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return v, nil
	}
}

func toKafkaHeaders(headers []Header) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for _, h := range headers {
		out = append(out, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	return out
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}

var (
	producerMsgsTotal   *prometheus.CounterVec
	producerErrsTotal   *prometheus.CounterVec
	producerBytesTotal  *prometheus.CounterVec
	producerLatencyHist *prometheus.HistogramVec
	producerOnce        sync.Once
	producerRegisterer  prometheus.Registerer
)

// SetProducerMetricsRegisterer sets a custom Prometheus registerer for producer metrics.
// Call before the first producer is created.
func SetProducerMetricsRegisterer(reg prometheus.Registerer) { producerRegisterer = reg }

func initProducerMetricsOnce() {
	producerOnce.Do(func() {
		factory := promauto.With(prometheus.DefaultRegisterer)
		if producerRegisterer != nil {
			factory = promauto.With(producerRegisterer)
		}
		producerMsgsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_kafka_producer_messages_total",
				Help: "Total messages published to Kafka",
			},
			[]string{"topic", "compression", "result"},
		)
		producerErrsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_kafka_producer_errors_total",
				Help: "Total publishes that exhausted their retries",
			},
			[]string{"topic"},
		)
		producerBytesTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_kafka_producer_bytes_total",
				Help: "Total payload bytes published",
			},
			[]string{"topic", "compression"},
		)
		producerLatencyHist = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradecore_kafka_producer_publish_seconds",
				Help:    "Publish latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
	})
}

func observeProducerMetrics(topic, comp string, bytes int64, count int, dur time.Duration, err error) {
	if producerMsgsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		producerErrsTotal.WithLabelValues(topic).Inc()
	}
	producerMsgsTotal.WithLabelValues(topic, comp, result).Add(float64(count))
	producerBytesTotal.WithLabelValues(topic, comp).Add(float64(bytes))
	producerLatencyHist.WithLabelValues(topic).Observe(dur.Seconds())
}
