package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	applogger "TradeCore/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks a handler error as permanent: the message is dead-lettered
// and committed without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers         []string
	GroupID         string
	AutoOffsetReset string
	WorkerCount     int
	BufferSize      int
	RetryMax        int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	DLQTopic        string
	MinBytes        int
	MaxBytes        int
	PollTimeout     time.Duration
	CommitTimeout   time.Duration
	Logger          *applogger.Logger
	Hook            ConsumerHook
}

// WithConsumerBrokers sets Kafka brokers.
func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// WithConsumerGroupID sets consumer group ID.
func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithConsumerAutoOffsetReset sets where a new group starts: "earliest" or "latest".
func WithConsumerAutoOffsetReset(autoOffsetReset string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoOffsetReset = autoOffsetReset
	}
}

// WithConsumerWorkers sets number of worker goroutines.
func WithConsumerWorkers(count int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if count > 0 {
			c.WorkerCount = count
		}
	}
}

// WithConsumerRetry configures retry attempts and backoff range.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithConsumerDLQ sets a Kafka topic name for DLQ.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DLQTopic = topic
	}
}

// WithConsumerFetch sets fetch min/max bytes.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.MinBytes = minBytes
		c.MaxBytes = maxBytes
	}
}

// WithConsumerBufferSize sets the per-worker channel buffer size.
func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerPollTimeout bounds each fetch so Stop is observed promptly.
func WithConsumerPollTimeout(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		if d > 0 {
			c.PollTimeout = d
		}
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func WithConsumerHook(h ConsumerHook) ConsumerOption {
	return func(c *ConsumerConfig) {
		if h != nil {
			c.Hook = h
		}
	}
}

// Consumer reads a fixed set of topics under one consumer group. Messages of one
// partition are always handled by the same worker, so they are processed in order.
// Offsets are committed only after the handler succeeds or the message was dead-lettered.
type Consumer struct {
	cfg       *ConsumerConfig
	handlers  map[string]MessageHandler
	newReader func(topic string) messageReader
	readers   map[string]messageReader
	queues    []chan *message
	dlq       messageWriter
	hook      ConsumerHook
	log       *applogger.Logger

	stopChan chan struct{}
	pollWg   sync.WaitGroup
	workWg   sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type message struct {
	topic string
	km    kafka.Message
}

func defaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		GroupID:         "default",
		AutoOffsetReset: "earliest",
		WorkerCount:     1,
		BufferSize:      64,
		RetryMax:        3,
		BackoffMin:      50 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		MinBytes:        1,
		MaxBytes:        10e6,
		PollTimeout:     time.Second,
		CommitTimeout:   2 * time.Second,
		Logger:          applogger.NewNop(),
		Hook:            NoopHook{},
	}
}

// NewConsumer creates a consumer bound to exactly the given handlers, one per topic.
func NewConsumer(handlers []MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	startOffset := kafka.FirstOffset
	if cfg.AutoOffsetReset == "latest" {
		startOffset = kafka.LastOffset
	}
	factory := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.PollTimeout,
			StartOffset: startOffset,
		})
	}

	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}

	initConsumerMetricsOnce()
	return newConsumer(cfg, handlers, factory, dlq)
}

func newConsumer(cfg *ConsumerConfig, handlers []MessageHandler, factory func(string) messageReader, dlq messageWriter) (*Consumer, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}

	table := make(map[string]MessageHandler, len(handlers))
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("nil handler")
		}
		topic := h.Topic()
		if topic == "" {
			return nil, fmt.Errorf("handler with empty topic")
		}
		if _, dup := table[topic]; dup {
			return nil, fmt.Errorf("duplicate handler for topic %q", topic)
		}
		table[topic] = h
	}

	c := &Consumer{
		cfg:       cfg,
		handlers:  table,
		newReader: factory,
		readers:   make(map[string]messageReader, len(table)),
		dlq:       dlq,
		hook:      cfg.Hook,
		log:       cfg.Logger,
		stopChan:  make(chan struct{}),
	}
	return c, nil
}

// Topics returns the subscribed topics.
func (c *Consumer) Topics() []string {
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	return out
}

// Start creates the readers and launches poll loops and workers. It does not block.
func (c *Consumer) Start() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return fmt.Errorf("consumer already started")
	}
	c.started = true

	c.queues = make([]chan *message, c.cfg.WorkerCount)
	for i := range c.queues {
		c.queues[i] = make(chan *message, c.cfg.BufferSize)
		c.workWg.Add(1)
		go c.messageWorker(c.queues[i])
	}

	for topic := range c.handlers {
		reader := c.newReader(topic)
		c.readers[topic] = reader
		c.pollWg.Add(1)
		go c.consumeMessages(topic, reader)
	}

	c.log.Info("kafka consumer started",
		applogger.String("group", c.cfg.GroupID),
		applogger.Strings("topics", c.Topics()),
		applogger.Int("workers", c.cfg.WorkerCount),
	)
	return nil
}

// Stop stops polling, lets workers finish what was already fetched and closes readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error

	c.stopOnce.Do(func() {
		c.log.Info("kafka consumer stopping", applogger.String("group", c.cfg.GroupID))
		close(c.stopChan)

		stopErr = waitGroup(ctx, &c.pollWg)
		if stopErr == nil {
			for _, q := range c.queues {
				close(q)
			}
			stopErr = waitGroup(ctx, &c.workWg)
		}

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				c.log.Warn("close reader", applogger.String("topic", topic), applogger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("close dlq writer", applogger.Error(err))
			}
		}

		if stopErr == nil {
			c.log.Info("kafka consumer stopped", applogger.String("group", c.cfg.GroupID))
		}
	})

	return stopErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (c *Consumer) consumeMessages(topic string, reader messageReader) {
	defer c.pollWg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollTimeout)
		km, err := reader.FetchMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				c.log.Warn("fetch message", applogger.String("topic", topic), applogger.Error(err))
				select {
				case <-time.After(c.cfg.BackoffMin):
				case <-c.stopChan:
					return
				}
			}
			continue
		}

		q := c.queues[partitionSlot(topic, km.Partition, len(c.queues))]
		select {
		case q <- &message{topic: topic, km: km}:
			if consumerQueueDepth != nil {
				consumerQueueDepth.WithLabelValues(topic).Set(float64(len(q)))
			}
		case <-c.stopChan:
			// fetched but never handled: left uncommitted for redelivery
			return
		}
	}
}

func partitionSlot(topic string, partition, slots int) int {
	if slots <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte(strconv.Itoa(partition)))
	return int(h.Sum32() % uint32(slots))
}

type topicPartition struct {
	topic     string
	partition int
}

// messageWorker handles its queue in order. Once a message of a partition is
// left uncommitted, later messages of that partition are not handled either:
// committing them would move the group offset past the unsettled one.
func (c *Consumer) messageWorker(queue <-chan *message) {
	defer c.workWg.Done()
	held := make(map[topicPartition]bool)
	for msg := range queue {
		tp := topicPartition{msg.topic, msg.km.Partition}
		if held[tp] {
			c.log.Debug("partition held, leaving message for redelivery",
				applogger.String("topic", msg.topic),
				applogger.Int("partition", msg.km.Partition),
				applogger.Int64("offset", msg.km.Offset))
			continue
		}
		if !c.process(msg) {
			held[tp] = true
		}
	}
}

// process handles one message and reports whether it was settled: handled or
// dead-lettered. An unsettled message stays uncommitted for redelivery.
func (c *Consumer) process(msg *message) bool {
	handler, ok := c.handlers[msg.topic]
	if !ok {
		return true
	}
	start := time.Now()

	var (
		err      error
		attempts int
	)
	for {
		attempts++
		hctx, hmsg, hdata, berr := c.hook.BeforeHandle(context.Background(), msg.topic, msg.km, msg.km.Value)
		if berr != nil {
			err = NonRetryable(berr)
			break
		}

		err = safeHandle(hctx, handler, hdata)
		c.hook.AfterHandle(hctx, msg.topic, hmsg, hdata, err)
		if err == nil || IsNonRetryable(err) || attempts > c.cfg.RetryMax {
			break
		}
		c.hook.OnError(hctx, msg.topic, hmsg, hdata, err)
		if consumerRetriesTotal != nil {
			consumerRetriesTotal.WithLabelValues(msg.topic).Inc()
		}

		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-c.stopChan:
			// shutting down mid-retry: leave uncommitted
			return false
		}
	}

	if err != nil {
		c.hook.OnError(context.Background(), msg.topic, msg.km, msg.km.Value, err)
		c.log.Error("message handling failed",
			applogger.String("topic", msg.topic),
			applogger.Int("partition", msg.km.Partition),
			applogger.Int64("offset", msg.km.Offset),
			applogger.Int("attempts", attempts),
			applogger.Bool("non_retryable", IsNonRetryable(err)),
			applogger.Error(err),
		)
		if !c.deadLetter(msg, err, attempts) {
			return false
		}
	}

	// a failed commit is covered by the next commit on the partition, the message itself is settled
	if reader := c.readers[msg.topic]; reader != nil {
		_ = c.commitWithRetry(reader, msg.km, 3)
	}
	if consumerHandleLatency != nil {
		consumerHandleLatency.WithLabelValues(msg.topic).Observe(time.Since(start).Seconds())
	}
	return true
}

func safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for topic %s: %v", h.Topic(), r)
		}
	}()
	return h.Handle(ctx, data)
}

// deadLetter writes msg to the DLQ topic and reports whether it may be
// committed. A failing DLQ write is retried with backoff until it succeeds or
// the consumer stops; the partition makes no progress meanwhile.
func (c *Consumer) deadLetter(msg *message, cause error, attempts int) bool {
	if c.dlq == nil || c.cfg.DLQTopic == "" {
		c.log.Warn("no dead-letter topic configured, dropping message",
			applogger.String("topic", msg.topic), applogger.Int64("offset", msg.km.Offset))
		return true
	}

	dead := kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.km.Key,
		Value: msg.km.Value,
		Time:  time.Now(),
		Headers: append(append([]kafka.Header(nil), msg.km.Headers...),
			kafka.Header{Key: "source_topic", Value: []byte(msg.topic)},
			kafka.Header{Key: "source_partition", Value: []byte(strconv.Itoa(msg.km.Partition))},
			kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(msg.km.Offset, 10))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
		),
	}
	for try := 1; ; try++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
		err := c.dlq.WriteMessages(ctx, dead)
		cancel()
		if err == nil {
			break
		}
		c.log.Error("write dead letter",
			applogger.String("dlq_topic", c.cfg.DLQTopic),
			applogger.String("topic", msg.topic),
			applogger.Int64("offset", msg.km.Offset),
			applogger.Int("try", try),
			applogger.Error(err))
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, try)):
		case <-c.stopChan:
			return false
		}
	}
	if consumerDeadLettered != nil {
		consumerDeadLettered.WithLabelValues(msg.topic).Inc()
	}
	return true
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(reader messageReader, km kafka.Message, max int) error {
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
		err = reader.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("commit offset",
		applogger.String("topic", km.Topic),
		applogger.Int64("offset", km.Offset),
		applogger.Int("attempts", max),
		applogger.Error(err),
	)
	return err
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	// jitter up to 50%
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}

var (
	consumerQueueDepth    *prometheus.GaugeVec
	consumerHandleLatency *prometheus.HistogramVec
	consumerRetriesTotal  *prometheus.CounterVec
	consumerDeadLettered  *prometheus.CounterVec
	consumerOnce          sync.Once
	consumerRegisterer    prometheus.Registerer
)

// SetConsumerMetricsRegisterer sets a custom Prometheus registerer for consumer metrics.
func SetConsumerMetricsRegisterer(reg prometheus.Registerer) { consumerRegisterer = reg }

func initConsumerMetricsOnce() {
	consumerOnce.Do(func() {
		factory := promauto.With(prometheus.DefaultRegisterer)
		if consumerRegisterer != nil {
			factory = promauto.With(consumerRegisterer)
		}
		consumerQueueDepth = factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "tradecore_kafka_consumer_queue_depth", Help: "Messages waiting in a worker queue"},
			[]string{"topic"},
		)
		consumerHandleLatency = factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "tradecore_kafka_consumer_handle_seconds", Help: "Handling time per message including retries"},
			[]string{"topic"},
		)
		consumerRetriesTotal = factory.NewCounterVec(
			prometheus.CounterOpts{Name: "tradecore_kafka_consumer_retries_total", Help: "Handler retries"},
			[]string{"topic"},
		)
		consumerDeadLettered = factory.NewCounterVec(
			prometheus.CounterOpts{Name: "tradecore_kafka_consumer_dead_lettered_total", Help: "Messages sent to the dead-letter topic"},
			[]string{"topic"},
		)
	})
}
