package kafka

import "time"

type ProducerOption func(*ProducerConfig)

// ProducerConfig drives both the kafka-go writer and the bounded retry loop
// wrapped around it. RetryMax counts retries after the first attempt.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BatchSize    int
	BatchBytes   int
	BatchTimeout time.Duration
	HashByKey    bool

	RetryMax       int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Brokers = brokers
	}
}

// WithDurability sets acks (-1 waits for all in-sync replicas) and the codec name
// (none, gzip, snappy, lz4, zstd).
func WithDurability(acks int, compression string) ProducerOption {
	return func(c *ProducerConfig) {
		c.RequiredAcks = acks
		c.Compression = compression
	}
}

// WithBatching tunes the writer's batch. linger is how long a partial batch waits.
func WithBatching(size, bytes int, linger time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.BatchSize = size
		c.BatchBytes = bytes
		c.BatchTimeout = linger
	}
}

// WithTimeouts sets the writer socket timeouts and its internal attempt count.
func WithTimeouts(write, read time.Duration, writerAttempts int) ProducerOption {
	return func(c *ProducerConfig) {
		c.WriteTimeout = write
		c.ReadTimeout = read
		c.MaxAttempts = writerAttempts
	}
}

// WithHashByKey keeps every message with the same key (the instrument) on one partition.
func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) {
		c.HashByKey = hash
	}
}

// WithPublishRetry bounds the retry loop around the writer. Backoff doubles
// from backoffMin up to backoffMax, with jitter.
func WithPublishRetry(max int, backoffMin, backoffMax time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithAttemptTimeout caps one write attempt, including the writer's own retries.
func WithAttemptTimeout(d time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.AttemptTimeout = d
	}
}
