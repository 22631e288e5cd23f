package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

type funcHandler struct {
	topic string
	fn    func(context.Context, []byte) error
}

func (h funcHandler) Topic() string                               { return h.topic }
func (h funcHandler) Handle(ctx context.Context, b []byte) error { return h.fn(ctx, b) }

func testConsumerConfig() *ConsumerConfig {
	cfg := defaultConsumerConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.RetryMax = 2
	cfg.WorkerCount = 4
	return cfg
}

func msgAt(topic string, partition int, offset int64, value string) kafka.Message {
	return kafka.Message{Topic: topic, Partition: partition, Offset: offset, Value: []byte(value)}
}

func stopConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestNewConsumerRejectsDuplicateTopics(t *testing.T) {
	h := funcHandler{topic: "a", fn: func(context.Context, []byte) error { return nil }}
	_, err := newConsumer(testConsumerConfig(), []MessageHandler{h, h}, nil, nil)
	require.Error(t, err)

	_, err = newConsumer(testConsumerConfig(), nil, nil, nil)
	require.Error(t, err)
}

func TestConsumerCommitsAfterSuccessInPartitionOrder(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msgAt("signal.generated", 0, int64(i), strconv.Itoa(i)))
	}
	reader := newFakeReader(msgs...)

	var mu sync.Mutex
	var seen []string
	h := funcHandler{topic: "signal.generated", fn: func(_ context.Context, b []byte) error {
		mu.Lock()
		seen = append(seen, string(b))
		mu.Unlock()
		return nil
	}}

	c, err := newConsumer(testConsumerConfig(), []MessageHandler{h}, func(string) messageReader { return reader }, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 20 }, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, strconv.Itoa(i), v)
	}
	for i, m := range reader.commits() {
		assert.Equal(t, int64(i), m.Offset)
	}
	assert.True(t, reader.closed)
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	reader := newFakeReader(msgAt("consensus.approved", 1, 7, `{"bad":true}`))
	dlq := &fakeWriter{}
	var calls atomic.Int32
	h := funcHandler{topic: "consensus.approved", fn: func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}}

	cfg := testConsumerConfig()
	cfg.DLQTopic = "dead.letter"
	c, err := newConsumer(cfg, []MessageHandler{h}, func(string) messageReader { return reader }, dlq)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)

	assert.Equal(t, int32(3), calls.Load())
	dead := dlq.messages()
	require.Len(t, dead, 1)
	assert.Equal(t, "dead.letter", dead[0].Topic)
	headers := map[string]string{}
	for _, hd := range dead[0].Headers {
		headers[hd.Key] = string(hd.Value)
	}
	assert.Equal(t, "consensus.approved", headers["source_topic"])
	assert.Equal(t, "7", headers["source_offset"])
	assert.Equal(t, "3", headers["attempts"])
}

func TestConsumerSkipsRetryForNonRetryable(t *testing.T) {
	reader := newFakeReader(msgAt("signal.generated", 0, 0, "not json"))
	dlq := &fakeWriter{}
	var calls atomic.Int32
	h := funcHandler{topic: "signal.generated", fn: func(context.Context, []byte) error {
		calls.Add(1)
		return NonRetryable(errors.New("malformed payload"))
	}}

	cfg := testConsumerConfig()
	cfg.DLQTopic = "dead.letter"
	c, err := newConsumer(cfg, []MessageHandler{h}, func(string) messageReader { return reader }, dlq)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, dlq.messages(), 1)
}

func TestConsumerLeavesOffsetWhenDeadLetterFails(t *testing.T) {
	reader := newFakeReader(msgAt("trade.executed", 0, 10, "bad"), msgAt("trade.executed", 0, 11, "ok"))
	dlq := &fakeWriter{failures: 1 << 20}
	var handledOK atomic.Int32
	h := funcHandler{topic: "trade.executed", fn: func(_ context.Context, b []byte) error {
		if string(b) == "bad" {
			return NonRetryable(errors.New("boom"))
		}
		handledOK.Add(1)
		return nil
	}}

	cfg := testConsumerConfig()
	cfg.DLQTopic = "dead.letter"
	cfg.CommitTimeout = 50 * time.Millisecond
	c, err := newConsumer(cfg, []MessageHandler{h}, func(string) messageReader { return reader }, dlq)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		dlq.mu.Lock()
		defer dlq.mu.Unlock()
		return dlq.calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)

	assert.Empty(t, reader.commits(), "later offset must not be committed past the unsettled one")
	assert.Zero(t, handledOK.Load())
}

func TestConsumerDeadLetterRetriesBeforeLaterOffsets(t *testing.T) {
	reader := newFakeReader(msgAt("trade.executed", 0, 10, "bad"), msgAt("trade.executed", 0, 11, "ok"))
	dlq := &fakeWriter{failures: 3}
	h := funcHandler{topic: "trade.executed", fn: func(_ context.Context, b []byte) error {
		if string(b) == "bad" {
			return NonRetryable(errors.New("boom"))
		}
		return nil
	}}

	cfg := testConsumerConfig()
	cfg.DLQTopic = "dead.letter"
	c, err := newConsumer(cfg, []MessageHandler{h}, func(string) messageReader { return reader }, dlq)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)

	commits := reader.commits()
	assert.Equal(t, int64(10), commits[0].Offset)
	assert.Equal(t, int64(11), commits[1].Offset)
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	require.Len(t, dlq.written, 1)
	assert.Equal(t, "bad", string(dlq.written[0].Value))
}

func TestConsumerRecoversHandlerPanic(t *testing.T) {
	reader := newFakeReader(msgAt("price.tick", 0, 0, "x"), msgAt("price.tick", 0, 1, "y"))
	var handled atomic.Int32
	h := funcHandler{topic: "price.tick", fn: func(_ context.Context, b []byte) error {
		if string(b) == "x" {
			panic("bad tick")
		}
		handled.Add(1)
		return nil
	}}

	cfg := testConsumerConfig()
	cfg.RetryMax = 0
	c, err := newConsumer(cfg, []MessageHandler{h}, func(string) messageReader { return reader }, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stopConsumer(t, c)
	assert.Equal(t, int32(1), handled.Load())
}

func TestCorrelationHookPropagatesHeader(t *testing.T) {
	km := kafka.Message{Headers: []kafka.Header{{Key: HeaderCorrelationID, Value: []byte("evt-42")}}}
	ctx, _, _, err := NewHookChain(CorrelationHook(), nil).BeforeHandle(context.Background(), "t", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "evt-42", CorrelationIDFromContext(ctx))
	_, ok := StartTimeFromContext(ctx)
	assert.True(t, ok)
}

func TestPartitionSlotIsStable(t *testing.T) {
	for p := 0; p < 16; p++ {
		assert.Equal(t, partitionSlot("signal.generated", p, 4), partitionSlot("signal.generated", p, 4))
		assert.Less(t, partitionSlot("signal.generated", p, 4), 4)
	}
	assert.Equal(t, 0, partitionSlot("x", 3, 1))
}
