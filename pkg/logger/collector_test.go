package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	digests [][]AggregatedLogEntry
}

func (p *recordingPublisher) PublishLogs(_ context.Context, entries []AggregatedLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digests = append(p.digests, entries)
	return nil
}

func (p *recordingPublisher) all() [][]AggregatedLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]AggregatedLogEntry(nil), p.digests...)
}

func TestCollectorAggregatesDuplicates(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Publisher: pub})

	fields := map[string]interface{}{"topic": "signal.generated"}
	c.AddLog("error", "handler failed", fields, "consumer.go:10")
	c.AddLog("error", "handler failed", fields, "consumer.go:10")
	c.AddLog("error", "commit failed", nil, "consumer.go:20")
	assert.Equal(t, 2, c.Pending())

	c.Close()

	digests := pub.all()
	require.Len(t, digests, 1)
	require.Len(t, digests[0], 2)
	counts := map[string]int{}
	for _, e := range digests[0] {
		counts[e.Message] = e.Count
	}
	assert.Equal(t, 2, counts["handler failed"])
	assert.Equal(t, 1, counts["commit failed"])
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})

	c.AddLog("error", "a", nil, "x.go:1")
	c.AddLog("error", "b", nil, "x.go:2")
	assert.Equal(t, 0, c.Pending())

	c.Close()
	require.Len(t, pub.all(), 1)
}

func TestLoggerErrorFeedsCollector(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Publisher: pub})

	l.Error("store insert failed", String("event_id", "e-1"))
	l.Warn("not collected")
	l.RemoveCollector()

	digests := pub.all()
	require.Len(t, digests, 1)
	require.Len(t, digests[0], 1)
	assert.Equal(t, "store insert failed", digests[0][0].Message)
	assert.Equal(t, "e-1", digests[0][0].Fields["event_id"])
}

func TestChildLoggerSeesCollectorAddedLater(t *testing.T) {
	pub := &recordingPublisher{}
	root := NewNop()
	child := root.Named("execution")

	root.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Publisher: pub})
	child.Error("venue submit failed")
	root.RemoveCollector()
	child.Error("after removal")

	digests := pub.all()
	require.Len(t, digests, 1)
	require.Len(t, digests[0], 1)
	assert.Equal(t, "venue submit failed", digests[0][0].Message)
}
