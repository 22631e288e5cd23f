package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	"TradeCore/pkg/util"
)

// MemoryEventStore keeps the log in process with the same ordering and
// idempotency as the ClickHouse store. Used for paper runs and tests.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*models.Event
	ids    map[string]struct{}
}

var _ repository.EventStore = (*MemoryEventStore)(nil)

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{ids: make(map[string]struct{})}
}

func (s *MemoryEventStore) InsertEvent(ctx context.Context, evt *models.Event) error {
	_, err := s.InsertBatch(ctx, []*models.Event{evt})
	return err
}

func (s *MemoryEventStore) InsertBatch(ctx context.Context, evts []*models.Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	batch, err := uniqueValid(evts)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, e := range batch {
		if _, ok := s.ids[e.ID]; ok {
			continue
		}
		c := *e
		c.Timestamp = util.StorageTime(e.Timestamp)
		c.Payload = append([]byte(nil), e.Payload...)

		i := sort.Search(len(s.events), func(i int) bool { return !eventLess(s.events[i], &c) })
		s.events = append(s.events, nil)
		copy(s.events[i+1:], s.events[i:])
		s.events[i] = &c
		s.ids[c.ID] = struct{}{}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryEventStore) QueryByDateRange(ctx context.Context, q repository.EventQuery) ([]*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Event, 0)
	skipped := 0
	for _, e := range s.events {
		if !matches(e, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		c := *e
		out = append(out, &c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryEventStore) GetLatestEvent(ctx context.Context, instrument string, eventType models.EventType) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := repository.EventQuery{Instrument: instrument, Type: eventType}
	for i := len(s.events) - 1; i >= 0; i-- {
		if matches(s.events[i], q) {
			c := *s.events[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("latest event: %w", models.ErrNotFound)
}

func (s *MemoryEventStore) CountEvents(ctx context.Context, q repository.EventQuery) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if matches(e, q) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryEventStore) Health(context.Context) error { return nil }

func (s *MemoryEventStore) Close() error { return nil }

func eventLess(a, b *models.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func matches(e *models.Event, q repository.EventQuery) bool {
	if !q.Start.IsZero() && e.Timestamp.Before(util.StorageTime(q.Start)) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(util.StorageTime(q.End)) {
		return false
	}
	if q.Instrument != "" && e.Instrument != q.Instrument {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	return true
}
