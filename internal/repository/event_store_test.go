package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testEvent(id string, typ models.EventType, instrument string, at time.Time) *models.Event {
	return &models.Event{
		ID:            id,
		Type:          typ,
		Timestamp:     at,
		Instrument:    instrument,
		Source:        "test",
		Payload:       json.RawMessage(`{}`),
		SchemaVersion: models.SchemaVersion,
	}
}

func TestMemoryStoreInsertIsIdempotent(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	e := testEvent("e-1", models.EventSignalGenerated, "BTC-USD", t0)

	require.NoError(t, s.InsertEvent(ctx, e))
	require.NoError(t, s.InsertEvent(ctx, e))
	n, err := s.InsertBatch(ctx, []*models.Event{e, e})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := s.CountEvents(ctx, repository.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryStoreQueryIsChronological(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	var batch []*models.Event
	for i := 9; i >= 0; i-- {
		batch = append(batch, testEvent(fmt.Sprintf("e-%d", i), models.EventPriceTick, "ETH-USD", t0.Add(time.Duration(i)*time.Second)))
	}
	batch = append(batch,
		testEvent("b", models.EventPriceTick, "ETH-USD", t0),
		testEvent("x", models.EventTradeExecuted, "BTC-USD", t0.Add(3*time.Second)),
	)
	n, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	got, err := s.QueryByDateRange(ctx, repository.EventQuery{
		Start:      t0,
		End:        t0.Add(5 * time.Second),
		Instrument: "ETH-USD",
		Type:       models.EventPriceTick,
	})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"b", "e-0", "e-1", "e-2", "e-3", "e-4", "e-5"}, ids)

	page, err := s.QueryByDateRange(ctx, repository.EventQuery{Instrument: "ETH-USD", Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e-2", page[0].ID)
}

func TestMemoryStoreLatest(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	_, err := s.GetLatestEvent(ctx, "BTC-USD", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.InsertBatch(ctx, []*models.Event{
		testEvent("a", models.EventTradeExecuted, "BTC-USD", t0),
		testEvent("b", models.EventTradeExecuted, "BTC-USD", t0.Add(time.Minute)),
		testEvent("c", models.EventPriceTick, "BTC-USD", t0.Add(2*time.Minute)),
	})
	require.NoError(t, err)

	latest, err := s.GetLatestEvent(ctx, "BTC-USD", models.EventTradeExecuted)
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)
}

func TestInsertRejectsInvalidEvent(t *testing.T) {
	s := NewMemoryEventStore()
	bad := testEvent("", models.EventPriceTick, "", t0)
	_, err := s.InsertBatch(context.Background(), []*models.Event{bad})
	assert.ErrorIs(t, err, models.ErrData)
}

func TestBuildEventFilter(t *testing.T) {
	where, args := buildEventFilter(repository.EventQuery{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = buildEventFilter(repository.EventQuery{
		Start:      t0,
		End:        t0.Add(time.Hour),
		Instrument: "BTC-USD",
		Type:       models.EventTradeExecuted,
	})
	assert.Equal(t, " WHERE timestamp >= ? AND timestamp <= ? AND instrument = ? AND event_type = ?", where)
	require.Len(t, args, 4)
	assert.Equal(t, "trade.executed", args[3])
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?,?,?", placeholders(3))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "", placeholders(0))
}
