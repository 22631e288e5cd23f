package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	pkgch "TradeCore/pkg/clickhouse"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/util"
)

const (
	insertChunkSize = 500
	eventColumns    = "event_id, event_type, timestamp, instrument, payload, source, correlation_id, schema_version"
)

// ClickHouseEventStore is the durable event log. Ids already stored are
// skipped before insert; ReplacingMergeTree plus FINAL reads collapse the
// rare concurrent duplicate.
type ClickHouseEventStore struct {
	db      *sql.DB
	table   string
	log     *applogger.Logger
	metrics repository.Metrics
}

var _ repository.EventStore = (*ClickHouseEventStore)(nil)

func NewClickHouseEventStore(client *pkgch.Client, l *applogger.Logger, m repository.Metrics) *ClickHouseEventStore {
	return &ClickHouseEventStore{
		db:      client.DB(),
		table:   client.Database() + ".events",
		log:     l.Named("event_store"),
		metrics: m,
	}
}

func (s *ClickHouseEventStore) InsertEvent(ctx context.Context, evt *models.Event) error {
	_, err := s.InsertBatch(ctx, []*models.Event{evt})
	return err
}

// InsertBatch stores evts and returns how many were new.
func (s *ClickHouseEventStore) InsertBatch(ctx context.Context, evts []*models.Event) (int, error) {
	start := time.Now()
	defer func() { s.metrics.RecordLatency("event_store_insert", time.Since(start).Seconds()) }()

	batch, err := uniqueValid(evts)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for lo := 0; lo < len(batch); lo += insertChunkSize {
		hi := min(lo+insertChunkSize, len(batch))
		n, err := s.insertChunk(ctx, batch[lo:hi])
		inserted += n
		if err != nil {
			s.metrics.RecordError("event_store")
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *ClickHouseEventStore) insertChunk(ctx context.Context, chunk []*models.Event) (int, error) {
	ids := make([]string, len(chunk))
	for i, e := range chunk {
		ids[i] = e.ID
	}
	existing, err := s.existingIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	values := make([]string, 0, len(chunk))
	args := make([]interface{}, 0, len(chunk)*8)
	for _, e := range chunk {
		if _, ok := existing[e.ID]; ok {
			continue
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			e.ID,
			string(e.Type),
			util.StorageTime(e.Timestamp),
			e.Instrument,
			string(e.Payload),
			e.Source,
			e.CorrelationID,
			uint16(e.SchemaVersion),
		)
	}
	if len(values) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, eventColumns, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return 0, models.TransientError("insert events", err)
	}
	return len(values), nil
}

func (s *ClickHouseEventStore) existingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT event_id FROM %s WHERE event_id IN (%s)", s.table, placeholders(len(ids)))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.TransientError("check existing events", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event_id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// QueryByDateRange returns matching events ascending by (timestamp, event_id).
func (s *ClickHouseEventStore) QueryByDateRange(ctx context.Context, q repository.EventQuery) ([]*models.Event, error) {
	start := time.Now()
	defer func() { s.metrics.RecordLatency("event_store_query", time.Since(start).Seconds()) }()

	where, args := buildEventFilter(q)
	stmt := fmt.Sprintf("SELECT %s FROM %s FINAL%s ORDER BY timestamp ASC, event_id ASC", eventColumns, s.table, where)
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			stmt += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, models.TransientError("query events", err)
	}
	defer rows.Close()

	out := make([]*models.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, models.TransientError("iterate events", err)
	}
	return out, nil
}

func (s *ClickHouseEventStore) GetLatestEvent(ctx context.Context, instrument string, eventType models.EventType) (*models.Event, error) {
	where, args := buildEventFilter(repository.EventQuery{Instrument: instrument, Type: eventType})
	stmt := fmt.Sprintf("SELECT %s FROM %s FINAL%s ORDER BY timestamp DESC, event_id DESC LIMIT 1", eventColumns, s.table, where)

	evt, err := scanEvent(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest event: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, models.TransientError("latest event", err)
	}
	return evt, nil
}

func (s *ClickHouseEventStore) CountEvents(ctx context.Context, q repository.EventQuery) (int64, error) {
	where, args := buildEventFilter(q)
	var n uint64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count() FROM %s FINAL%s", s.table, where), args...).Scan(&n); err != nil {
		return 0, models.TransientError("count events", err)
	}
	return int64(n), nil
}

func (s *ClickHouseEventStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return models.TransientError("clickhouse ping", err)
	}
	return nil
}

// Close is a no-op: the client is owned by the application.
func (s *ClickHouseEventStore) Close() error { return nil }

// buildEventFilter renders the WHERE clause (with a leading space) for q.
func buildEventFilter(q repository.EventQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if !q.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, util.StorageTime(q.Start))
	}
	if !q.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, util.StorageTime(q.End))
	}
	if q.Instrument != "" {
		conds = append(conds, "instrument = ?")
		args = append(args, q.Instrument)
	}
	if q.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(q.Type))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(r rowScanner) (*models.Event, error) {
	var (
		e       models.Event
		typ     string
		payload string
		version uint16
	)
	if err := r.Scan(&e.ID, &typ, &e.Timestamp, &e.Instrument, &payload, &e.Source, &e.CorrelationID, &version); err != nil {
		return nil, err
	}
	e.Type = models.EventType(typ)
	e.Timestamp = e.Timestamp.UTC()
	e.Payload = []byte(payload)
	e.SchemaVersion = int(version)
	return &e, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// uniqueValid validates evts and drops repeated ids, keeping the first.
func uniqueValid(evts []*models.Event) ([]*models.Event, error) {
	seen := make(map[string]struct{}, len(evts))
	out := make([]*models.Event, 0, len(evts))
	for _, e := range evts {
		if e == nil {
			return nil, models.DataErrorf("nil event in batch")
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}
