package clickhouse

import "fmt"

// EventStoreSchema returns the DDL for the append-only event log.
//
// Rows are ordered by (timestamp, event_id) so range scans are cheap and a
// re-inserted event collapses into the original on merge. Reads use FINAL.
func EventStoreSchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.events (
	event_id       String,
	event_type     LowCardinality(String),
	timestamp      DateTime64(6, 'UTC'),
	instrument     LowCardinality(String),
	payload        String,
	source         LowCardinality(String),
	correlation_id String,
	schema_version UInt16,
	created_at     DateTime64(3, 'UTC') DEFAULT now64(3),
	INDEX idx_event_id event_id TYPE bloom_filter GRANULARITY 4,
	INDEX idx_type event_type TYPE set(64) GRANULARITY 4
) ENGINE = ReplacingMergeTree(created_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (timestamp, event_id)`, database),
	}
}
