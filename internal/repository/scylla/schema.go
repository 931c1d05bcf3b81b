package scylla

import (
	"fmt"

	"github.com/gocql/gocql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outcomes_by_phone (
		phone bigint,
		occurred_at timestamp,
		run_id text,
		mode text,
		identity text,
		promo_id text,
		kind text,
		detail text,
		PRIMARY KEY ((phone), occurred_at, run_id)
	) WITH CLUSTERING ORDER BY (occurred_at DESC, run_id ASC)`,
	`CREATE TABLE IF NOT EXISTS outcome_counts (
		run_id text,
		kind text,
		total counter,
		PRIMARY KEY ((run_id), kind)
	)`,
	`CREATE TABLE IF NOT EXISTS run_summaries (
		run_id text PRIMARY KEY,
		mode text,
		promo_id text,
		total bigint,
		added bigint,
		rejected bigint,
		sent bigint,
		did_not_go bigint,
		retries bigint,
		fallen bigint,
		remaining bigint,
		halted text,
		started_at timestamp,
		finished_at timestamp
	)`,
}

// EnsureSchema creates the outcome tables in the session keyspace.
func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("scylla: ensure schema: %w", err)
		}
	}
	return nil
}
