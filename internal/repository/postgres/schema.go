package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		phone         BIGINT PRIMARY KEY,
		promo_id      TEXT,
		var_1         TEXT,
		var_2         TEXT,
		var_3         TEXT,
		check_result  TEXT,
		user_id       BIGINT,
		access_hash   BIGINT,
		username      TEXT,
		first_name    TEXT,
		last_name     TEXT,
		checked_by    TEXT,
		checked_at    TIMESTAMPTZ,
		last_sent_by  TEXT,
		last_sent_at  TIMESTAMPTZ,
		send_count    INTEGER NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS contacts_promo_idx ON contacts (promo_id)`,
	`CREATE TABLE IF NOT EXISTS bad_contacts (
		phone         BIGINT PRIMARY KEY,
		promo_id      TEXT,
		var_1         TEXT,
		var_2         TEXT,
		var_3         TEXT,
		check_result  TEXT,
		checked_by    TEXT,
		checked_at    TIMESTAMPTZ
	)`,
}

// EnsureSchema creates the contact tables when they are missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	return runInTx(ctx, db, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: ensure schema: %w", err)
			}
		}
		return nil
	})
}
