package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
)

// ContactRepository persists classified phones in PostgreSQL.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `phone, promo_id, var_1, var_2, var_3, check_result, user_id, access_hash,
	username, first_name, last_name, checked_by, checked_at, last_sent_by, last_sent_at, send_count`

// UpsertVerified stores a verified contact and drops any earlier rejection
// of the same phone in one transaction.
func (r *ContactRepository) UpsertVerified(ctx context.Context, item domain.WorkItem) error {
	q := `INSERT INTO contacts (` + contactColumns + `, updated_at)
	VALUES (:phone, :promo_id, :var_1, :var_2, :var_3, :check_result, :user_id, :access_hash,
		:username, :first_name, :last_name, :checked_by, :checked_at, :last_sent_by, :last_sent_at, :send_count, :updated_at)
	ON CONFLICT (phone) DO UPDATE SET
		promo_id = EXCLUDED.promo_id,
		var_1 = EXCLUDED.var_1,
		var_2 = EXCLUDED.var_2,
		var_3 = EXCLUDED.var_3,
		check_result = EXCLUDED.check_result,
		user_id = EXCLUDED.user_id,
		access_hash = EXCLUDED.access_hash,
		username = EXCLUDED.username,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		checked_by = EXCLUDED.checked_by,
		checked_at = EXCLUDED.checked_at,
		last_sent_by = EXCLUDED.last_sent_by,
		last_sent_at = EXCLUDED.last_sent_at,
		send_count = EXCLUDED.send_count,
		updated_at = EXCLUDED.updated_at`

	rec := fromModel(item)
	return runInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, rec); err != nil {
			return fmt.Errorf("contacts: upsert verified: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bad_contacts WHERE phone = $1`, item.Phone); err != nil {
			return fmt.Errorf("contacts: clear rejection: %w", err)
		}
		return nil
	})
}

// UpsertRejected stores a phone that did not resolve.
func (r *ContactRepository) UpsertRejected(ctx context.Context, item domain.WorkItem) error {
	q := `INSERT INTO bad_contacts (phone, promo_id, var_1, var_2, var_3, check_result, checked_by, checked_at)
	VALUES (:phone, :promo_id, :var_1, :var_2, :var_3, :check_result, :checked_by, :checked_at)
	ON CONFLICT (phone) DO UPDATE SET
		promo_id = EXCLUDED.promo_id,
		check_result = EXCLUDED.check_result,
		checked_by = EXCLUDED.checked_by,
		checked_at = EXCLUDED.checked_at`

	if _, err := r.db.NamedExecContext(ctx, q, fromModel(item)); err != nil {
		return fmt.Errorf("contacts: upsert rejected: %w", err)
	}
	return nil
}

// ContactsForCampaign lists the verified contacts of a promo.
func (r *ContactRepository) ContactsForCampaign(ctx context.Context, promoID string) ([]domain.WorkItem, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE promo_id = $1 ORDER BY phone ASC`, promoID)
	if err != nil {
		return nil, fmt.Errorf("contacts: select campaign: %w", err)
	}
	defer rows.Close()

	var results []domain.WorkItem
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return results, nil
}

// Known reports which phones appear in either table.
func (r *ContactRepository) Known(ctx context.Context, phones []int64) (map[int64]bool, error) {
	known := make(map[int64]bool)
	if len(phones) == 0 {
		return known, nil
	}

	var found []int64
	q := `SELECT phone FROM contacts WHERE phone = ANY($1)
		UNION SELECT phone FROM bad_contacts WHERE phone = ANY($1)`
	if err := r.db.SelectContext(ctx, &found, q, phones); err != nil {
		return nil, fmt.Errorf("contacts: known: %w", err)
	}
	for _, p := range found {
		known[p] = true
	}
	return known, nil
}

// Get returns the stored classification of phone, verified first.
func (r *ContactRepository) Get(ctx context.Context, phone int64) (*domain.WorkItem, error) {
	var rec contactRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = $1`, phone).StructScan(&rec)
	if err == nil {
		item := rec.toModel()
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contacts: get: %w", err)
	}

	var bad badContactRecord
	err = r.db.QueryRowxContext(ctx, `SELECT phone, promo_id, var_1, var_2, var_3, check_result, checked_by, checked_at
		FROM bad_contacts WHERE phone = $1`, phone).StructScan(&bad)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: get rejected: %w", err)
	}
	item := bad.toModel()
	return &item, nil
}

type contactRecord struct {
	Phone       int64          `db:"phone"`
	PromoID     sql.NullString `db:"promo_id"`
	Var1        sql.NullString `db:"var_1"`
	Var2        sql.NullString `db:"var_2"`
	Var3        sql.NullString `db:"var_3"`
	CheckResult sql.NullString `db:"check_result"`
	UserID      sql.NullInt64  `db:"user_id"`
	AccessHash  sql.NullInt64  `db:"access_hash"`
	Username    sql.NullString `db:"username"`
	FirstName   sql.NullString `db:"first_name"`
	LastName    sql.NullString `db:"last_name"`
	CheckedBy   sql.NullString `db:"checked_by"`
	CheckedAt   sql.NullTime   `db:"checked_at"`
	LastSentBy  sql.NullString `db:"last_sent_by"`
	LastSentAt  sql.NullTime   `db:"last_sent_at"`
	SendCount   int            `db:"send_count"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func fromModel(item domain.WorkItem) contactRecord {
	return contactRecord{
		Phone:       item.Phone,
		PromoID:     nullString(item.PromoID),
		Var1:        nullString(item.Var1),
		Var2:        nullString(item.Var2),
		Var3:        nullString(item.Var3),
		CheckResult: nullString(string(item.CheckResult)),
		UserID:      sql.NullInt64{Int64: item.UserID, Valid: item.UserID != 0},
		AccessHash:  sql.NullInt64{Int64: item.AccessHash, Valid: item.AccessHash != 0},
		Username:    nullString(item.Username),
		FirstName:   nullString(item.FirstName),
		LastName:    nullString(item.LastName),
		CheckedBy:   nullString(item.CheckedBy),
		CheckedAt:   nullTime(item.CheckedAt),
		LastSentBy:  nullString(item.LastSentBy),
		LastSentAt:  nullTime(item.LastSentAt),
		SendCount:   item.SendCount,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (r contactRecord) toModel() domain.WorkItem {
	return domain.WorkItem{
		Phone:       r.Phone,
		PromoID:     r.PromoID.String,
		Var1:        r.Var1.String,
		Var2:        r.Var2.String,
		Var3:        r.Var3.String,
		CheckResult: domain.CheckResult(r.CheckResult.String),
		UserID:      r.UserID.Int64,
		AccessHash:  r.AccessHash.Int64,
		Username:    r.Username.String,
		FirstName:   r.FirstName.String,
		LastName:    r.LastName.String,
		CheckedBy:   r.CheckedBy.String,
		CheckedAt:   r.CheckedAt.Time,
		LastSentBy:  r.LastSentBy.String,
		LastSentAt:  r.LastSentAt.Time,
		SendCount:   r.SendCount,
	}
}

type badContactRecord struct {
	Phone       int64          `db:"phone"`
	PromoID     sql.NullString `db:"promo_id"`
	Var1        sql.NullString `db:"var_1"`
	Var2        sql.NullString `db:"var_2"`
	Var3        sql.NullString `db:"var_3"`
	CheckResult sql.NullString `db:"check_result"`
	CheckedBy   sql.NullString `db:"checked_by"`
	CheckedAt   sql.NullTime   `db:"checked_at"`
}

func (r badContactRecord) toModel() domain.WorkItem {
	return domain.WorkItem{
		Phone:       r.Phone,
		PromoID:     r.PromoID.String,
		Var1:        r.Var1.String,
		Var2:        r.Var2.String,
		Var3:        r.Var3.String,
		CheckResult: domain.CheckResult(r.CheckResult.String),
		CheckedBy:   r.CheckedBy.String,
		CheckedAt:   r.CheckedAt.Time,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
