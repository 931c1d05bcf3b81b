// Package mysql stores contacts in MySQL through gorm.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
)

type contactRow struct {
	Phone       int64  `gorm:"primaryKey;autoIncrement:false"`
	PromoID     string `gorm:"size:64;index:idx_contacts_promo"`
	Var1        string `gorm:"column:var_1;size:255"`
	Var2        string `gorm:"column:var_2;size:255"`
	Var3        string `gorm:"column:var_3;size:255"`
	CheckResult string `gorm:"size:128"`
	UserID      int64
	AccessHash  int64
	Username    string `gorm:"size:64"`
	FirstName   string `gorm:"size:128"`
	LastName    string `gorm:"size:128"`
	CheckedBy   string `gorm:"size:128"`
	CheckedAt   *time.Time
	LastSentBy  string `gorm:"size:128"`
	LastSentAt  *time.Time
	SendCount   int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (contactRow) TableName() string { return "contacts" }

type badContactRow struct {
	Phone       int64  `gorm:"primaryKey;autoIncrement:false"`
	PromoID     string `gorm:"size:64;index:idx_bad_contacts_promo"`
	Var1        string `gorm:"column:var_1;size:255"`
	Var2        string `gorm:"column:var_2;size:255"`
	Var3        string `gorm:"column:var_3;size:255"`
	CheckResult string `gorm:"size:128"`
	CheckedBy   string `gorm:"size:128"`
	CheckedAt   *time.Time
}

func (badContactRow) TableName() string { return "bad_contacts" }

// ContactRepository implements repository.ContactStore on gorm.
type ContactRepository struct {
	db *gorm.DB
}

// NewContactRepository wraps an opened gorm handle.
func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Migrate creates or updates the contact tables.
func (r *ContactRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&contactRow{}, &badContactRow{}); err != nil {
		return fmt.Errorf("mysql contacts: migrate: %w", err)
	}
	return nil
}

func (r *ContactRepository) UpsertVerified(ctx context.Context, item domain.WorkItem) error {
	row := toContactRow(item)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("mysql contacts: upsert verified: %w", err)
		}
		if err := tx.Delete(&badContactRow{}, "phone = ?", item.Phone).Error; err != nil {
			return fmt.Errorf("mysql contacts: clear rejection: %w", err)
		}
		return nil
	})
}

func (r *ContactRepository) UpsertRejected(ctx context.Context, item domain.WorkItem) error {
	row := badContactRow{
		Phone:       item.Phone,
		PromoID:     item.PromoID,
		Var1:        item.Var1,
		Var2:        item.Var2,
		Var3:        item.Var3,
		CheckResult: string(item.CheckResult),
		CheckedBy:   item.CheckedBy,
		CheckedAt:   timePtr(item.CheckedAt),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"promo_id", "check_result", "checked_by", "checked_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mysql contacts: upsert rejected: %w", err)
	}
	return nil
}

func (r *ContactRepository) ContactsForCampaign(ctx context.Context, promoID string) ([]domain.WorkItem, error) {
	var rows []contactRow
	if err := r.db.WithContext(ctx).Where("promo_id = ?", promoID).Order("phone ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mysql contacts: select campaign: %w", err)
	}
	items := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toModel())
	}
	return items, nil
}

func (r *ContactRepository) Known(ctx context.Context, phones []int64) (map[int64]bool, error) {
	known := make(map[int64]bool)
	if len(phones) == 0 {
		return known, nil
	}

	for _, model := range []any{&contactRow{}, &badContactRow{}} {
		var found []int64
		if err := r.db.WithContext(ctx).Model(model).Where("phone IN ?", phones).Pluck("phone", &found).Error; err != nil {
			return nil, fmt.Errorf("mysql contacts: known: %w", err)
		}
		for _, p := range found {
			known[p] = true
		}
	}
	return known, nil
}

func (r *ContactRepository) Get(ctx context.Context, phone int64) (*domain.WorkItem, error) {
	var row contactRow
	err := r.db.WithContext(ctx).First(&row, "phone = ?", phone).Error
	if err == nil {
		item := row.toModel()
		return &item, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mysql contacts: get: %w", err)
	}

	var bad badContactRow
	err = r.db.WithContext(ctx).First(&bad, "phone = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mysql contacts: get rejected: %w", err)
	}
	return &domain.WorkItem{
		Phone:       bad.Phone,
		PromoID:     bad.PromoID,
		Var1:        bad.Var1,
		Var2:        bad.Var2,
		Var3:        bad.Var3,
		CheckResult: domain.CheckResult(bad.CheckResult),
		CheckedBy:   bad.CheckedBy,
		CheckedAt:   timeVal(bad.CheckedAt),
	}, nil
}

// CampaignStats aggregates contact counters for a promo.
func (r *ContactRepository) CampaignStats(ctx context.Context, promoID string) (*domain.CampaignStats, error) {
	stats := domain.CampaignStats{PromoID: promoID}
	db := r.db.WithContext(ctx)

	if err := db.Model(&contactRow{}).Where("promo_id = ?", promoID).Count(&stats.Verified).Error; err != nil {
		return nil, fmt.Errorf("mysql contacts: count verified: %w", err)
	}
	if err := db.Model(&contactRow{}).Where("promo_id = ? AND send_count > 0", promoID).Count(&stats.Messaged).Error; err != nil {
		return nil, fmt.Errorf("mysql contacts: count messaged: %w", err)
	}
	if err := db.Model(&contactRow{}).Where("promo_id = ?", promoID).Select("COALESCE(SUM(send_count), 0)").Scan(&stats.Sends).Error; err != nil {
		return nil, fmt.Errorf("mysql contacts: sum sends: %w", err)
	}
	if err := db.Model(&badContactRow{}).Where("promo_id = ?", promoID).Count(&stats.Rejected).Error; err != nil {
		return nil, fmt.Errorf("mysql contacts: count rejected: %w", err)
	}
	return &stats, nil
}

func toContactRow(item domain.WorkItem) contactRow {
	return contactRow{
		Phone:       item.Phone,
		PromoID:     item.PromoID,
		Var1:        item.Var1,
		Var2:        item.Var2,
		Var3:        item.Var3,
		CheckResult: string(item.CheckResult),
		UserID:      item.UserID,
		AccessHash:  item.AccessHash,
		Username:    item.Username,
		FirstName:   item.FirstName,
		LastName:    item.LastName,
		CheckedBy:   item.CheckedBy,
		CheckedAt:   timePtr(item.CheckedAt),
		LastSentBy:  item.LastSentBy,
		LastSentAt:  timePtr(item.LastSentAt),
		SendCount:   item.SendCount,
	}
}

func (r contactRow) toModel() domain.WorkItem {
	return domain.WorkItem{
		Phone:       r.Phone,
		PromoID:     r.PromoID,
		Var1:        r.Var1,
		Var2:        r.Var2,
		Var3:        r.Var3,
		CheckResult: domain.CheckResult(r.CheckResult),
		UserID:      r.UserID,
		AccessHash:  r.AccessHash,
		Username:    r.Username,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		CheckedBy:   r.CheckedBy,
		CheckedAt:   timeVal(r.CheckedAt),
		LastSentBy:  r.LastSentBy,
		LastSentAt:  timeVal(r.LastSentAt),
		SendCount:   r.SendCount,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
