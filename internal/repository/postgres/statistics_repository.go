package postgres

import (
	"context"
	"fmt"

	"github.com/acme/session-dispatch/internal/domain"
)

// CampaignStats aggregates contact counters for a promo.
func (r *ContactRepository) CampaignStats(ctx context.Context, promoID string) (*domain.CampaignStats, error) {
	stats := domain.CampaignStats{PromoID: promoID}

	row := r.db.QueryRowxContext(ctx, `SELECT
		COUNT(*) AS verified,
		COUNT(*) FILTER (WHERE send_count > 0) AS messaged,
		COALESCE(SUM(send_count), 0) AS sends
		FROM contacts WHERE promo_id = $1`, promoID)
	if err := row.StructScan(&stats); err != nil {
		return nil, fmt.Errorf("contact stats: verified: %w", err)
	}

	if err := r.db.GetContext(ctx, &stats.Rejected, `SELECT COUNT(*) FROM bad_contacts WHERE promo_id = $1`, promoID); err != nil {
		return nil, fmt.Errorf("contact stats: rejected: %w", err)
	}
	return &stats, nil
}
