package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/session-dispatch/internal/domain"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// ContactStore persists classified phone numbers. Verified contacts and
// rejected numbers live in separate collections keyed by phone.
type ContactStore interface {
	UpsertVerified(ctx context.Context, item domain.WorkItem) error
	UpsertRejected(ctx context.Context, item domain.WorkItem) error
	ContactsForCampaign(ctx context.Context, promoID string) ([]domain.WorkItem, error)
	Known(ctx context.Context, phones []int64) (map[int64]bool, error)
	Get(ctx context.Context, phone int64) (*domain.WorkItem, error)
}

// StatsReader is implemented by contact stores that can aggregate per promo.
type StatsReader interface {
	CampaignStats(ctx context.Context, promoID string) (*domain.CampaignStats, error)
}

// OutcomeStore keeps the append-only outcome history and run summaries.
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, outcome domain.Outcome) error
	ListOutcomes(ctx context.Context, phone int64, limit int, pagingState []byte) ([]domain.Outcome, []byte, error)
	OutcomeCounts(ctx context.Context, runID uuid.UUID) (map[domain.OutcomeKind]int64, error)
	SaveSummary(ctx context.Context, summary domain.RunSummary) error
	GetSummary(ctx context.Context, runID uuid.UUID) (*domain.RunSummary, error)
}
