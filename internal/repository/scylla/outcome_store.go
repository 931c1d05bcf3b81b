package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
)

const defaultPageSize = 100

// OutcomeStore persists outcome history and run summaries in Scylla.
type OutcomeStore struct {
	session *gocql.Session
}

// NewOutcomeStore creates a new outcome store.
func NewOutcomeStore(session *gocql.Session) *OutcomeStore {
	return &OutcomeStore{session: session}
}

// AppendOutcome inserts an outcome record.
func (s *OutcomeStore) AppendOutcome(ctx context.Context, o domain.Outcome) error {
	if err := s.session.Query(`INSERT INTO outcomes_by_phone (phone, occurred_at, run_id, mode, identity, promo_id, kind, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Phone, o.OccurredAt, o.RunID.String(), string(o.Mode), o.Identity, o.PromoID, string(o.Kind), o.Detail,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("outcome store: insert outcomes_by_phone: %w", err)
	}

	if err := s.session.Query(`UPDATE outcome_counts SET total = total + 1 WHERE run_id = ? AND kind = ?`,
		o.RunID.String(), string(o.Kind),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("outcome store: bump outcome_counts: %w", err)
	}
	return nil
}

// ListOutcomes lists the history of a phone, newest first, with pagination.
func (s *OutcomeStore) ListOutcomes(ctx context.Context, phone int64, limit int, pagingState []byte) ([]domain.Outcome, []byte, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := s.session.Query(`SELECT occurred_at, run_id, mode, identity, promo_id, kind, detail
		FROM outcomes_by_phone WHERE phone = ?`, phone).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	outcomes := make([]domain.Outcome, 0, limit)

	var (
		occurred time.Time
		runIDStr string
		mode     string
		ident    string
		promo    string
		kind     string
		detail   string
	)

	for iter.Scan(&occurred, &runIDStr, &mode, &ident, &promo, &kind, &detail) {
		runID, err := uuid.Parse(runIDStr)
		if err != nil {
			continue
		}
		outcomes = append(outcomes, domain.Outcome{
			RunID:      runID,
			Mode:       domain.Mode(mode),
			Identity:   ident,
			Phone:      phone,
			PromoID:    promo,
			Kind:       domain.OutcomeKind(kind),
			Detail:     detail,
			OccurredAt: occurred,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("outcome store: iter close: %w", err)
	}

	return outcomes, iter.PageState(), nil
}

// OutcomeCounts returns the per-kind totals recorded for a run.
func (s *OutcomeStore) OutcomeCounts(ctx context.Context, runID uuid.UUID) (map[domain.OutcomeKind]int64, error) {
	iter := s.session.Query(`SELECT kind, total FROM outcome_counts WHERE run_id = ?`, runID.String()).WithContext(ctx).Iter()

	counts := make(map[domain.OutcomeKind]int64)
	var (
		kind  string
		total int64
	)
	for iter.Scan(&kind, &total) {
		counts[domain.OutcomeKind(kind)] = total
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("outcome store: counts close: %w", err)
	}
	return counts, nil
}

// SaveSummary upserts a run summary.
func (s *OutcomeStore) SaveSummary(ctx context.Context, sum domain.RunSummary) error {
	if err := s.session.Query(`INSERT INTO run_summaries (run_id, mode, promo_id, total, added, rejected, sent, did_not_go, retries, fallen, remaining, halted, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID.String(), string(sum.Mode), sum.PromoID, sum.Total, sum.Added, sum.Rejected, sum.Sent, sum.DidNotGo,
		sum.Retries, sum.Fallen, sum.Remaining, sum.Halted, sum.StartedAt, sum.FinishedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("outcome store: insert run_summaries: %w", err)
	}
	return nil
}

// GetSummary retrieves a run summary by ID.
func (s *OutcomeStore) GetSummary(ctx context.Context, runID uuid.UUID) (*domain.RunSummary, error) {
	sum := domain.RunSummary{RunID: runID}
	var mode string
	err := s.session.Query(`SELECT mode, promo_id, total, added, rejected, sent, did_not_go, retries, fallen, remaining, halted, started_at, finished_at
		FROM run_summaries WHERE run_id = ?`, runID.String()).WithContext(ctx).Scan(
		&mode, &sum.PromoID, &sum.Total, &sum.Added, &sum.Rejected, &sum.Sent, &sum.DidNotGo,
		&sum.Retries, &sum.Fallen, &sum.Remaining, &sum.Halted, &sum.StartedAt, &sum.FinishedAt,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outcome store: get summary: %w", err)
	}
	sum.Mode = domain.Mode(mode)
	return &sum, nil
}
