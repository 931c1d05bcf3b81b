package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/session-dispatch/internal/domain"
)

// OutcomeMessage carries one processed work item.
type OutcomeMessage struct {
	RunID      uuid.UUID `json:"run_id"`
	Mode       string    `json:"mode"`
	Identity   string    `json:"identity"`
	Phone      int64     `json:"phone"`
	PromoID    string    `json:"promo_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SummaryMessage carries the counters of a finished run.
type SummaryMessage struct {
	RunID      uuid.UUID `json:"run_id"`
	Mode       string    `json:"mode"`
	PromoID    string    `json:"promo_id,omitempty"`
	Total      int64     `json:"total"`
	Added      int64     `json:"added"`
	Rejected   int64     `json:"rejected"`
	Sent       int64     `json:"sent"`
	DidNotGo   int64     `json:"did_not_go"`
	Retries    int64     `json:"retries"`
	Fallen     int64     `json:"fallen"`
	Remaining  int64     `json:"remaining"`
	Halted     string    `json:"halted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewOutcomeMessage(o domain.Outcome) OutcomeMessage {
	return OutcomeMessage{
		RunID:      o.RunID,
		Mode:       string(o.Mode),
		Identity:   o.Identity,
		Phone:      o.Phone,
		PromoID:    o.PromoID,
		Kind:       string(o.Kind),
		Detail:     o.Detail,
		OccurredAt: o.OccurredAt,
	}
}

func (m OutcomeMessage) Outcome() domain.Outcome {
	return domain.Outcome{
		RunID:      m.RunID,
		Mode:       domain.Mode(m.Mode),
		Identity:   m.Identity,
		Phone:      m.Phone,
		PromoID:    m.PromoID,
		Kind:       domain.OutcomeKind(m.Kind),
		Detail:     m.Detail,
		OccurredAt: m.OccurredAt,
	}
}

func NewSummaryMessage(s domain.RunSummary) SummaryMessage {
	return SummaryMessage{
		RunID:      s.RunID,
		Mode:       string(s.Mode),
		PromoID:    s.PromoID,
		Total:      s.Total,
		Added:      s.Added,
		Rejected:   s.Rejected,
		Sent:       s.Sent,
		DidNotGo:   s.DidNotGo,
		Retries:    s.Retries,
		Fallen:     s.Fallen,
		Remaining:  s.Remaining,
		Halted:     s.Halted,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func (m SummaryMessage) Summary() domain.RunSummary {
	return domain.RunSummary{
		RunID:      m.RunID,
		Mode:       domain.Mode(m.Mode),
		PromoID:    m.PromoID,
		Total:      m.Total,
		Added:      m.Added,
		Rejected:   m.Rejected,
		Sent:       m.Sent,
		DidNotGo:   m.DidNotGo,
		Retries:    m.Retries,
		Fallen:     m.Fallen,
		Remaining:  m.Remaining,
		Halted:     m.Halted,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}
