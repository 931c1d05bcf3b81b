package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/session-dispatch/internal/domain"
)

type runResponse struct {
	RunID      string                       `json:"run_id"`
	Mode       string                       `json:"mode"`
	PromoID    string                       `json:"promo_id,omitempty"`
	Total      int64                        `json:"total"`
	Added      int64                        `json:"added"`
	Rejected   int64                        `json:"rejected"`
	Sent       int64                        `json:"sent"`
	DidNotGo   int64                        `json:"did_not_go"`
	Retries    int64                        `json:"retries"`
	Fallen     int64                        `json:"fallen"`
	Remaining  int64                        `json:"remaining"`
	Halted     string                       `json:"halted,omitempty"`
	StartedAt  string                       `json:"started_at"`
	FinishedAt string                       `json:"finished_at,omitempty"`
	Outcomes   map[domain.OutcomeKind]int64 `json:"outcomes,omitempty"`
}

func (h *HandlerSet) currentRun(ctx *fiber.Ctx) error {
	if h.deps.Progress == nil {
		return fiber.NewError(http.StatusNotFound, "no run in this process")
	}
	summary, ok := h.deps.Progress()
	if !ok {
		return fiber.NewError(http.StatusNotFound, "no run in this process")
	}
	return ctx.Status(http.StatusOK).JSON(toRunResponse(summary))
}

func (h *HandlerSet) getRun(ctx *fiber.Ctx) error {
	if h.deps.Outcomes == nil {
		return unavailable("outcome store")
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid run id")
	}

	summary, err := h.deps.Outcomes.GetSummary(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	counts, err := h.deps.Outcomes.OutcomeCounts(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := toRunResponse(*summary)
	resp.Outcomes = counts
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toRunResponse(s domain.RunSummary) runResponse {
	resp := runResponse{
		RunID:     s.RunID.String(),
		Mode:      string(s.Mode),
		PromoID:   s.PromoID,
		Total:     s.Total,
		Added:     s.Added,
		Rejected:  s.Rejected,
		Sent:      s.Sent,
		DidNotGo:  s.DidNotGo,
		Retries:   s.Retries,
		Fallen:    s.Fallen,
		Remaining: s.Remaining,
		Halted:    s.Halted,
		StartedAt: s.StartedAt.UTC().Format(timeLayout),
	}
	if !s.FinishedAt.IsZero() {
		resp.FinishedAt = s.FinishedAt.UTC().Format(timeLayout)
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
