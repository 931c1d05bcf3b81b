package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/internal/service/common"
	"github.com/acme/session-dispatch/internal/service/ingest"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

type contactResponse struct {
	Phone       int64      `json:"phone"`
	PromoID     string     `json:"promo_id,omitempty"`
	Var1        string     `json:"var_1,omitempty"`
	Var2        string     `json:"var_2,omitempty"`
	Var3        string     `json:"var_3,omitempty"`
	CheckResult string     `json:"check_result"`
	UserID      int64      `json:"user_id,omitempty"`
	Username    string     `json:"username,omitempty"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	CheckedBy   string     `json:"checked_by,omitempty"`
	CheckedAt   *time.Time `json:"checked_at,omitempty"`
	LastSentBy  string     `json:"last_sent_by,omitempty"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`
	SendCount   int        `json:"send_count"`
}

type outcomeResponse struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Identity   string    `json:"identity"`
	PromoID    string    `json:"promo_id,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *HandlerSet) getContact(ctx *fiber.Ctx) error {
	if h.deps.Contacts == nil {
		return unavailable("contact store")
	}
	phone, err := ingest.ParsePhone(ctx.Params("phone"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid phone")
	}

	item, err := h.deps.Contacts.Get(ctx.UserContext(), phone)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toContactResponse(item))
}

func (h *HandlerSet) listOutcomes(ctx *fiber.Ctx) error {
	if h.deps.Outcomes == nil {
		return unavailable("outcome store")
	}
	phone, err := ingest.ParsePhone(ctx.Params("phone"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid phone")
	}

	limit := ctx.QueryInt("limit", defaultOutcomeLimit)
	if limit <= 0 || limit > maxOutcomeLimit {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxOutcomeLimit))
	}

	var pagingState []byte
	if token := ctx.Query("page_token"); token != "" {
		pagingState, err = common.DecodePageToken(token, phone)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page_token")
		}
	}

	outcomes, next, err := h.deps.Outcomes.ListOutcomes(ctx.UserContext(), phone, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	items := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		items = append(items, outcomeResponse{
			RunID:      o.RunID.String(),
			Mode:       string(o.Mode),
			Identity:   o.Identity,
			PromoID:    o.PromoID,
			Kind:       string(o.Kind),
			Detail:     o.Detail,
			OccurredAt: o.OccurredAt,
		})
	}

	resp := fiber.Map{"outcomes": items}
	if len(next) > 0 {
		resp["next_page_token"] = common.EncodePageToken(phone, next)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	stats, ok := h.deps.Contacts.(repository.StatsReader)
	if !ok {
		return fiber.NewError(http.StatusNotImplemented, "contact store does not aggregate campaigns")
	}
	result, err := stats.CampaignStats(ctx.UserContext(), ctx.Params("promo"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(result)
}

func toContactResponse(item *domain.WorkItem) contactResponse {
	return contactResponse{
		Phone:       item.Phone,
		PromoID:     item.PromoID,
		Var1:        item.Var1,
		Var2:        item.Var2,
		Var3:        item.Var3,
		CheckResult: string(item.CheckResult),
		UserID:      item.UserID,
		Username:    item.Username,
		FirstName:   item.FirstName,
		LastName:    item.LastName,
		CheckedBy:   item.CheckedBy,
		CheckedAt:   optionalTime(item.CheckedAt),
		LastSentBy:  item.LastSentBy,
		LastSentAt:  optionalTime(item.LastSentAt),
		SendCount:   item.SendCount,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
