package handlers

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/dispatch"
	"github.com/acme/session-dispatch/internal/domain"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

type identityResponse struct {
	Name             string                             `json:"name"`
	Busy             bool                               `json:"busy"`
	Held             bool                               `json:"held"`
	QuarantineUntil  *time.Time                         `json:"quarantine_until,omitempty"`
	StopSendingUntil *time.Time                         `json:"stop_sending_until,omitempty"`
	PhoneBookSize    int                                `json:"phone_book_size"`
	Eligibility      map[domain.Mode]domain.Eligibility `json:"eligibility"`
}

func (h *HandlerSet) listIdentities(ctx *fiber.Ctx) error {
	names, err := h.deps.Identities.List(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}

	out := make([]identityResponse, 0, len(names))
	for _, name := range names {
		resp, err := h.describe(ctx.UserContext(), name)
		if err != nil {
			return translateError(err)
		}
		out = append(out, resp)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"identities": out})
}

func (h *HandlerSet) getIdentity(ctx *fiber.Ctx) error {
	name := ctx.Params("name")
	if err := h.ensureListed(ctx.UserContext(), name); err != nil {
		return translateError(err)
	}
	resp, err := h.describe(ctx.UserContext(), name)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

// releaseIdentity clears a checkout left behind by a crashed run. A lease
// still held by a live process is only broken with ?force=true.
func (h *HandlerSet) releaseIdentity(ctx *fiber.Ctx) error {
	rctx := ctx.UserContext()
	name := ctx.Params("name")
	if err := h.ensureListed(rctx, name); err != nil {
		return translateError(err)
	}

	held, err := h.deps.Registry.Held(rctx, name)
	if err != nil {
		return translateError(err)
	}
	if held && !ctx.QueryBool("force") {
		return fiber.NewError(http.StatusConflict, fmt.Sprintf("identity %s is checked out; pass force=true to break the lease", name))
	}
	if err := h.deps.Registry.ForceRelease(rctx, name); err != nil {
		return translateError(err)
	}

	ident, err := h.deps.Identities.Read(rctx, name)
	if err != nil {
		return translateError(err)
	}
	ident.Busy = false
	if err := h.deps.Identities.Write(rctx, ident); err != nil {
		return translateError(err)
	}
	h.deps.Logger.Info("identity released by operator", zap.String("identity", name), zap.Bool("lease_broken", held))

	resp, err := h.describe(rctx, name)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) clearQuarantine(ctx *fiber.Ctx) error {
	rctx := ctx.UserContext()
	name := ctx.Params("name")
	if err := h.ensureListed(rctx, name); err != nil {
		return translateError(err)
	}

	// A running dispatcher owns the record while it holds the lease.
	held, err := h.deps.Registry.Held(rctx, name)
	if err != nil {
		return translateError(err)
	}
	if held {
		return fiber.NewError(http.StatusConflict, fmt.Sprintf("identity %s is checked out; release it first", name))
	}

	ident, err := h.deps.Identities.Read(rctx, name)
	if err != nil {
		return translateError(err)
	}
	ident.QuarantineUntil = time.Time{}
	if err := h.deps.Identities.Write(rctx, ident); err != nil {
		return translateError(err)
	}
	h.deps.Logger.Info("quarantine cleared by operator", zap.String("identity", name))

	resp, err := h.describe(rctx, name)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

// ensureListed keeps lookups from creating records for unknown names.
func (h *HandlerSet) ensureListed(ctx context.Context, name string) error {
	names, err := h.deps.Identities.List(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, name) {
		return fmt.Errorf("identity %s: %w", name, apperrors.ErrNotFound)
	}
	return nil
}

func (h *HandlerSet) describe(ctx context.Context, name string) (identityResponse, error) {
	ident, err := h.deps.Identities.Read(ctx, name)
	if err != nil {
		return identityResponse{}, err
	}
	held, err := h.deps.Registry.Held(ctx, name)
	if err != nil {
		return identityResponse{}, err
	}

	now := h.deps.Now()
	resp := identityResponse{
		Name:          ident.Name,
		Busy:          ident.Busy,
		Held:          held,
		PhoneBookSize: len(ident.PhoneBook),
		Eligibility:   make(map[domain.Mode]domain.Eligibility, 2),
	}
	if ident.Quarantined(now) {
		resp.QuarantineUntil = &ident.QuarantineUntil
	}
	if ident.SendingStopped(now) {
		resp.StopSendingUntil = &ident.StopSendingUntil
	}
	for _, mode := range []domain.Mode{domain.ModeVerify, domain.ModeMessaging} {
		verdict, _ := dispatch.Decide(ident, mode, now, h.deps.Capacity)
		resp.Eligibility[mode] = verdict
	}
	return resp, nil
}
