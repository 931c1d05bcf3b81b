package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/internal/service/checkout"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
	"github.com/acme/session-dispatch/pkg/logger"
)

// ProgressFunc reports the live counters of the run in this process, if any.
type ProgressFunc func() (domain.RunSummary, bool)

// Deps are the collaborators the handlers read and mutate. Contacts,
// Outcomes and Progress may be nil; their routes answer 503 or 404 then.
type Deps struct {
	Identities identity.Store
	Registry   checkout.Registry
	Contacts   repository.ContactStore
	Outcomes   repository.OutcomeStore
	Progress   ProgressFunc
	Health     map[string]func(context.Context) error
	Capacity   int
	Logger     *logger.Logger
	Now        func() time.Time
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{deps: deps}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	identities := v1.Group("/identities")
	identities.Get("/", h.listIdentities)
	identities.Get("/:name", h.getIdentity)
	identities.Post("/:name/release", h.releaseIdentity)
	identities.Post("/:name/clear-quarantine", h.clearQuarantine)

	contacts := v1.Group("/contacts")
	contacts.Get("/:phone", h.getContact)
	contacts.Get("/:phone/outcomes", h.listOutcomes)

	v1.Get("/campaigns/:promo/stats", h.campaignStats)

	runs := v1.Group("/runs")
	runs.Get("/current", h.currentRun)
	runs.Get("/:id", h.getRun)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

func unavailable(what string) error {
	return translateError(fmt.Errorf("%w: %s not configured", apperrors.ErrUnavailable, what))
}
