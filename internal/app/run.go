package app

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/session-dispatch/internal/api"
	"github.com/acme/session-dispatch/internal/api/handlers"
	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/dispatch"
	"github.com/acme/session-dispatch/internal/domain"
)

// HandlerDeps assembles the API collaborators from the container.
func (c *Container) HandlerDeps(progress handlers.ProgressFunc) handlers.Deps {
	svcs := c.Services()
	repos := c.Repositories()
	return handlers.Deps{
		Identities: c.Identities,
		Registry:   svcs.Registry,
		Contacts:   repos.Contacts,
		Outcomes:   repos.Outcomes,
		Progress:   progress,
		Health:     c.HealthChecks(),
		Capacity:   c.Config.Dispatch.ContactCapacity,
		Logger:     c.Logger,
	}
}

// RunDispatch drains items through a dispatcher in mode. When the HTTP
// surface is enabled it serves alongside the run and stops with it.
func (c *Container) RunDispatch(ctx context.Context, mode domain.Mode, promoID string, cfg config.DispatchConfig, items []domain.WorkItem) (domain.RunSummary, error) {
	d := c.NewDispatcher(mode, promoID, cfg, dispatch.NewQueue(items))

	if !c.Config.HTTP.Enabled {
		return d.Run(ctx)
	}

	var running atomic.Bool
	running.Store(true)
	progress := func() (domain.RunSummary, bool) {
		return d.Progress(), running.Load()
	}
	server := api.NewServer(c.Config.HTTP, handlers.NewHandlerSet(c.HandlerDeps(progress)))

	serveCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()

	var (
		g       errgroup.Group
		summary domain.RunSummary
	)
	g.Go(func() error {
		c.Logger.Info("api listening", zap.Int("port", c.Config.HTTP.Port))
		// A failed listener does not abort the run.
		if err := server.Start(serveCtx); err != nil {
			c.Logger.Error("api server stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer stopServer()
		defer running.Store(false)
		var err error
		summary, err = d.Run(ctx)
		return err
	})

	return summary, g.Wait()
}
