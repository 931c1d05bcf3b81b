// Package dispatch runs the identity scheduler: it selects an identity,
// gates it, checks it out under an exclusive lease, runs a bounded batch of
// work through it and checks it back in.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
	"github.com/acme/session-dispatch/internal/protocol"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/internal/service/checkout"
	"github.com/acme/session-dispatch/internal/service/render"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
	"github.com/acme/session-dispatch/pkg/logger"
)

// Halt reasons reported in the run summary.
const (
	HaltDrained       = "drained"
	HaltPoolExhausted = "pool_exhausted"
	HaltCancelled     = "cancelled"
)

// Provisioner blocks until at least one identity exists.
type Provisioner interface {
	Wait(ctx context.Context) error
}

type busyResetter interface {
	ResetBusy(ctx context.Context, keep func(name string) bool) (int, error)
}

// Options wires a Dispatcher.
type Options struct {
	Mode        domain.Mode
	PromoID     string
	Config      config.DispatchConfig
	Store       identity.Store
	Registry    checkout.Registry
	Client      protocol.Client
	Proxies     ProxySource
	Contacts    repository.ContactStore
	Renderer    render.Renderer
	Provisioner Provisioner
	Recorder    Recorder
	Clock       Clock
	Rand        *rand.Rand
	Logger      *logger.Logger
}

// Dispatcher is the scheduler loop for one run.
type Dispatcher struct {
	mode        domain.Mode
	cfg         config.DispatchConfig
	store       identity.Store
	registry    checkout.Registry
	provisioner Provisioner
	recorder    Recorder
	clock       Clock
	logger      *logger.Logger
	tracer      trace.Tracer

	queue    *Queue
	counters *Counters
	gate     *Gate
	selector *Selector
	runner   *BatchRunner
}

// New constructs a dispatcher over queue.
func New(opts Options, queue *Queue) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = Recorders{}
	}
	if opts.Registry == nil {
		opts.Registry = checkout.NewMemoryRegistry()
	}
	lg := opts.Logger.Named("dispatch").With(zap.String("mode", string(opts.Mode)))
	tracer := otel.Tracer("session-dispatch/dispatch")
	counters := NewCounters(opts.Mode, opts.PromoID, queue.Len(), opts.Clock.Now())
	selector := NewSelector(opts.Store, opts.Clock, opts.Mode, opts.Config.ContactCapacity, opts.Rand)

	d := &Dispatcher{
		mode:        opts.Mode,
		cfg:         opts.Config,
		store:       opts.Store,
		registry:    opts.Registry,
		provisioner: opts.Provisioner,
		recorder:    opts.Recorder,
		clock:       opts.Clock,
		logger:      lg,
		tracer:      tracer,
		queue:       queue,
		counters:    counters,
		gate:        NewGate(opts.Store, opts.Clock, opts.Mode, opts.Config.ContactCapacity),
		selector:    selector,
	}
	d.runner = &BatchRunner{
		cfg:      opts.Config,
		mode:     opts.Mode,
		client:   opts.Client,
		proxies:  opts.Proxies,
		contacts: opts.Contacts,
		renderer: opts.Renderer,
		store:    opts.Store,
		pinner:   selector,
		recorder: opts.Recorder,
		counters: counters,
		clock:    opts.Clock,
		rng:      opts.Rand,
		logger:   lg,
		tracer:   tracer,
	}
	return d
}

// Progress returns the live counters of the run.
func (d *Dispatcher) Progress() domain.RunSummary {
	return d.counters.Snapshot(d.queue.Len())
}

// Run loops until the queue drains, the pool is exhausted or ctx is
// cancelled. Cancellation is observed between checkouts only. The summary is
// returned in every case; the error is ctx's when the run was cancelled.
func (d *Dispatcher) Run(ctx context.Context) (domain.RunSummary, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("mode", string(d.mode)),
		attribute.Int("queue.length", d.queue.Len()),
	))
	defer span.End()

	d.resetStale(ctx)
	d.logger.Info("dispatch: run started",
		zap.String("run_id", d.counters.RunID().String()), zap.Int("pending", d.queue.Len()))

	halted := d.loop(ctx)

	summary := d.counters.Snapshot(d.queue.Len())
	summary.Halted = halted
	summary.FinishedAt = d.clock.Now()
	d.logger.Info("dispatch: run finished",
		zap.String("run_id", summary.RunID.String()),
		zap.String("halted", halted),
		zap.Int64("total", summary.Total),
		zap.Int64("added", summary.Added),
		zap.Int64("rejected", summary.Rejected),
		zap.Int64("sent", summary.Sent),
		zap.Int64("did_not_go", summary.DidNotGo),
		zap.Int64("retries", summary.Retries),
		zap.Int64("fallen", summary.Fallen),
		zap.Int64("remaining", summary.Remaining))

	if err := d.recorder.RecordSummary(context.WithoutCancel(ctx), summary); err != nil {
		d.logger.Warn("dispatch: summary not recorded", zap.Error(err))
	}
	if halted == HaltCancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (d *Dispatcher) loop(ctx context.Context) string {
	for {
		if ctx.Err() != nil {
			return HaltCancelled
		}
		if d.queue.Len() == 0 && !d.selector.Pinned() {
			return HaltDrained
		}

		name, err := d.selector.Select(ctx)
		switch {
		case err == nil:
			d.cycle(ctx, name)
		case errors.Is(err, ErrPoolExhausted):
			d.logger.Warn("dispatch: no identity can take more work")
			return HaltPoolExhausted
		case errors.Is(err, ErrNoIdentities):
			d.logger.Warn("dispatch: waiting for identities to be provisioned")
			d.awaitProvisioning(ctx)
		case ctx.Err() != nil:
			return HaltCancelled
		default:
			d.logger.Error("dispatch: select identity", zap.Error(err))
			_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
		}
	}
}

func (d *Dispatcher) awaitProvisioning(ctx context.Context) {
	if d.provisioner == nil {
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
		return
	}
	if err := d.provisioner.Wait(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("dispatch: provisioning wait", zap.Error(err))
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
	}
}

// cycle screens one selected identity without writing anything and, when it
// looks eligible, runs a checkout.
func (d *Dispatcher) cycle(ctx context.Context, name string) {
	ident, err := d.store.Read(ctx, name)
	if err != nil {
		d.logger.Error("dispatch: read identity", zap.String("identity", name), zap.Error(err))
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
		return
	}
	verdict, _ := Decide(ident, d.mode, d.clock.Now(), d.cfg.ContactCapacity)
	if !d.admit(ctx, name, verdict) {
		return
	}
	d.checkout(ctx, name)
}

// admit reports whether verdict lets the identity be checked out. Busy
// identities cost a BusyBackoff sleep.
func (d *Dispatcher) admit(ctx context.Context, name string, verdict domain.Eligibility) bool {
	switch verdict {
	case domain.Eligible:
		return true
	case domain.Busy:
		d.logger.Debug("dispatch: identity busy", zap.String("identity", name))
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
	default:
		d.logger.Debug("dispatch: identity not eligible", zap.String("identity", name), zap.String("verdict", string(verdict)))
	}
	return false
}

// checkout leases name, then reads and gates the record again: another
// process may have worked the identity between the screen and the lease.
func (d *Dispatcher) checkout(ctx context.Context, name string) {
	ctx, span := d.tracer.Start(ctx, "dispatch.checkout", trace.WithAttributes(attribute.String("identity", name)))
	defer span.End()

	lease, err := d.registry.Acquire(ctx, name)
	if errors.Is(err, checkout.ErrHeld) {
		d.logger.Debug("dispatch: identity leased elsewhere", zap.String("identity", name))
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
		return
	}
	if err != nil {
		span.RecordError(err)
		d.logger.Error("dispatch: acquire lease", zap.String("identity", name), zap.Error(err))
		return
	}

	// The batch runs to its own stopping point even if the operator aborts.
	bctx := context.WithoutCancel(ctx)
	defer func() {
		if err := d.registry.Release(bctx, lease); err != nil {
			d.logger.Warn("dispatch: release lease", zap.String("identity", name), zap.Error(err))
		}
	}()

	ident, err := d.store.Read(bctx, name)
	if err != nil {
		span.RecordError(err)
		d.logger.Error("dispatch: read leased identity", zap.String("identity", name), zap.Error(err))
		return
	}
	verdict, err := d.gate.Evaluate(bctx, ident)
	if err != nil {
		d.logger.Warn("dispatch: gate", zap.String("identity", name), zap.Error(err))
	}
	if !d.admit(ctx, name, verdict) {
		span.SetAttributes(attribute.String("verdict", string(verdict)))
		return
	}

	ident.Busy = true
	if err := d.persist(bctx, ident); err != nil {
		span.RecordError(err)
		d.logger.Error("dispatch: checkout not persisted", zap.String("identity", name), zap.Error(err))
		return
	}

	var result BatchResult
	defer func() { d.checkIn(bctx, ident, result) }()

	result = d.runner.Run(bctx, ident, d.queue)
	span.SetAttributes(
		attribute.String("stop_reason", string(result.Reason)),
		attribute.Int("processed", result.Processed),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	if result.Reason == StopDeferred {
		_ = d.clock.Sleep(ctx, d.cfg.BusyBackoff)
	}
}

func (d *Dispatcher) checkIn(ctx context.Context, ident *domain.Identity, result BatchResult) {
	ident.Busy = false
	if err := d.persist(ctx, ident); err != nil {
		d.logger.Error("dispatch: check-in not persisted", zap.String("identity", ident.Name), zap.Error(err))
	}

	d.logger.Info("dispatch: identity checked in",
		zap.String("identity", ident.Name),
		zap.String("stop_reason", string(result.Reason)),
		zap.Int("processed", result.Processed),
		zap.Int("pending", d.queue.Len()))

	if result.Reason != StopFatal {
		return
	}
	d.counters.fallen.Add(1)
	d.selector.Exclude(ident.Name)
	d.logger.Warn("dispatch: identity fell", zap.String("identity", ident.Name), zap.Error(result.Err))
	if !result.Fallen {
		return
	}
	if err := d.store.MarkFallen(ctx, ident.Name); err != nil {
		d.logger.Error("dispatch: move fallen identity", zap.String("identity", ident.Name), zap.Error(err))
	}
}

// persist writes ident with a short retry; validation failures are final.
func (d *Dispatcher) persist(ctx context.Context, ident *domain.Identity) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxElapsedTime = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, 2), ctx)

	return backoff.Retry(func() error {
		err := d.store.Write(ctx, ident)
		if errors.Is(err, apperrors.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// resetStale clears busy flags left behind by a previous process, keeping
// those whose lease is still held.
func (d *Dispatcher) resetStale(ctx context.Context) {
	resetter, ok := d.store.(busyResetter)
	if !ok {
		return
	}
	n, err := resetter.ResetBusy(ctx, func(name string) bool {
		held, err := d.registry.Held(ctx, name)
		return err != nil || held
	})
	if err != nil {
		d.logger.Warn("dispatch: reset stale busy flags", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("dispatch: stale busy flags cleared", zap.Int("count", n))
	}
}
