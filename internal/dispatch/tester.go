package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/domain"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

// ErrNotEligible is returned when the named identity cannot take a test send.
var ErrNotEligible = errors.New("identity not eligible")

// SendTest sends one message from the named identity to a stored verified
// contact, to try out an identity or a template by hand. The identity is
// leased and gated like a verification checkout. An empty text renders the
// contact's promo template. A failed delivery quarantines the identity; a
// successful one is stamped on the contact but starts no send cooldown.
func (d *Dispatcher) SendTest(ctx context.Context, name string, phone int64, text string) (domain.Outcome, error) {
	names, err := d.store.List(ctx)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: %w", err)
	}
	if !slices.Contains(names, name) {
		return domain.Outcome{}, fmt.Errorf("test send: identity %s: %w", name, apperrors.ErrNotFound)
	}

	item, err := d.runner.contacts.Get(ctx, phone)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: contact %d: %w", phone, err)
	}
	if item.CheckResult != domain.CheckOK {
		return domain.Outcome{}, fmt.Errorf("test send: %w: contact %d is not verified", apperrors.ErrValidation, phone)
	}
	if text == "" {
		if text, err = d.runner.renderer.Render(*item); err != nil {
			return domain.Outcome{}, fmt.Errorf("test send: %w", err)
		}
	}

	lease, err := d.registry.Acquire(ctx, name)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: %w", err)
	}
	bctx := context.WithoutCancel(ctx)
	defer func() {
		if err := d.registry.Release(bctx, lease); err != nil {
			d.logger.Warn("dispatch: release lease", zap.String("identity", name), zap.Error(err))
		}
	}()

	ident, err := d.store.Read(bctx, name)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: %w", err)
	}
	gate := NewGate(d.store, d.clock, domain.ModeVerify, d.cfg.ContactCapacity)
	verdict, err := gate.Evaluate(bctx, ident)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: %w", err)
	}
	if verdict != domain.Eligible {
		return domain.Outcome{}, fmt.Errorf("test send: %w: %s is %s", ErrNotEligible, name, verdict)
	}

	ident.Busy = true
	if err := d.persist(bctx, ident); err != nil {
		return domain.Outcome{}, fmt.Errorf("test send: checkout: %w", err)
	}
	var result BatchResult
	defer func() { d.checkIn(bctx, ident, result) }()

	sent, status, detail, err := d.runner.deliver(bctx, ident, *item, text)
	result = BatchResult{Processed: 1, Reason: StopSingle}
	switch status {
	case sendFatal:
		result = fatal(0, err)
		return domain.Outcome{}, fmt.Errorf("test send: %w", err)
	case sendUnresolved:
		d.runner.counters.didNotGo.Add(1)
		return d.runner.emit(bctx, ident, sent, domain.OutcomeDidNotGo, detail), nil
	case sendFailed:
		d.runner.quarantine(bctx, ident, d.clock.Now())
		result.Reason = StopTransient
		return d.runner.emit(bctx, ident, sent, domain.OutcomeSendFault, detail), nil
	}
	return d.runner.emit(bctx, ident, sent, domain.OutcomeSent, ""), nil
}
