package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
	"github.com/acme/session-dispatch/internal/protocol"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/internal/service/proxy"
	"github.com/acme/session-dispatch/internal/service/render"
	"github.com/acme/session-dispatch/pkg/logger"
)

// StopReason says why a batch ended.
type StopReason string

const (
	StopDrained   StopReason = "drained"
	StopBudget    StopReason = "budget"
	StopCapacity  StopReason = "capacity"
	StopTransient StopReason = "transient"
	StopStorage   StopReason = "storage"
	StopFatal     StopReason = "fatal"
	StopSingle    StopReason = "single"
	StopPinned    StopReason = "pinned"
	StopDeferred  StopReason = "deferred"
)

// BatchResult reports how one checkout went.
type BatchResult struct {
	Processed int
	Reason    StopReason
	Err       error
	// Fallen is set when the identity's credentials are unusable and its
	// files should leave the working pool.
	Fallen bool
}

// ProxySource resolves the proxy for an identity.
type ProxySource interface {
	For(ident *domain.Identity) (*proxy.Proxy, error)
}

// Pinner lets the batch ask for a specific identity on the next cycle.
type Pinner interface {
	Pin(name string) bool
	Excluded(name string) bool
}

// BatchRunner drains work items against one checked-out identity.
type BatchRunner struct {
	cfg      config.DispatchConfig
	mode     domain.Mode
	client   protocol.Client
	proxies  ProxySource
	contacts repository.ContactStore
	renderer render.Renderer
	store    identity.Store
	pinner   Pinner
	recorder Recorder
	counters *Counters
	clock    Clock
	rng      *rand.Rand
	logger   *logger.Logger
	tracer   trace.Tracer

	// refused tracks identities that had no phone book room for an item.
	refused map[int64]map[string]bool
}

// Run processes work for ident until a stop condition. It never panics and
// never returns early because ctx was cancelled; callers detach ctx from
// operator cancellation before calling.
func (b *BatchRunner) Run(ctx context.Context, ident *domain.Identity, q *Queue) (res BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = BatchResult{Processed: res.Processed, Reason: StopFatal, Err: fmt.Errorf("batch panic: %v", r)}
		}
	}()
	if b.mode == domain.ModeMessaging {
		return b.runMessaging(ctx, ident, q)
	}
	return b.runVerify(ctx, ident, q)
}

func (b *BatchRunner) runVerify(ctx context.Context, ident *domain.Identity, q *Queue) BatchResult {
	if q.Len() == 0 {
		return BatchResult{Reason: StopDrained}
	}
	sess, err := b.connect(ctx, ident)
	if err != nil {
		return fatal(0, err)
	}
	defer b.close(ident, sess)

	processed := 0
	for {
		if len(ident.PhoneBook) >= b.cfg.ContactCapacity {
			return BatchResult{Processed: processed, Reason: StopCapacity}
		}
		item, ok := q.Pop()
		if !ok {
			return BatchResult{Processed: processed, Reason: StopDrained}
		}
		if ident.HasPhone(item.Phone) {
			b.emit(ctx, ident, item, domain.OutcomeSkipped, "already in phone book")
			continue
		}

		reason, err := b.verifyItem(ctx, ident, sess, q, item)
		if reason == StopFatal {
			return fatal(processed, err)
		}
		processed++
		switch {
		case reason != "":
			return BatchResult{Processed: processed, Reason: reason, Err: err}
		case processed >= b.cfg.MaxRequests:
			return BatchResult{Processed: processed, Reason: StopBudget}
		case q.Len() == 0:
			return BatchResult{Processed: processed, Reason: StopDrained}
		}
		_ = b.clock.Sleep(ctx, b.delay())
	}
}

// verifyItem resolves one phone. A non-empty reason ends the batch.
func (b *BatchRunner) verifyItem(ctx context.Context, ident *domain.Identity, sess protocol.Session, q *Queue, item domain.WorkItem) (StopReason, error) {
	ctx, span := b.tracer.Start(ctx, "dispatch.item", trace.WithAttributes(
		attribute.String("identity", ident.Name),
		attribute.Int64("phone", item.Phone),
	))
	defer span.End()

	cctx, cancel := withTimeout(ctx, b.cfg.CallTimeout)
	res, err := sess.ResolvePhone(cctx, item.Phone)
	cancel()
	if err != nil {
		span.RecordError(err)
		if protocol.IsFatal(err) {
			q.Retry(item)
			return StopFatal, err
		}
		res = protocol.Resolution{Status: protocol.TransientError, Detail: err.Error()}
	}

	now := b.clock.Now()
	item.CheckedBy = ident.Name
	item.CheckedAt = now

	switch res.Status {
	case protocol.Found:
		item.CheckResult = domain.CheckOK
		item.UserID = res.UserID
		item.AccessHash = res.AccessHash
		item.Username = res.Username
		item.FirstName = res.FirstName
		item.LastName = res.LastName
		if err := b.contacts.UpsertVerified(ctx, item); err != nil {
			return b.storageFailure(ctx, span, ident, q, item, err)
		}
		ident.PhoneBook = append(ident.PhoneBook, item)
		b.counters.added.Add(1)
		b.save(ctx, ident)
		b.emit(ctx, ident, item, domain.OutcomeVerified, "")
		if len(ident.PhoneBook) >= b.cfg.ContactCapacity {
			return StopCapacity, nil
		}
		return "", nil

	case protocol.NotFound:
		item.CheckResult = domain.CheckNotFound
		if err := b.contacts.UpsertRejected(ctx, item); err != nil {
			return b.storageFailure(ctx, span, ident, q, item, err)
		}
		b.counters.rejected.Add(1)
		b.emit(ctx, ident, item, domain.OutcomeRejected, "")
		return "", nil

	default:
		item.CheckResult = domain.CheckError(res.Detail)
		q.Retry(item)
		b.quarantine(ctx, ident, now)
		b.counters.retries.Add(1)
		span.SetStatus(codes.Error, res.Detail)
		b.emit(ctx, ident, item, domain.OutcomeRetry, res.Detail)
		return StopTransient, nil
	}
}

func (b *BatchRunner) storageFailure(ctx context.Context, span trace.Span, ident *domain.Identity, q *Queue, item domain.WorkItem, err error) (StopReason, error) {
	span.RecordError(err)
	item.CheckResult = domain.CheckUnset
	q.Retry(item)
	b.logger.Error("dispatch: contact store write failed",
		zap.String("identity", ident.Name), zap.Int64("phone", item.Phone), zap.Error(err))
	return StopStorage, err
}

func (b *BatchRunner) runMessaging(ctx context.Context, ident *domain.Identity, q *Queue) BatchResult {
	item, ok := q.Peek()
	if !ok {
		return BatchResult{Reason: StopDrained}
	}

	text, err := b.renderer.Render(item)
	if err != nil {
		q.Pop()
		b.didNotGo(ctx, ident, item, err.Error())
		return BatchResult{Reason: StopSingle}
	}

	if b.cfg.StickyRetry && item.Username == "" && item.CheckedBy != "" && item.CheckedBy != ident.Name {
		if reason, handled := b.stick(ctx, item, q); handled {
			return BatchResult{Reason: reason}
		}
	}

	// Resolving a handle imports a contact, which needs phone book room.
	if item.Username == "" && item.CheckedBy != ident.Name && len(ident.PhoneBook) >= b.cfg.ContactCapacity {
		return b.refuseFull(ctx, ident, item, q)
	}

	item, status, detail, err := b.deliver(ctx, ident, item, text)
	switch status {
	case sendFatal:
		return fatal(0, err)
	case sendUnresolved:
		q.Pop()
		b.didNotGo(ctx, ident, item, detail)
		return BatchResult{Processed: 1, Reason: StopSingle}
	case sendFailed:
		q.Pop()
		q.Retry(item)
		b.quarantine(ctx, ident, b.clock.Now())
		b.counters.retries.Add(1)
		b.emit(ctx, ident, item, domain.OutcomeSendFault, detail)
		return BatchResult{Processed: 1, Reason: StopTransient}
	}

	q.Pop()
	ident.StopSendingUntil = item.LastSentAt.Add(b.cfg.SendCooldown)
	b.save(ctx, ident)
	b.emit(ctx, ident, item, domain.OutcomeSent, "")
	return BatchResult{Processed: 1, Reason: StopSingle}
}

// refuseFull sends item to the head of the queue for another identity. Once
// every usable identity has refused it the item is dropped as did_not_go.
func (b *BatchRunner) refuseFull(ctx context.Context, ident *domain.Identity, item domain.WorkItem, q *Queue) BatchResult {
	if b.refused == nil {
		b.refused = make(map[int64]map[string]bool)
	}
	by := b.refused[item.Phone]
	if by == nil {
		by = make(map[string]bool)
		b.refused[item.Phone] = by
	}
	by[ident.Name] = true

	q.Pop()
	names, err := b.store.List(ctx)
	if err == nil && !slices.ContainsFunc(names, func(n string) bool { return !by[n] && !b.pinner.Excluded(n) }) {
		delete(b.refused, item.Phone)
		b.didNotGo(ctx, ident, item, "phone book full on every identity")
		return BatchResult{Reason: StopSingle}
	}
	q.Defer(item)
	b.logger.Debug("dispatch: phone book full, item deferred",
		zap.String("identity", ident.Name), zap.Int64("phone", item.Phone))
	return BatchResult{Reason: StopCapacity}
}

type sendStatus int

const (
	sendDelivered sendStatus = iota
	sendUnresolved
	sendFailed
	sendFatal
)

// deliver connects as ident and sends text to item, resolving the handle
// first when the contact has no username. A delivered item comes back with
// its send stamps set and already stored.
func (b *BatchRunner) deliver(ctx context.Context, ident *domain.Identity, item domain.WorkItem, text string) (domain.WorkItem, sendStatus, string, error) {
	sess, err := b.connect(ctx, ident)
	if err != nil {
		return item, sendFatal, "", err
	}
	defer b.close(ident, sess)

	ctx, span := b.tracer.Start(ctx, "dispatch.item", trace.WithAttributes(
		attribute.String("identity", ident.Name),
		attribute.Int64("phone", item.Phone),
	))
	defer span.End()

	target := protocol.Target{Username: item.Username}
	if item.Username == "" {
		cctx, cancel := withTimeout(ctx, b.cfg.CallTimeout)
		res, err := sess.ResolvePhone(cctx, item.Phone)
		cancel()
		if err != nil && protocol.IsFatal(err) {
			span.RecordError(err)
			return item, sendFatal, "", err
		}
		if err != nil || res.Status != protocol.Found {
			detail := "handle not resolved"
			if err != nil {
				detail = err.Error()
			} else if res.Detail != "" {
				detail = res.Detail
			}
			return item, sendUnresolved, detail, nil
		}
		item.UserID = res.UserID
		item.AccessHash = res.AccessHash
		item.CheckedBy = ident.Name
		item.CheckedAt = b.clock.Now()
		target = protocol.Target{UserID: res.UserID, AccessHash: res.AccessHash}
	}

	cctx, cancel := withTimeout(ctx, b.cfg.CallTimeout)
	delivery, err := sess.SendMessage(cctx, target, text)
	cancel()
	if err != nil {
		span.RecordError(err)
		if protocol.IsFatal(err) {
			return item, sendFatal, "", err
		}
		delivery = protocol.Delivery{Detail: err.Error()}
	}
	if !delivery.Delivered {
		span.SetStatus(codes.Error, delivery.Detail)
		return item, sendFailed, delivery.Detail, nil
	}

	item.SendCount++
	item.LastSentBy = ident.Name
	item.LastSentAt = b.clock.Now()
	b.counters.sent.Add(1)
	if err := b.contacts.UpsertVerified(ctx, item); err != nil {
		b.logger.Error("dispatch: send recorded only in outcome log",
			zap.String("identity", ident.Name), zap.Int64("phone", item.Phone), zap.Error(err))
	}
	return item, sendDelivered, "", nil
}

// stick routes an item whose account was resolved by another identity back
// to that identity. handled is false when the owner is gone from the pool.
func (b *BatchRunner) stick(ctx context.Context, item domain.WorkItem, q *Queue) (StopReason, bool) {
	owner := item.CheckedBy
	if b.pinner.Excluded(owner) {
		return "", false
	}
	names, err := b.store.List(ctx)
	if err != nil || !slices.Contains(names, owner) {
		return "", false
	}
	ident, err := b.store.Read(ctx, owner)
	if err != nil {
		return "", false
	}
	if verdict, _ := Decide(ident, b.mode, b.clock.Now(), b.cfg.ContactCapacity); verdict == domain.Eligible && b.pinner.Pin(owner) {
		b.logger.Debug("dispatch: pinned owner for next cycle", zap.String("identity", owner), zap.Int64("phone", item.Phone))
		return StopPinned, true
	}
	q.Pop()
	q.Defer(item)
	b.logger.Debug("dispatch: owner unavailable, item deferred", zap.String("identity", owner), zap.Int64("phone", item.Phone))
	return StopDeferred, true
}

func (b *BatchRunner) connect(ctx context.Context, ident *domain.Identity) (protocol.Session, error) {
	px, err := b.proxies.For(ident)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %w", ident.Name, protocol.ErrConnect, err)
	}

	dctx, cancel := withTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	sess, err := b.client.Dial(dctx, ident, px)
	if err != nil {
		return nil, err
	}
	acct, err := sess.Whoami(dctx)
	if err != nil {
		_ = sess.Close()
		if protocol.IsFatal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("connect %s: %w: %w", ident.Name, protocol.ErrConnect, err)
	}
	b.logger.Info("dispatch: connected",
		zap.String("identity", ident.Name),
		zap.String("proxy", px.String()),
		zap.String("account", acct.FirstName+" "+acct.LastName),
		zap.Int64("user_id", acct.UserID))
	return sess, nil
}

func (b *BatchRunner) close(ident *domain.Identity, sess protocol.Session) {
	if err := sess.Close(); err != nil {
		b.logger.Warn("dispatch: session close", zap.String("identity", ident.Name), zap.Error(err))
	}
}

func (b *BatchRunner) quarantine(ctx context.Context, ident *domain.Identity, now time.Time) {
	ident.QuarantineUntil = now.Add(b.cfg.QuarantinePeriod)
	b.save(ctx, ident)
	b.logger.Warn("dispatch: identity quarantined",
		zap.String("identity", ident.Name), zap.Time("until", ident.QuarantineUntil))
}

func (b *BatchRunner) didNotGo(ctx context.Context, ident *domain.Identity, item domain.WorkItem, detail string) {
	b.counters.didNotGo.Add(1)
	b.emit(ctx, ident, item, domain.OutcomeDidNotGo, detail)
}

// save persists mid-batch progress. A failure is logged; check-in writes the
// full state again.
func (b *BatchRunner) save(ctx context.Context, ident *domain.Identity) {
	if err := b.store.Write(ctx, ident); err != nil {
		b.logger.Warn("dispatch: identity progress not saved", zap.String("identity", ident.Name), zap.Error(err))
	}
}

func (b *BatchRunner) emit(ctx context.Context, ident *domain.Identity, item domain.WorkItem, kind domain.OutcomeKind, detail string) domain.Outcome {
	outcome := domain.Outcome{
		RunID:      b.counters.RunID(),
		Mode:       b.mode,
		Identity:   ident.Name,
		Phone:      item.Phone,
		PromoID:    item.PromoID,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: b.clock.Now(),
	}
	fields := []zap.Field{
		zap.String("identity", ident.Name),
		zap.Int64("phone", item.Phone),
		zap.String("mode", string(b.mode)),
		zap.String("outcome", string(kind)),
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	b.logger.WithContext(ctx).Info("dispatch: item processed", fields...)

	if err := b.recorder.RecordOutcome(ctx, outcome); err != nil {
		b.logger.Warn("dispatch: outcome not recorded", zap.Int64("phone", item.Phone), zap.Error(err))
	}
	return outcome
}

func (b *BatchRunner) delay() time.Duration {
	spread := b.cfg.DelayMax - b.cfg.DelayMin
	if spread <= 0 {
		return b.cfg.DelayMin
	}
	return b.cfg.DelayMin + time.Duration(b.rng.Int63n(int64(spread)+1))
}

func fatal(processed int, err error) BatchResult {
	return BatchResult{
		Processed: processed,
		Reason:    StopFatal,
		Err:       err,
		Fallen:    errors.Is(err, protocol.ErrAuth) || errors.Is(err, context.DeadlineExceeded),
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
