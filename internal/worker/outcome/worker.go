package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/session-dispatch/internal/queue"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/pkg/logger"
)

// MessageReader is the part of kafka.Reader the worker consumes.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes outcome and summary events and persists them.
type Worker struct {
	outcomes  MessageReader
	summaries MessageReader
	store     repository.OutcomeStore
	logger    *logger.Logger
	tracer    trace.Tracer
	retry     func() backoff.BackOff
}

// New creates a new outcome worker.
func New(outcomes, summaries MessageReader, store repository.OutcomeStore, lg *logger.Logger) *Worker {
	return &Worker{
		outcomes:  outcomes,
		summaries: summaries,
		store:     store,
		logger:    lg.Named("outcomeworker"),
		tracer:    otel.Tracer("session-dispatch/outcomeworker"),
		retry: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(bo, 3)
		},
	}
}

// NewFromKafka builds readers for the configured topics.
func NewFromKafka(k *queue.Kafka, store repository.OutcomeStore, lg *logger.Logger) *Worker {
	cfg := k.Config()
	return New(
		k.NewReader(cfg.OutcomeTopic, cfg.ConsumerGroupID+"-outcomes"),
		k.NewReader(cfg.SummaryTopic, cfg.ConsumerGroupID+"-summaries"),
		store, lg,
	)
}

// Run processes events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.outcomes.Close()
	defer w.summaries.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.consume(gctx, w.outcomes, "outcomes", w.handleOutcome) })
	g.Go(func() error { return w.consume(gctx, w.summaries, "summaries", w.handleSummary) })
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, reader MessageReader, topic string, handle func(context.Context, kafka.Message) error) error {
	lg := w.logger.With(zap.String("stream", topic))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lg.Error("outcome worker: fetch", zap.Error(err))
			continue
		}

		// Undecodable and persistently failing messages are logged and
		// committed so one bad record cannot stall the partition.
		if err := handle(ctx, msg); err != nil {
			lg.Error("outcome worker: handle", zap.Error(err), zap.Int64("offset", msg.Offset))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lg.Error("outcome worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handleOutcome(ctx context.Context, msg kafka.Message) error {
	var m queue.OutcomeMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return fmt.Errorf("decode outcome: %w", err)
	}

	sctx, span := w.tracer.Start(ctx, "outcome.persist", trace.WithAttributes(
		attribute.String("run.id", m.RunID.String()),
		attribute.String("identity", m.Identity),
		attribute.String("kind", m.Kind),
	))
	defer span.End()

	err := w.persist(sctx, func() error { return w.store.AppendOutcome(sctx, m.Outcome()) })
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (w *Worker) handleSummary(ctx context.Context, msg kafka.Message) error {
	var m queue.SummaryMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}

	sctx, span := w.tracer.Start(ctx, "summary.persist", trace.WithAttributes(
		attribute.String("run.id", m.RunID.String()),
		attribute.String("halted", m.Halted),
	))
	defer span.End()

	err := w.persist(sctx, func() error { return w.store.SaveSummary(sctx, m.Summary()) })
	if err != nil {
		span.RecordError(err)
		return err
	}
	w.logger.Info("run summary stored",
		zap.String("run_id", m.RunID.String()),
		zap.String("mode", m.Mode),
		zap.String("halted", m.Halted),
	)
	return nil
}

func (w *Worker) persist(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(w.retry(), ctx))
}
