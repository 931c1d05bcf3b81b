package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/session-dispatch/internal/domain"
)

// MessageWriter is the part of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomePublisher emits outcomes and run summaries to Kafka.
type OutcomePublisher struct {
	outcomes  MessageWriter
	summaries MessageWriter
}

// NewOutcomePublisher constructs a publisher for the configured topics.
func NewOutcomePublisher(k *Kafka) *OutcomePublisher {
	cfg := k.Config()
	return &OutcomePublisher{
		outcomes:  k.NewWriter(cfg.OutcomeTopic),
		summaries: k.NewWriter(cfg.SummaryTopic),
	}
}

// NewOutcomePublisherWithWriters is used when the writers are built elsewhere.
func NewOutcomePublisherWithWriters(outcomes, summaries MessageWriter) *OutcomePublisher {
	return &OutcomePublisher{outcomes: outcomes, summaries: summaries}
}

// RecordOutcome publishes an outcome keyed by phone so that the history of
// one phone stays on one partition.
func (p *OutcomePublisher) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	value, err := json.Marshal(NewOutcomeMessage(o))
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal outcome: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(strconv.FormatInt(o.Phone, 10)),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.outcomes.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write outcome: %w", err)
	}
	return nil
}

// RecordSummary publishes the final counters of a run.
func (p *OutcomePublisher) RecordSummary(ctx context.Context, s domain.RunSummary) error {
	value, err := json.Marshal(NewSummaryMessage(s))
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal summary: %w", err)
	}
	record := kafka.Message{
		Key:   s.RunID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.summaries.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write summary: %w", err)
	}
	return nil
}

// Close closes both writers.
func (p *OutcomePublisher) Close() error {
	errOutcomes := p.outcomes.Close()
	if err := p.summaries.Close(); err != nil {
		return err
	}
	return errOutcomes
}
