package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/session-dispatch/internal/domain"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestOutcomePublisherKeysByPhone(t *testing.T) {
	outcomes, summaries := &captureWriter{}, &captureWriter{}
	pub := NewOutcomePublisherWithWriters(outcomes, summaries)

	o := domain.Outcome{
		RunID:      uuid.New(),
		Mode:       domain.ModeVerify,
		Identity:   "alpha",
		Phone:      79990001122,
		PromoID:    "spring",
		Kind:       domain.OutcomeVerified,
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, pub.RecordOutcome(context.Background(), o))

	require.Len(t, outcomes.msgs, 1)
	assert.Equal(t, "79990001122", string(outcomes.msgs[0].Key))

	var msg OutcomeMessage
	require.NoError(t, json.Unmarshal(outcomes.msgs[0].Value, &msg))
	assert.Equal(t, o, msg.Outcome())
	assert.Empty(t, summaries.msgs)
}

func TestOutcomePublisherSummary(t *testing.T) {
	outcomes, summaries := &captureWriter{}, &captureWriter{}
	pub := NewOutcomePublisherWithWriters(outcomes, summaries)

	s := domain.RunSummary{RunID: uuid.New(), Mode: domain.ModeMessaging, PromoID: "spring", Sent: 4, Halted: "drained"}
	require.NoError(t, pub.RecordSummary(context.Background(), s))

	require.Len(t, summaries.msgs, 1)
	assert.Equal(t, s.RunID[:], summaries.msgs[0].Key)

	var msg SummaryMessage
	require.NoError(t, json.Unmarshal(summaries.msgs[0].Value, &msg))
	assert.Equal(t, s, msg.Summary())

	require.NoError(t, pub.Close())
	assert.True(t, outcomes.closed)
	assert.True(t, summaries.closed)
}
