package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acme/session-dispatch/internal/domain"
)

// Counters accumulates per-run totals for reporting. They never feed back
// into scheduling decisions.
type Counters struct {
	runID     uuid.UUID
	mode      domain.Mode
	promoID   string
	startedAt time.Time

	total    atomic.Int64
	added    atomic.Int64
	rejected atomic.Int64
	sent     atomic.Int64
	didNotGo atomic.Int64
	retries  atomic.Int64
	fallen   atomic.Int64
}

// NewCounters starts a fresh set of counters for one run.
func NewCounters(mode domain.Mode, promoID string, total int, startedAt time.Time) *Counters {
	c := &Counters{runID: uuid.New(), mode: mode, promoID: promoID, startedAt: startedAt}
	c.total.Store(int64(total))
	return c
}

func (c *Counters) RunID() uuid.UUID {
	return c.runID
}

// Snapshot renders the current totals.
func (c *Counters) Snapshot(remaining int) domain.RunSummary {
	return domain.RunSummary{
		RunID:     c.runID,
		Mode:      c.mode,
		PromoID:   c.promoID,
		Total:     c.total.Load(),
		Added:     c.added.Load(),
		Rejected:  c.rejected.Load(),
		Sent:      c.sent.Load(),
		DidNotGo:  c.didNotGo.Load(),
		Retries:   c.retries.Load(),
		Fallen:    c.fallen.Load(),
		Remaining: int64(remaining),
		StartedAt: c.startedAt,
	}
}
