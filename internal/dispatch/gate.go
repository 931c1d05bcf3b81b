package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
)

// Decide returns the eligibility of ident for mode at now. It does not
// touch ident; expired reports whether a cooldown it consulted has lapsed
// and should be cleared.
func Decide(ident *domain.Identity, mode domain.Mode, now time.Time, capacity int) (verdict domain.Eligibility, expired bool) {
	if ident.Busy {
		return domain.Busy, false
	}
	if !ident.QuarantineUntil.IsZero() {
		if ident.Quarantined(now) {
			return domain.Quarantined, false
		}
		expired = true
	}
	if mode == domain.ModeMessaging && !ident.StopSendingUntil.IsZero() {
		if ident.SendingStopped(now) {
			return domain.RateLimited, expired
		}
		expired = true
	}
	if mode == domain.ModeVerify && len(ident.PhoneBook) >= capacity {
		return domain.CapacityExceeded, expired
	}
	return domain.Eligible, expired
}

// clearExpired zeroes the cooldowns that have lapsed at now.
func clearExpired(ident *domain.Identity, mode domain.Mode, now time.Time) bool {
	changed := false
	if !ident.QuarantineUntil.IsZero() && !ident.Quarantined(now) {
		ident.QuarantineUntil = time.Time{}
		changed = true
	}
	if mode == domain.ModeMessaging && !ident.StopSendingUntil.IsZero() && !ident.SendingStopped(now) {
		ident.StopSendingUntil = time.Time{}
		changed = true
	}
	return changed
}

// Gate evaluates identities for one run mode and persists lapsed cooldowns
// the first time it sees them.
type Gate struct {
	store    identity.Store
	clock    Clock
	mode     domain.Mode
	capacity int
}

// NewGate constructs a gate.
func NewGate(store identity.Store, clock Clock, mode domain.Mode, capacity int) *Gate {
	return &Gate{store: store, clock: clock, mode: mode, capacity: capacity}
}

// Evaluate decides ident's eligibility, clearing and saving any expired
// cooldown first.
func (g *Gate) Evaluate(ctx context.Context, ident *domain.Identity) (domain.Eligibility, error) {
	now := g.clock.Now()
	verdict, expired := Decide(ident, g.mode, now, g.capacity)
	if expired && clearExpired(ident, g.mode, now) {
		if err := g.store.Write(ctx, ident); err != nil {
			return verdict, fmt.Errorf("gate: clear cooldown for %s: %w", ident.Name, err)
		}
	}
	return verdict, nil
}
