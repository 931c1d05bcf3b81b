package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
)

var (
	// ErrNoIdentities means no identity has been provisioned yet.
	ErrNoIdentities = errors.New("no identities provisioned")
	// ErrPoolExhausted means every known identity is out of the run for good.
	ErrPoolExhausted = errors.New("identity pool exhausted")
)

// Selector picks the next identity to try. It waits out pool-wide cooldowns
// and otherwise picks at random; the gate filters the pick afterwards.
type Selector struct {
	store    identity.Store
	clock    Clock
	mode     domain.Mode
	capacity int

	mu       sync.Mutex
	rng      *rand.Rand
	pinned   string
	excluded map[string]struct{}
}

// NewSelector constructs a selector. rng may be nil.
func NewSelector(store identity.Store, clock Clock, mode domain.Mode, capacity int, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{
		store:    store,
		clock:    clock,
		mode:     mode,
		capacity: capacity,
		rng:      rng,
		excluded: make(map[string]struct{}),
	}
}

// Pin makes name the next selection, once. It refuses excluded names.
func (s *Selector) Pin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.excluded[name]; gone {
		return false
	}
	s.pinned = name
	return true
}

// Pinned reports whether a pin is waiting to be consumed.
func (s *Selector) Pinned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned != ""
}

// Exclude removes name from selection for the rest of the run.
func (s *Selector) Exclude(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[name] = struct{}{}
	if s.pinned == name {
		s.pinned = ""
	}
}

// Excluded reports whether name has been dropped from the run.
func (s *Selector) Excluded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.excluded[name]
	return ok
}

// Select returns the next identity name. It blocks while every candidate is
// cooling down and returns ErrNoIdentities or ErrPoolExhausted when there is
// nothing to pick.
func (s *Selector) Select(ctx context.Context) (string, error) {
	if name := s.takePin(); name != "" {
		return name, nil
	}

	for {
		names, err := s.store.List(ctx)
		if err != nil {
			return "", fmt.Errorf("selector: list identities: %w", err)
		}
		if len(names) == 0 {
			return "", ErrNoIdentities
		}
		candidates := s.filter(names)
		if len(candidates) == 0 {
			return "", ErrPoolExhausted
		}

		idents := make([]*domain.Identity, 0, len(candidates))
		for _, name := range candidates {
			ident, err := s.store.Read(ctx, name)
			if err != nil {
				return "", fmt.Errorf("selector: read %s: %w", name, err)
			}
			idents = append(idents, ident)
		}

		wait, usable := s.poolWait(idents, s.clock.Now())
		if !usable {
			return "", ErrPoolExhausted
		}
		if wait <= 0 {
			return s.pick(candidates), nil
		}
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// poolWait returns how long to sleep before any identity can work. usable
// is false when no identity can ever work again in this run.
func (s *Selector) poolWait(idents []*domain.Identity, now time.Time) (time.Duration, bool) {
	var earliest time.Time
	usable := false
	for _, ident := range idents {
		if s.mode == domain.ModeVerify && len(ident.PhoneBook) >= s.capacity {
			continue
		}
		usable = true
		until := blockedUntil(ident, s.mode, now)
		if until.IsZero() {
			return 0, true
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	if !usable {
		return 0, false
	}
	return earliest.Sub(now), true
}

// blockedUntil is the time ident's cooldowns lapse, or zero when none is active.
func blockedUntil(ident *domain.Identity, mode domain.Mode, now time.Time) time.Time {
	var until time.Time
	if ident.Quarantined(now) {
		until = ident.QuarantineUntil
	}
	if mode == domain.ModeMessaging && ident.SendingStopped(now) && ident.StopSendingUntil.After(until) {
		until = ident.StopSendingUntil
	}
	return until
}

func (s *Selector) takePin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.pinned
	s.pinned = ""
	return name
}

func (s *Selector) filter(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, gone := s.excluded[name]; !gone {
			out = append(out, name)
		}
	}
	return out
}

func (s *Selector) pick(names []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return names[s.rng.Intn(len(names))]
}
