package dispatch

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/session-dispatch/internal/domain"
)

func TestSelectorEmptyPool(t *testing.T) {
	s := NewSelector(newMemStore(), newFakeClock(), domain.ModeVerify, 19, rand.New(rand.NewSource(1)))
	_, err := s.Select(context.Background())
	require.ErrorIs(t, err, ErrNoIdentities)
}

func TestSelectorWaitsForEarliestQuarantine(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	store.put(&domain.Identity{Name: "a", QuarantineUntil: epoch.Add(30 * time.Second)})
	store.put(&domain.Identity{Name: "b", QuarantineUntil: epoch.Add(12 * time.Second)})
	s := NewSelector(store, clock, domain.ModeVerify, 19, rand.New(rand.NewSource(1)))

	name, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, name)
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 12*time.Second, clock.sleeps[0])
}

func TestSelectorWaitsForStopSendingInMessaging(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	store.put(&domain.Identity{Name: "a", StopSendingUntil: epoch.Add(time.Hour)})
	store.put(&domain.Identity{Name: "b", QuarantineUntil: epoch.Add(20 * time.Minute)})

	s := NewSelector(store, clock, domain.ModeMessaging, 19, nil)
	_, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{20 * time.Minute}, clock.sleeps)

	verifyClock := newFakeClock()
	verify := NewSelector(store, verifyClock, domain.ModeVerify, 19, nil)
	_, err = verify.Select(context.Background())
	require.NoError(t, err)
	assert.Empty(t, verifyClock.sleeps, "stop-sending does not block verification")
}

func TestSelectorNoWaitWhenOneIsFree(t *testing.T) {
	store := newMemStore("free")
	clock := newFakeClock()
	store.put(&domain.Identity{Name: "cool", QuarantineUntil: epoch.Add(time.Hour)})
	s := NewSelector(store, clock, domain.ModeVerify, 19, nil)

	_, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clock.sleeps)
}

func TestSelectorPinOverridesOnce(t *testing.T) {
	store := newMemStore("a", "b", "c")
	s := NewSelector(store, newFakeClock(), domain.ModeMessaging, 19, rand.New(rand.NewSource(7)))

	require.True(t, s.Pin("c"))
	assert.True(t, s.Pinned())
	name, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c", name)
	assert.False(t, s.Pinned())

	s.Exclude("b")
	assert.False(t, s.Pin("b"))
}

func TestSelectorExhaustion(t *testing.T) {
	store := newMemStore("a", "b")
	s := NewSelector(store, newFakeClock(), domain.ModeVerify, 2, nil)
	s.Exclude("a")
	s.Exclude("b")
	_, err := s.Select(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	full := newMemStore()
	full.put(&domain.Identity{Name: "x", PhoneBook: phones(1, 2)})
	s = NewSelector(full, newFakeClock(), domain.ModeVerify, 2, nil)
	_, err = s.Select(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	s = NewSelector(full, newFakeClock(), domain.ModeMessaging, 2, nil)
	name, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", name)
}

func TestSelectorHonorsCancellationWhileWaiting(t *testing.T) {
	store := newMemStore()
	store.put(&domain.Identity{Name: "a", QuarantineUntil: epoch.Add(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSelector(store, newFakeClock(), domain.ModeVerify, 19, nil).Select(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
