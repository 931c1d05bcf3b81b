package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryExclusive(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	lease, err := r.Acquire(ctx, "alpha")
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "alpha")
	require.ErrorIs(t, err, ErrHeld)

	held, err := r.Held(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, r.Release(ctx, lease))
	held, _ = r.Held(ctx, "alpha")
	require.False(t, held)
}

func TestMemoryRegistryStaleTokenDoesNotRelease(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	first, err := r.Acquire(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, r.ForceRelease(ctx, "alpha"))

	_, err = r.Acquire(ctx, "alpha")
	require.NoError(t, err)

	// The first holder's late release must not free the second holder.
	require.NoError(t, r.Release(ctx, first))
	held, _ := r.Held(ctx, "alpha")
	require.True(t, held)
}

func TestMemoryRegistryConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	var winners int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Acquire(ctx, "shared"); err == nil {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, winners)
}
