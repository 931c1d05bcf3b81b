package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pingWithBackoff retries ping until it succeeds, ctx ends or timeout elapses.
func pingWithBackoff(ctx context.Context, timeout time.Duration, ping func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = timeout
	bo.RandomizationFactor = 0.5

	return backoff.Retry(func() error {
		return ping(ctx)
	}, backoff.WithContext(bo, ctx))
}
