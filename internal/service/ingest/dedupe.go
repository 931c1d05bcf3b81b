package ingest

import (
	"context"
	"fmt"

	"github.com/acme/session-dispatch/internal/domain"
)

// KnownChecker reports which phones already have a stored classification.
type KnownChecker interface {
	Known(ctx context.Context, phones []int64) (map[int64]bool, error)
}

// Dedupe drops candidates that repeat within the input or that the store
// already classified. The first occurrence of a phone wins.
func Dedupe(ctx context.Context, items []domain.WorkItem, store KnownChecker) ([]domain.WorkItem, error) {
	seen := make(map[int64]struct{}, len(items))
	unique := make([]domain.WorkItem, 0, len(items))
	phones := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.Phone]; ok {
			continue
		}
		seen[item.Phone] = struct{}{}
		unique = append(unique, item)
		phones = append(phones, item.Phone)
	}

	known, err := store.Known(ctx, phones)
	if err != nil {
		return nil, fmt.Errorf("ingest: dedupe: %w", err)
	}

	out := unique[:0]
	for _, item := range unique {
		if !known[item.Phone] {
			out = append(out, item)
		}
	}
	return out, nil
}
