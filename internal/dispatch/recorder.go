package dispatch

import (
	"context"
	"errors"

	"github.com/acme/session-dispatch/internal/domain"
)

// Recorder receives per-item outcomes and the final run summary.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome domain.Outcome) error
	RecordSummary(ctx context.Context, summary domain.RunSummary) error
}

// Recorders fans out to every recorder and joins their errors.
type Recorders []Recorder

func (rs Recorders) RecordOutcome(ctx context.Context, outcome domain.Outcome) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordOutcome(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) RecordSummary(ctx context.Context, summary domain.RunSummary) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordSummary(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
