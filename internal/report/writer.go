// Package report writes run summaries as YAML files.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/fsutil"
)

// Summary is the on-disk shape of a run report.
type Summary struct {
	RunID      string    `yaml:"run_id"`
	Mode       string    `yaml:"mode"`
	PromoID    string    `yaml:"promo_id,omitempty"`
	Halted     string    `yaml:"halted"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Counters   Counters  `yaml:"counters"`
}

type Counters struct {
	Total     int64 `yaml:"total"`
	Added     int64 `yaml:"added"`
	Rejected  int64 `yaml:"rejected"`
	Sent      int64 `yaml:"sent"`
	DidNotGo  int64 `yaml:"did_not_go"`
	Retries   int64 `yaml:"retries"`
	Fallen    int64 `yaml:"fallen"`
	Remaining int64 `yaml:"remaining"`
}

// Writer stores one YAML file per run under dir. Per-item outcomes are
// ignored; they go to the event stream.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) RecordOutcome(context.Context, domain.Outcome) error { return nil }

// RecordSummary writes <dir>/<mode>-<run_id>.yaml.
func (w *Writer) RecordSummary(_ context.Context, s domain.RunSummary) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("report: create dir: %w", err)
	}
	content, err := yaml.Marshal(fromSummary(s))
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	if err := fsutil.AtomicWrite(w.Path(s), content); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	return nil
}

// Path returns the report file of a run.
func (w *Writer) Path(s domain.RunSummary) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.yaml", s.Mode, s.RunID))
}

// Read loads a report file.
func Read(path string) (*Summary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: read: %w", err)
	}
	var s Summary
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("report: parse %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

func fromSummary(s domain.RunSummary) Summary {
	return Summary{
		RunID:      s.RunID.String(),
		Mode:       string(s.Mode),
		PromoID:    s.PromoID,
		Halted:     s.Halted,
		StartedAt:  s.StartedAt.UTC(),
		FinishedAt: s.FinishedAt.UTC(),
		Counters: Counters{
			Total:     s.Total,
			Added:     s.Added,
			Rejected:  s.Rejected,
			Sent:      s.Sent,
			DidNotGo:  s.DidNotGo,
			Retries:   s.Retries,
			Fallen:    s.Fallen,
			Remaining: s.Remaining,
		},
	}
}
