// Package ingest loads candidate phone numbers and removes the ones already
// classified by a previous run.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/pkg/logger"
)

// Source yields the candidates for a verification run.
type Source interface {
	LoadCandidates(ctx context.Context) ([]domain.WorkItem, error)
}

// CSVSource reads rows of promo_id,phone,var_1,var_2,var_3.
type CSVSource struct {
	path   string
	logger *logger.Logger
}

// NewCSVSource constructs a CSV-backed source.
func NewCSVSource(path string, lg *logger.Logger) *CSVSource {
	return &CSVSource{path: path, logger: lg}
}

// LoadCandidates parses the file. Rows with fewer than five columns or an
// unparsable phone are skipped with a warning.
func (s *CSVSource) LoadCandidates(ctx context.Context) ([]domain.WorkItem, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", s.path, err)
	}
	defer f.Close()
	return s.parse(ctx, f)
}

func (s *CSVSource) parse(ctx context.Context, r io.Reader) ([]domain.WorkItem, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		items []domain.WorkItem
		line  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			s.logger.Warn("ingest: unreadable row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if len(row) < 5 {
			s.logger.Warn("ingest: invalid row", zap.Int("line", line), zap.Strings("row", row))
			continue
		}
		phone, err := ParsePhone(row[1])
		if err != nil {
			s.logger.Warn("ingest: invalid phone", zap.Int("line", line), zap.String("value", row[1]))
			continue
		}
		items = append(items, domain.WorkItem{
			PromoID: strings.TrimSpace(row[0]),
			Phone:   phone,
			Var1:    row[2],
			Var2:    row[3],
			Var3:    row[4],
		})
	}

	s.logger.Info("ingest: candidates loaded", zap.Int("valid", len(items)), zap.Int("rows", line), zap.String("path", s.path))
	return items, nil
}

// ParsePhone accepts digits with an optional leading plus and separators.
func ParsePhone(raw string) (int64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '+':
			return -1
		}
		return r
	}, raw)
	phone, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil || phone <= 0 {
		return 0, fmt.Errorf("ingest: invalid phone %q", raw)
	}
	return phone, nil
}
