// Package render produces message text from per-promo template files.
package render

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acme/session-dispatch/internal/domain"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

// TimestampLayout formats the {var_4} placeholder.
const TimestampLayout = "02.01.2006 15:04:05"

// Renderer turns a contact into message text.
type Renderer interface {
	Render(item domain.WorkItem) (string, error)
}

// TemplateRenderer reads <dir>/<promo_id>.txt and substitutes the contact's
// variables. Templates are cached after the first read.
type TemplateRenderer struct {
	dir string
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]string
}

// NewTemplateRenderer constructs a renderer rooted at dir.
func NewTemplateRenderer(dir string, now func() time.Time) *TemplateRenderer {
	if now == nil {
		now = time.Now
	}
	return &TemplateRenderer{dir: dir, now: now, cache: make(map[string]string)}
}

// Render returns ErrMissingData when the item has no promo or no template.
func (r *TemplateRenderer) Render(item domain.WorkItem) (string, error) {
	if item.PromoID == "" {
		return "", fmt.Errorf("render %d: no promo id: %w", item.Phone, apperrors.ErrMissingData)
	}
	tmpl, err := r.template(item.PromoID)
	if err != nil {
		return "", err
	}
	replacer := strings.NewReplacer(
		"{var_1}", item.Var1,
		"{var_2}", item.Var2,
		"{var_3}", item.Var3,
		"{var_4}", r.now().Format(TimestampLayout),
	)
	return replacer.Replace(tmpl), nil
}

func (r *TemplateRenderer) template(promoID string) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[promoID]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	if strings.ContainsAny(promoID, `/\`) {
		return "", fmt.Errorf("render: promo id %q: %w", promoID, apperrors.ErrValidation)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, promoID+".txt"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("render: template for %q: %w", promoID, apperrors.ErrMissingData)
	}
	if err != nil {
		return "", fmt.Errorf("render: read template: %w", err)
	}

	r.mu.Lock()
	r.cache[promoID] = string(data)
	r.mu.Unlock()
	return string(data), nil
}
