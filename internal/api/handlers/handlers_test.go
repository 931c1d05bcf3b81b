package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
	"github.com/acme/session-dispatch/internal/repository"
	"github.com/acme/session-dispatch/internal/service/checkout"
	"github.com/acme/session-dispatch/internal/service/common"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubContacts struct {
	items map[int64]domain.WorkItem
}

func (s *stubContacts) UpsertVerified(context.Context, domain.WorkItem) error { return nil }
func (s *stubContacts) UpsertRejected(context.Context, domain.WorkItem) error { return nil }
func (s *stubContacts) ContactsForCampaign(context.Context, string) ([]domain.WorkItem, error) {
	return nil, nil
}
func (s *stubContacts) Known(context.Context, []int64) (map[int64]bool, error) { return nil, nil }
func (s *stubContacts) Get(_ context.Context, phone int64) (*domain.WorkItem, error) {
	item, ok := s.items[phone]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &item, nil
}

type stubOutcomes struct {
	pages   map[string][]domain.Outcome
	next    map[string][]byte
	summary *domain.RunSummary
	counts  map[domain.OutcomeKind]int64
}

func (s *stubOutcomes) AppendOutcome(context.Context, domain.Outcome) error { return nil }
func (s *stubOutcomes) ListOutcomes(_ context.Context, _ int64, _ int, state []byte) ([]domain.Outcome, []byte, error) {
	return s.pages[string(state)], s.next[string(state)], nil
}
func (s *stubOutcomes) OutcomeCounts(context.Context, uuid.UUID) (map[domain.OutcomeKind]int64, error) {
	return s.counts, nil
}
func (s *stubOutcomes) SaveSummary(context.Context, domain.RunSummary) error { return nil }
func (s *stubOutcomes) GetSummary(_ context.Context, id uuid.UUID) (*domain.RunSummary, error) {
	if s.summary == nil || s.summary.RunID != id {
		return nil, repository.ErrNotFound
	}
	return s.summary, nil
}

type fixture struct {
	app      *fiber.App
	store    *identity.FileStore
	registry *checkout.MemoryRegistry
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := identity.NewFileStore(filepath.Join(root, "work"), filepath.Join(root, "bad"))
	require.NoError(t, err)
	registry := checkout.NewMemoryRegistry()

	deps := Deps{
		Identities: store,
		Registry:   registry,
		Capacity:   2,
		Now:        func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&deps)
	}
	h := NewHandlerSet(deps)
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return &fixture{app: app, store: store, registry: registry}
}

func (f *fixture) put(t *testing.T, ident *domain.Identity) {
	t.Helper()
	require.NoError(t, f.store.Write(context.Background(), ident))
}

func (f *fixture) do(t *testing.T, method, target string) (int, map[string]any) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func TestHealthReportsFailingBackend(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Health = map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		}
	})
	code, body := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["errors"])
}

func TestListIdentitiesWithEligibility(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, &domain.Identity{Name: "alpha"})
	f.put(t, &domain.Identity{Name: "beta", QuarantineUntil: now.Add(time.Minute)})
	f.put(t, &domain.Identity{Name: "gamma", StopSendingUntil: now.Add(time.Hour), PhoneBook: []domain.WorkItem{{Phone: 1}, {Phone: 2}}})

	code, body := f.do(t, http.MethodGet, "/api/v1/identities")
	require.Equal(t, http.StatusOK, code)

	list := body["identities"].([]any)
	require.Len(t, list, 3)
	byName := map[string]map[string]any{}
	for _, raw := range list {
		entry := raw.(map[string]any)
		byName[entry["name"].(string)] = entry
	}
	assert.Equal(t, map[string]any{"verify": "eligible", "messaging": "eligible"}, byName["alpha"]["eligibility"])
	assert.Equal(t, map[string]any{"verify": "quarantined", "messaging": "quarantined"}, byName["beta"]["eligibility"])
	assert.Equal(t, map[string]any{"verify": "capacity_exceeded", "messaging": "rate_limited"}, byName["gamma"]["eligibility"])
	assert.NotNil(t, byName["beta"]["quarantine_until"])

	// Describing must not clear anything.
	beta, err := f.store.Read(context.Background(), "beta")
	require.NoError(t, err)
	assert.True(t, beta.QuarantineUntil.Equal(now.Add(time.Minute)))
}

func TestGetUnknownIdentity(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/v1/identities/ghost")
	assert.Equal(t, http.StatusNotFound, code)

	names, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names, "lookup must not create a record")
}

func TestReleaseIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, &domain.Identity{Name: "alpha", Busy: true})
	ctx := context.Background()

	code, body := f.do(t, http.MethodPost, "/api/v1/identities/alpha/release")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["busy"])

	f.put(t, &domain.Identity{Name: "alpha", Busy: true})
	_, err := f.registry.Acquire(ctx, "alpha")
	require.NoError(t, err)

	code, _ = f.do(t, http.MethodPost, "/api/v1/identities/alpha/release")
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/api/v1/identities/alpha/release?force=true")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["held"])
	held, err := f.registry.Held(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestClearQuarantine(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, &domain.Identity{Name: "alpha", QuarantineUntil: now.Add(10 * time.Minute)})

	code, body := f.do(t, http.MethodPost, "/api/v1/identities/alpha/clear-quarantine")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"verify": "eligible", "messaging": "eligible"}, body["eligibility"])

	ident, err := f.store.Read(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, ident.QuarantineUntil.IsZero())
}

func TestClearQuarantineRefusedWhileCheckedOut(t *testing.T) {
	f := newFixture(t, nil)
	until := now.Add(10 * time.Minute)
	f.put(t, &domain.Identity{Name: "alpha", QuarantineUntil: until})
	ctx := context.Background()
	_, err := f.registry.Acquire(ctx, "alpha")
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodPost, "/api/v1/identities/alpha/clear-quarantine")
	assert.Equal(t, http.StatusConflict, code)

	ident, err := f.store.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ident.QuarantineUntil.Equal(until))
}

func TestGetContact(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Contacts = &stubContacts{items: map[int64]domain.WorkItem{
			79990001122: {Phone: 79990001122, PromoID: "spring", CheckResult: domain.CheckOK, Username: "anna"},
		}}
	})

	code, body := f.do(t, http.MethodGet, "/api/v1/contacts/79990001122")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "anna", body["username"])
	assert.Equal(t, "ok", body["check_result"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/contacts/100")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/contacts/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListOutcomesPaging(t *testing.T) {
	runID := uuid.New()
	outcomes := &stubOutcomes{
		pages: map[string][]domain.Outcome{
			"":      {{RunID: runID, Identity: "alpha", Kind: domain.OutcomeRetry, OccurredAt: now}},
			"page2": {{RunID: runID, Identity: "beta", Kind: domain.OutcomeVerified, OccurredAt: now.Add(time.Minute)}},
		},
		next: map[string][]byte{"": []byte("page2")},
	}
	f := newFixture(t, func(d *Deps) { d.Outcomes = outcomes })

	code, body := f.do(t, http.MethodGet, "/api/v1/contacts/5/outcomes?limit=1")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["outcomes"], 1)
	token := body["next_page_token"].(string)
	assert.Equal(t, common.EncodePageToken(5, []byte("page2")), token)

	code, body = f.do(t, http.MethodGet, "/api/v1/contacts/5/outcomes?limit=1&page_token="+token)
	require.Equal(t, http.StatusOK, code)
	first := body["outcomes"].([]any)[0].(map[string]any)
	assert.Equal(t, "beta", first["identity"])
	assert.NotContains(t, body, "next_page_token")

	code, _ = f.do(t, http.MethodGet, "/api/v1/contacts/5/outcomes?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/contacts/6/outcomes?limit=1&page_token="+token)
	assert.Equal(t, http.StatusBadRequest, code, "a token only resumes the listing it came from")
}

func TestOutcomesUnavailableWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/v1/contacts/5/outcomes")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRuns(t *testing.T) {
	runID := uuid.New()
	summary := domain.RunSummary{RunID: runID, Mode: domain.ModeVerify, Added: 3, Halted: "drained", StartedAt: now, FinishedAt: now.Add(time.Hour)}
	f := newFixture(t, func(d *Deps) {
		d.Outcomes = &stubOutcomes{summary: &summary, counts: map[domain.OutcomeKind]int64{domain.OutcomeVerified: 3}}
		d.Progress = func() (domain.RunSummary, bool) {
			return domain.RunSummary{RunID: runID, Mode: domain.ModeVerify, Remaining: 4, StartedAt: now}, true
		}
	})

	code, body := f.do(t, http.MethodGet, "/api/v1/runs/current")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 4, body["remaining"])
	assert.NotContains(t, body, "finished_at")

	code, body = f.do(t, http.MethodGet, "/api/v1/runs/"+runID.String())
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["added"])
	assert.Equal(t, map[string]any{"verified": float64(3)}, body["outcomes"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCampaignStatsNeedsAggregatingStore(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Contacts = &stubContacts{} })
	code, _ := f.do(t, http.MethodGet, "/api/v1/campaigns/spring/stats")
	assert.Equal(t, http.StatusNotImplemented, code)
}
