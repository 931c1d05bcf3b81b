package dispatch

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/protocol"
	"github.com/acme/session-dispatch/internal/service/checkout"
	"github.com/acme/session-dispatch/internal/service/proxy"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu     sync.Mutex
	idents map[string]*domain.Identity
	fallen []string
	writes int
}

func newMemStore(names ...string) *memStore {
	s := &memStore{idents: make(map[string]*domain.Identity)}
	for _, n := range names {
		s.idents[n] = &domain.Identity{Name: n, Attributes: map[string]any{}}
	}
	return s
}

func (s *memStore) put(ident *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idents[ident.Name] = clone(ident)
}

func (s *memStore) get(name string) *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident, ok := s.idents[name]; ok {
		return clone(ident)
	}
	return nil
}

func (s *memStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.idents))
	for n := range s.idents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) Read(ctx context.Context, name string) (*domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.idents[name]
	if !ok {
		ident = &domain.Identity{Name: name, Attributes: map[string]any{}}
		s.idents[name] = ident
	}
	return clone(ident), nil
}

func (s *memStore) Write(ctx context.Context, ident *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.idents[ident.Name] = clone(ident)
	return nil
}

func (s *memStore) MarkFallen(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idents[name]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.idents, name)
	s.fallen = append(s.fallen, name)
	return nil
}

func clone(ident *domain.Identity) *domain.Identity {
	cp := *ident
	cp.PhoneBook = append([]domain.WorkItem(nil), ident.PhoneBook...)
	cp.Attributes = make(map[string]any, len(ident.Attributes))
	for k, v := range ident.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}

type resolveStep struct {
	res protocol.Resolution
	err error
}

type fakeClient struct {
	mu       sync.Mutex
	resolve  map[int64]resolveStep
	dialErr  map[string]error
	sendErr  error
	failSend bool
	sent     []protocol.Target
	calls    []int64
	onCall   func(identity string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{resolve: make(map[int64]resolveStep), dialErr: make(map[string]error)}
}

func (c *fakeClient) Dial(ctx context.Context, ident *domain.Identity, px *proxy.Proxy) (protocol.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialErr[ident.Name]; err != nil {
		return nil, err
	}
	return &fakeSession{client: c, name: ident.Name}, nil
}

type fakeSession struct {
	client *fakeClient
	name   string
}

func (s *fakeSession) Whoami(ctx context.Context) (protocol.Account, error) {
	return protocol.Account{UserID: 1, FirstName: s.name}, nil
}

func (s *fakeSession) ResolvePhone(ctx context.Context, phone int64) (protocol.Resolution, error) {
	s.client.mu.Lock()
	step, ok := s.client.resolve[phone]
	s.client.calls = append(s.client.calls, phone)
	hook := s.client.onCall
	s.client.mu.Unlock()
	if hook != nil {
		hook(s.name)
	}
	if !ok {
		return protocol.Resolution{Status: protocol.NotFound}, nil
	}
	return step.res, step.err
}

func (s *fakeSession) SendMessage(ctx context.Context, target protocol.Target, text string) (protocol.Delivery, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.client.sendErr != nil {
		return protocol.Delivery{}, s.client.sendErr
	}
	if s.client.failSend {
		return protocol.Delivery{Detail: "peer flood"}, nil
	}
	s.client.sent = append(s.client.sent, target)
	return protocol.Delivery{Delivered: true}, nil
}

func (s *fakeSession) Close() error { return nil }

func (c *fakeClient) resolvedPhones() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.calls...)
}

type fakeContacts struct {
	mu       sync.Mutex
	verified map[int64]domain.WorkItem
	rejected map[int64]domain.WorkItem
	failNext error
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{verified: make(map[int64]domain.WorkItem), rejected: make(map[int64]domain.WorkItem)}
}

func (f *fakeContacts) UpsertVerified(ctx context.Context, item domain.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.verified[item.Phone] = item
	return nil
}

func (f *fakeContacts) UpsertRejected(ctx context.Context, item domain.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.rejected[item.Phone] = item
	return nil
}

func (f *fakeContacts) ContactsForCampaign(ctx context.Context, promoID string) ([]domain.WorkItem, error) {
	return nil, nil
}

func (f *fakeContacts) Known(ctx context.Context, phones []int64) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

func (f *fakeContacts) Get(ctx context.Context, phone int64) (*domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.verified[phone]; ok {
		return &item, nil
	}
	if item, ok := f.rejected[phone]; ok {
		return &item, nil
	}
	return nil, apperrors.ErrNotFound
}

type fakeRenderer struct{ err error }

func (r fakeRenderer) Render(item domain.WorkItem) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "hello " + item.Var1, nil
}

type directProxies struct{}

func (directProxies) For(*domain.Identity) (*proxy.Proxy, error) { return nil, nil }

type captureRecorder struct {
	mu        sync.Mutex
	outcomes  []domain.Outcome
	summaries []domain.RunSummary
}

func (r *captureRecorder) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *captureRecorder) RecordSummary(ctx context.Context, s domain.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *captureRecorder) kinds() []domain.OutcomeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutcomeKind, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o.Kind)
	}
	return out
}

type harness struct {
	store    *memStore
	client   *fakeClient
	contacts *fakeContacts
	clock    *fakeClock
	recorder *captureRecorder
	registry *checkout.MemoryRegistry
	// lease replaces registry in the dispatcher when set.
	lease    checkout.Registry
	cfg      config.DispatchConfig
	renderer fakeRenderer
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	return &harness{
		store:    newMemStore(names...),
		client:   newFakeClient(),
		contacts: newFakeContacts(),
		clock:    newFakeClock(),
		recorder: &captureRecorder{},
		registry: checkout.NewMemoryRegistry(),
		cfg: config.DispatchConfig{
			MaxRequests:      25,
			ContactCapacity:  19,
			QuarantinePeriod: 15 * time.Minute,
			DelayMin:         time.Second,
			DelayMax:         5 * time.Second,
			BusyBackoff:      10 * time.Second,
			SendCooldown:     time.Hour,
			CallTimeout:      time.Second,
		},
	}
}

func (h *harness) dispatcher(mode domain.Mode, q *Queue) *Dispatcher {
	var registry checkout.Registry = h.registry
	if h.lease != nil {
		registry = h.lease
	}
	return New(Options{
		Mode:     mode,
		Config:   h.cfg,
		Store:    h.store,
		Registry: registry,
		Client:   h.client,
		Proxies:  directProxies{},
		Contacts: h.contacts,
		Renderer: h.renderer,
		Recorder: h.recorder,
		Clock:    h.clock,
		Rand:     rand.New(rand.NewSource(1)),
	}, q)
}

// runner builds a batch runner sharing the dispatcher's wiring.
func (h *harness) runner(mode domain.Mode, q *Queue) *BatchRunner {
	return h.dispatcher(mode, q).runner
}

func phones(items ...int64) []domain.WorkItem {
	out := make([]domain.WorkItem, 0, len(items))
	for _, p := range items {
		out = append(out, domain.WorkItem{Phone: p, PromoID: "promo"})
	}
	return out
}

func queuePhones(q *Queue) []int64 {
	var out []int64
	for _, item := range q.Snapshot() {
		out = append(out, item.Phone)
	}
	return out
}
