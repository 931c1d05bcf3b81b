package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/protocol"
	"github.com/acme/session-dispatch/internal/service/proxy"
)

// Client simulates the remote service.
type Client struct {
	foundRate     float64
	transientRate float64
	latency       time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient constructs a simulated client seeded from the clock.
func NewClient(cfg config.ProtocolConfig) *Client {
	return &Client{
		foundRate:     cfg.FoundRate,
		transientRate: cfg.TransientRate,
		latency:       cfg.Latency,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dial opens a simulated session. Identities flagged "banned" fail auth and
// identities flagged "offline" fail to connect.
func (c *Client) Dial(ctx context.Context, ident *domain.Identity, px *proxy.Proxy) (protocol.Session, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", ident.Name, protocol.ErrConnect, err)
	}
	if banned, _ := ident.Attributes["banned"].(bool); banned {
		return nil, fmt.Errorf("dial %s: %w", ident.Name, protocol.ErrAuth)
	}
	if offline, _ := ident.Attributes["offline"].(bool); offline {
		return nil, fmt.Errorf("dial %s via %s: %w", ident.Name, px, protocol.ErrConnect)
	}
	return &session{client: c, ident: ident.Name, first: ident.Attribute("first_name"), last: ident.Attribute("last_name")}, nil
}

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	d := c.latency
	if d > 0 {
		d = time.Duration(1+c.rng.Int63n(int64(d))) + d/2
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) roll() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

func (c *Client) id() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 1_000_000 + c.rng.Int63n(9_000_000)
}

type session struct {
	client *Client
	ident  string
	first  string
	last   string
}

func (s *session) Whoami(ctx context.Context) (protocol.Account, error) {
	if err := s.client.wait(ctx); err != nil {
		return protocol.Account{}, fmt.Errorf("whoami: %w", err)
	}
	return protocol.Account{UserID: s.client.id(), Phone: s.ident, FirstName: s.first, LastName: s.last}, nil
}

func (s *session) ResolvePhone(ctx context.Context, phone int64) (protocol.Resolution, error) {
	if err := s.client.wait(ctx); err != nil {
		return protocol.Resolution{}, fmt.Errorf("resolve: %w", err)
	}
	r := s.client.roll()
	switch {
	case r < s.client.transientRate:
		return protocol.Resolution{Status: protocol.TransientError, Detail: "simulated flood wait"}, nil
	case r < s.client.transientRate+s.client.foundRate:
		uid := s.client.id()
		return protocol.Resolution{
			Status:     protocol.Found,
			UserID:     uid,
			AccessHash: uid * 31,
			Username:   fmt.Sprintf("user%d", phone%100000),
		}, nil
	default:
		return protocol.Resolution{Status: protocol.NotFound}, nil
	}
}

func (s *session) SendMessage(ctx context.Context, target protocol.Target, text string) (protocol.Delivery, error) {
	if err := s.client.wait(ctx); err != nil {
		return protocol.Delivery{}, fmt.Errorf("send: %w", err)
	}
	if s.client.roll() < s.client.transientRate {
		return protocol.Delivery{Detail: "simulated peer flood"}, nil
	}
	return protocol.Delivery{Delivered: true}, nil
}

func (s *session) Close() error {
	return nil
}
