// Package checkout provides the exclusive lease an identity is held under
// while the dispatch loop runs a batch on it.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when the identity is already checked out.
var ErrHeld = errors.New("identity already checked out")

// Lease is the token proving exclusive ownership of one identity.
type Lease struct {
	Name       string
	Token      uuid.UUID
	AcquiredAt time.Time
}

// Registry grants and revokes checkout leases.
type Registry interface {
	Acquire(ctx context.Context, name string) (Lease, error)
	Release(ctx context.Context, lease Lease) error
	ForceRelease(ctx context.Context, name string) error
	Held(ctx context.Context, name string) (bool, error)
}

// MemoryRegistry is the in-process registry used when no Redis is configured.
type MemoryRegistry struct {
	mu     sync.Mutex
	leases map[string]uuid.UUID
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{leases: make(map[string]uuid.UUID)}
}

func (m *MemoryRegistry) Acquire(ctx context.Context, name string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[name]; ok {
		return Lease{}, fmt.Errorf("checkout acquire %s: %w", name, ErrHeld)
	}
	lease := Lease{Name: name, Token: uuid.New(), AcquiredAt: time.Now().UTC()}
	m.leases[name] = lease.Token
	return lease, nil
}

func (m *MemoryRegistry) Release(ctx context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.leases[lease.Name]; ok && token == lease.Token {
		delete(m.leases, lease.Name)
	}
	return nil
}

func (m *MemoryRegistry) ForceRelease(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
	return nil
}

func (m *MemoryRegistry) Held(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[name]
	return ok, nil
}
