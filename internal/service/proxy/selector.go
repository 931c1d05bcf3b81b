// Package proxy assembles the network proxy an identity connects through.
package proxy

import (
	"fmt"
	"strconv"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/domain"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

const defaultType = "socks5"

// Proxy describes one upstream proxy endpoint.
type Proxy struct {
	Type     string
	Address  string
	Port     int
	RDNS     bool
	Username string
	Password string
}

// String renders the endpoint without credentials.
func (p *Proxy) String() string {
	if p == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Address, p.Port)
}

// Selector picks the proxy for an identity.
type Selector struct {
	override *Proxy
}

// NewSelector builds a selector. A configured address overrides every
// identity's own proxy.
func NewSelector(cfg config.ProxyConfig) *Selector {
	s := &Selector{}
	if cfg.Address != "" {
		typ := cfg.Type
		if typ == "" {
			typ = defaultType
		}
		s.override = &Proxy{
			Type:     typ,
			Address:  cfg.Address,
			Port:     cfg.Port,
			RDNS:     cfg.RDNS,
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return s
}

// For returns the proxy to dial ident through, or nil for a direct
// connection. The identity attribute "proxy" is a positional tuple
// [type, address, port, rdns, username, password].
func (s *Selector) For(ident *domain.Identity) (*Proxy, error) {
	if s.override != nil {
		p := *s.override
		return &p, nil
	}
	raw, ok := ident.Attributes["proxy"]
	if !ok || raw == nil {
		return nil, nil
	}
	tuple, ok := raw.([]any)
	if !ok || len(tuple) < 3 {
		return nil, fmt.Errorf("proxy for %s: malformed tuple: %w", ident.Name, apperrors.ErrValidation)
	}

	p := &Proxy{Type: defaultType}
	p.Address = asString(tuple[1])
	port, err := asInt(tuple[2])
	if err != nil || p.Address == "" {
		return nil, fmt.Errorf("proxy for %s: bad endpoint: %w", ident.Name, apperrors.ErrValidation)
	}
	p.Port = port
	if len(tuple) > 3 {
		p.RDNS, _ = tuple[3].(bool)
	}
	if len(tuple) > 4 {
		p.Username = asString(tuple[4])
	}
	if len(tuple) > 5 {
		p.Password = asString(tuple[5])
	}
	return p, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected port type %T", v)
	}
}
