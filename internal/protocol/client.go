// Package protocol defines the contract of the remote messaging service the
// dispatcher drives identities against.
package protocol

import (
	"context"
	"errors"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/service/proxy"
)

// IsFatal reports whether err ends the identity's session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrConnect)
}

var (
	// ErrAuth means the identity's credentials are no longer usable. The
	// identity is moved out of the working pool.
	ErrAuth = errors.New("identity unauthorized")
	// ErrConnect means the session could not be established or was lost.
	ErrConnect = errors.New("identity connection failed")
)

// ResolveStatus is the outcome of looking up a phone number.
type ResolveStatus string

const (
	Found          ResolveStatus = "found"
	NotFound       ResolveStatus = "not_found"
	TransientError ResolveStatus = "transient_error"
)

// Resolution carries the account data captured when a phone resolves.
type Resolution struct {
	Status     ResolveStatus
	UserID     int64
	AccessHash int64
	Username   string
	FirstName  string
	LastName   string
	Detail     string
}

// Target addresses a message either by public handle or by user id pair.
type Target struct {
	Username   string
	UserID     int64
	AccessHash int64
}

// Delivery is the outcome of one send attempt.
type Delivery struct {
	Delivered bool
	Detail    string
}

// Account describes the identity a session is logged in as.
type Account struct {
	UserID    int64
	Phone     string
	FirstName string
	LastName  string
}

// Session is a live connection bound to one identity. Errors wrapping ErrAuth
// or ErrConnect end the session; any other error is a provider fault for the
// single call.
type Session interface {
	Whoami(ctx context.Context) (Account, error)
	ResolvePhone(ctx context.Context, phone int64) (Resolution, error)
	SendMessage(ctx context.Context, target Target, text string) (Delivery, error)
	Close() error
}

// Client opens sessions for identities.
type Client interface {
	Dial(ctx context.Context, ident *domain.Identity, px *proxy.Proxy) (Session, error)
}
