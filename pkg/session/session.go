// Package session caches authenticated remote sessions keyed by connection
// identity.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/marmos91/sharefs/pkg/connection"
)

// ErrClosed is returned by operations on a session that has been torn down.
var ErrClosed = errors.New("session closed")

// Session is an authenticated, protocol-specific context. Close releases it;
// the cache calls Close exactly once.
type Session interface {
	Close() error
}

// Dialer opens new sessions. Drivers implement it.
type Dialer interface {
	Dial(ctx context.Context, conn connection.Connection, tuning Tuning) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, conn connection.Connection, tuning Tuning) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, conn connection.Connection, tuning Tuning) (Session, error) {
	return f(ctx, conn, tuning)
}

// Guard tracks the closed state of a driver session. Drivers embed it and
// call Check before touching the underlying client.
type Guard struct {
	closed atomic.Bool
}

// Check returns ErrClosed once MarkClosed has been called.
func (g *Guard) Check() error {
	if g.closed.Load() {
		return ErrClosed
	}
	return nil
}

// MarkClosed flips the guard and reports whether this call did it.
func (g *Guard) MarkClosed() bool {
	return g.closed.CompareAndSwap(false, true)
}

// Closed reports whether MarkClosed has been called.
func (g *Guard) Closed() bool {
	return g.closed.Load()
}

// Settings holds the client-wide session parameters.
type Settings struct {
	// MinVersion and MaxVersion bound the negotiated SMB dialect ("2.0.2" to "3.1.1").
	MinVersion string
	MaxVersion string

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	// AttrCacheTTL is how long a session may reuse file attributes it fetched.
	AttrCacheTTL time.Duration

	// GuestUser is the user name sent for guest logins.
	GuestUser string
}

// DefaultGuestUser is used when Settings.GuestUser is empty.
const DefaultGuestUser = "guest"

// Tuning is the fully resolved parameter set handed to a Dialer.
type Tuning struct {
	MinVersion      string
	MaxVersion      string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	AttrCacheTTL    time.Duration
	EnableDFS       bool
	SigningRequired bool
	Auth            connection.AuthMode
	GuestUser       string
}

// TuningFor resolves the tuning for a connection. Signing is required for
// any named user other than the guest user.
func (s Settings) TuningFor(conn connection.Connection) Tuning {
	guest := s.GuestUser
	if guest == "" {
		guest = DefaultGuestUser
	}

	auth := conn.AuthMode()

	return Tuning{
		MinVersion:      s.MinVersion,
		MaxVersion:      s.MaxVersion,
		ConnectTimeout:  s.ConnectTimeout,
		ResponseTimeout: s.ResponseTimeout,
		AttrCacheTTL:    s.AttrCacheTTL,
		EnableDFS:       conn.Options.EnableDFS,
		SigningRequired: auth == connection.AuthCredentials && conn.User != "" && conn.User != guest,
		Auth:            auth,
		GuestUser:       guest,
	}
}

// LoginUser returns the user name to authenticate with under t.
func (t Tuning) LoginUser(conn connection.Connection) string {
	switch t.Auth {
	case connection.AuthAnonymous:
		return ""
	case connection.AuthGuest:
		return t.GuestUser
	default:
		return conn.User
	}
}

// LoginPassword returns the password to authenticate with under t.
func (t Tuning) LoginPassword(conn connection.Connection) string {
	if t.Auth != connection.AuthCredentials {
		return ""
	}
	return conn.Password
}
