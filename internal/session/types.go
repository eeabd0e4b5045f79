package session

import (
	"context"
	"errors"
	"time"
)

// EventKind names an auth-state change reported by a Provider.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

var (
	// ErrInvalidCredentials is returned by providers when email or password do not match.
	ErrInvalidCredentials = errors.New("session.sign_in.invalid_credentials")
	// ErrNoSession indicates that an operation needed a session and none was present.
	ErrNoSession = errors.New("session.no_session")
	// ErrRefreshUnsupported is returned by Authority.Refresh when the provider cannot rotate tokens.
	ErrRefreshUnsupported = errors.New("session.refresh.unsupported")
)

// Identity is the user data derived from a Session.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Session is the credential pair issued by a Provider.
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// AuthEvent is delivered to Provider listeners on every state change.
type AuthEvent struct {
	Kind    EventKind
	Session *Session
}

// Listener receives auth events.
type Listener func(event AuthEvent)

// Provider is the external authentication collaborator.
// Subscribe must deliver at least one event, even when no session exists.
type Provider interface {
	Subscribe(listener Listener) (unsubscribe func())
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email string, password string) (*Session, error)
	SignOut(ctx context.Context) error
}

// Refresher is implemented by providers that can rotate a live session.
// A successful Refresh emits TOKEN_REFRESHED.
type Refresher interface {
	Refresh(ctx context.Context) (*Session, error)
}

// RoleResolver decides whether a user is an administrator. It must not fail.
type RoleResolver interface {
	Resolve(ctx context.Context, userID string) bool
}

// State is a point-in-time copy of an Authority.
type State struct {
	Loading      bool      `json:"loading"`
	Session      *Session  `json:"session,omitempty"`
	Identity     *Identity `json:"user,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	RoleResolved bool      `json:"role_resolved"`
}

func cloneSession(source *Session) *Session {
	if source == nil {
		return nil
	}
	clone := *source
	return &clone
}

func cloneIdentity(source *Identity) *Identity {
	if source == nil {
		return nil
	}
	clone := *source
	return &clone
}
