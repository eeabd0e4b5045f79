package backend

import (
	"context"
	"time"

	"github.com/tyemirov/harborhope/internal/session"
)

// Accounts verifies credentials and resolves identities.
type Accounts interface {
	Authenticate(ctx context.Context, email string, password string) (session.Identity, error)
	Identity(ctx context.Context, userID string) (session.Identity, error)
}

// RefreshGrant is a live refresh token. Every token rotated out of the same
// sign-in shares a FamilyID.
type RefreshGrant struct {
	TokenID   string
	UserID    string
	FamilyID  string
	ExpiresAt time.Time
}

// RefreshTokenStore keeps rotating refresh tokens. Only a hash of the opaque
// value is stored.
//
// Presenting a token that was already rotated away revokes its whole family
// and reports ErrRefreshTokenReused.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresAt time.Time, replaces *RefreshGrant) (RefreshGrant, string, error)
	Validate(ctx context.Context, tokenOpaque string) (RefreshGrant, error)
	Revoke(ctx context.Context, tokenID string) error
}
