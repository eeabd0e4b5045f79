package backend

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type failingRandomSource struct{}

func (failingRandomSource) Read(p []byte) (int, error) {
	return 0, errors.New("forced failure")
}

func TestNewRefreshOpaque(t *testing.T) {
	original := refreshTokenRandomSource
	defer func() { refreshTokenRandomSource = original }()

	refreshTokenRandomSource = failingRandomSource{}
	if _, _, err := newRefreshOpaque(); err == nil {
		t.Fatalf("expected error when random source fails")
	}

	refreshTokenRandomSource = bytes.NewReader(bytes.Repeat([]byte{1}, refreshOpaqueByteLength))
	opaque, digest, err := newRefreshOpaque()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opaque == "" || digest != digestOpaque(opaque) || digest == opaque {
		t.Fatalf("expected opaque value with a distinct matching digest")
	}
}

func refreshStoreCases() []struct {
	name  string
	store func(t *testing.T) RefreshTokenStore
} {
	return []struct {
		name  string
		store func(t *testing.T) RefreshTokenStore
	}{
		{
			name: "memory",
			store: func(t *testing.T) RefreshTokenStore {
				return NewMemoryRefreshTokenStore()
			},
		},
		{
			name: "sqlite",
			store: func(t *testing.T) RefreshTokenStore {
				return NewDatabaseRefreshTokenStore(newTestDatabase(t))
			},
		},
	}
}

func TestRefreshTokenStoresShareSentinelErrors(t *testing.T) {
	for _, testCase := range refreshStoreCases() {
		t.Run(testCase.name, func(t *testing.T) {
			store := testCase.store(t)
			ctx := context.Background()

			if _, err := store.Validate(ctx, "missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
				t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
			}
			if _, err := store.Validate(ctx, " "); !errors.Is(err, ErrRefreshTokenEmptyOpaque) {
				t.Fatalf("expected ErrRefreshTokenEmptyOpaque, got %v", err)
			}

			expiry := time.Now().Add(time.Minute)
			issued, opaque, err := store.Issue(ctx, "user", expiry, nil)
			if err != nil {
				t.Fatalf("issue failed: %v", err)
			}
			if issued.FamilyID != issued.TokenID {
				t.Fatalf("first token must start its own family")
			}
			validated, err := store.Validate(ctx, opaque)
			if err != nil {
				t.Fatalf("validate failed: %v", err)
			}
			if validated.TokenID != issued.TokenID || validated.FamilyID != issued.FamilyID || validated.UserID != "user" || validated.ExpiresAt.Unix() != expiry.Unix() {
				t.Fatalf("unexpected grant %+v, issued %+v", validated, issued)
			}

			if err := store.Revoke(ctx, issued.TokenID); err != nil {
				t.Fatalf("revoke failed: %v", err)
			}
			if err := store.Revoke(ctx, issued.TokenID); !errors.Is(err, ErrRefreshTokenAlreadyRevoked) {
				t.Fatalf("expected ErrRefreshTokenAlreadyRevoked, got %v", err)
			}
			if _, err := store.Validate(ctx, opaque); !errors.Is(err, ErrRefreshTokenRevoked) {
				t.Fatalf("expected ErrRefreshTokenRevoked, got %v", err)
			}

			_, expiredOpaque, err := store.Issue(ctx, "user", time.Now().Add(-time.Minute), nil)
			if err != nil {
				t.Fatalf("issue expired failed: %v", err)
			}
			if _, err := store.Validate(ctx, expiredOpaque); !errors.Is(err, ErrRefreshTokenExpired) {
				t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
			}

			if err := store.Revoke(ctx, "missing-token"); !errors.Is(err, ErrRefreshTokenNotFound) {
				t.Fatalf("expected ErrRefreshTokenNotFound when revoking missing token, got %v", err)
			}
		})
	}
}

func TestRefreshTokenStoresRevokeFamilyOnReplay(t *testing.T) {
	for _, testCase := range refreshStoreCases() {
		t.Run(testCase.name, func(t *testing.T) {
			store := testCase.store(t)
			ctx := context.Background()
			expiry := time.Now().Add(time.Hour)

			first, firstOpaque, err := store.Issue(ctx, "user", expiry, nil)
			if err != nil {
				t.Fatalf("issue failed: %v", err)
			}
			second, secondOpaque, err := store.Issue(ctx, "user", expiry, &first)
			if err != nil {
				t.Fatalf("rotate failed: %v", err)
			}
			if second.FamilyID != first.FamilyID || second.TokenID == first.TokenID {
				t.Fatalf("rotated token must stay in the family under a new id")
			}
			if err := store.Revoke(ctx, first.TokenID); err != nil {
				t.Fatalf("revoke failed: %v", err)
			}

			other, otherOpaque, err := store.Issue(ctx, "user", expiry, nil)
			if err != nil {
				t.Fatalf("issue other failed: %v", err)
			}

			if _, err := store.Validate(ctx, firstOpaque); !errors.Is(err, ErrRefreshTokenReused) {
				t.Fatalf("expected ErrRefreshTokenReused, got %v", err)
			}
			if _, err := store.Validate(ctx, secondOpaque); !errors.Is(err, ErrRefreshTokenRevoked) {
				t.Fatalf("expected the family to be revoked, got %v", err)
			}
			if validated, err := store.Validate(ctx, otherOpaque); err != nil || validated.TokenID != other.TokenID {
				t.Fatalf("other sign-ins must survive, got %+v %v", validated, err)
			}
			if !IsTerminalRefreshError(ErrRefreshTokenReused) {
				t.Fatalf("reuse must be terminal")
			}
		})
	}
}
