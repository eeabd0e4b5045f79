package backend

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore keeps refresh tokens in process memory. Tokens do not
// survive a restart, so it suits tests and single-instance development.
type MemoryRefreshTokenStore struct {
	now func() time.Time

	mutex    sync.Mutex
	grants   map[string]*memoryGrant
	byDigest map[string]string
}

type memoryGrant struct {
	grant     RefreshGrant
	previous  string
	revokedAt time.Time
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		now:      func() time.Time { return time.Now().UTC() },
		grants:   make(map[string]*memoryGrant),
		byDigest: make(map[string]string),
	}
}

func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, replaces *RefreshGrant) (RefreshGrant, string, error) {
	opaque, digest, err := newRefreshOpaque()
	if err != nil {
		return RefreshGrant{}, "", err
	}
	grant, previous := nextGrant(userID, expiresAt, replaces)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.grants[grant.TokenID] = &memoryGrant{grant: grant, previous: previous}
	store.byDigest[digest] = grant.TokenID
	return grant, opaque, nil
}

func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (RefreshGrant, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return RefreshGrant{}, ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry := store.grants[store.byDigest[digestOpaque(tokenOpaque)]]
	if entry == nil {
		return RefreshGrant{}, ErrRefreshTokenNotFound
	}
	now := store.now()
	if !entry.revokedAt.IsZero() {
		if store.revokeFamilyLocked(entry.grant.FamilyID, now) > 0 {
			return RefreshGrant{}, ErrRefreshTokenReused
		}
		return RefreshGrant{}, ErrRefreshTokenRevoked
	}
	if entry.grant.ExpiresAt.Before(now) {
		return RefreshGrant{}, ErrRefreshTokenExpired
	}
	return entry.grant, nil
}

func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry := store.grants[tokenID]
	if entry == nil {
		return ErrRefreshTokenNotFound
	}
	if !entry.revokedAt.IsZero() {
		return ErrRefreshTokenAlreadyRevoked
	}
	entry.revokedAt = store.now()
	return nil
}

func (store *MemoryRefreshTokenStore) revokeFamilyLocked(familyID string, now time.Time) int {
	revoked := 0
	for _, entry := range store.grants {
		if entry.grant.FamilyID == familyID && entry.revokedAt.IsZero() {
			entry.revokedAt = now
			revoked++
		}
	}
	return revoked
}
