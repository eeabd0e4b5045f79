package backend

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const refreshOpaqueByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

// newRefreshOpaque returns a random cookie value and the hash that is stored for it.
func newRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, digestOpaque(opaque), nil
}

func digestOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// nextGrant describes the token that follows replaces, or starts a new family.
// Expiry is kept at second precision to match what the stores persist.
func nextGrant(userID string, expiresAt time.Time, replaces *RefreshGrant) (grant RefreshGrant, previousTokenID string) {
	tokenID := uuid.NewString()
	familyID := tokenID
	if replaces != nil {
		familyID = replaces.FamilyID
		previousTokenID = replaces.TokenID
	}
	return RefreshGrant{
		TokenID:   tokenID,
		UserID:    userID,
		FamilyID:  familyID,
		ExpiresAt: time.Unix(expiresAt.Unix(), 0).UTC(),
	}, previousTokenID
}
