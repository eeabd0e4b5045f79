package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore keeps refresh tokens in the refresh_tokens table.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	FamilyID        string `gorm:"column:family_id;index;not null"`
	TokenDigest     string `gorm:"column:token_digest;uniqueIndex;not null"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresAtUnix   int64  `gorm:"column:expires_at_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

func (record refreshTokenRecord) grant() RefreshGrant {
	return RefreshGrant{
		TokenID:   record.TokenID,
		UserID:    record.UserID,
		FamilyID:  record.FamilyID,
		ExpiresAt: time.Unix(record.ExpiresAtUnix, 0).UTC(),
	}
}

func NewDatabaseRefreshTokenStore(database *Database) *DatabaseRefreshTokenStore {
	return &DatabaseRefreshTokenStore{
		db:          database.db,
		driverLabel: database.driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, replaces *RefreshGrant) (RefreshGrant, string, error) {
	opaque, digest, randomErr := newRefreshOpaque()
	if randomErr != nil {
		return RefreshGrant{}, "", store.wrap("issue", randomErr)
	}
	grant, previous := nextGrant(userID, expiresAt, replaces)
	record := refreshTokenRecord{
		TokenID:         grant.TokenID,
		UserID:          grant.UserID,
		FamilyID:        grant.FamilyID,
		TokenDigest:     digest,
		PreviousTokenID: previous,
		IssuedAtUnix:    store.now().Unix(),
		ExpiresAtUnix:   grant.ExpiresAt.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return RefreshGrant{}, "", store.wrap("issue", err)
	}
	return grant, opaque, nil
}

func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (RefreshGrant, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return RefreshGrant{}, store.wrap("validate", ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_digest = ?", digestOpaque(tokenOpaque)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshGrant{}, store.wrap("validate", ErrRefreshTokenNotFound)
	}
	if err != nil {
		return RefreshGrant{}, store.wrap("validate", err)
	}
	now := store.now()
	if record.RevokedAtUnix != 0 {
		result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
			Where("family_id = ? AND revoked_at_unix = 0", record.FamilyID).
			Update("revoked_at_unix", now.Unix())
		if result.Error != nil {
			return RefreshGrant{}, store.wrap("validate", result.Error)
		}
		if result.RowsAffected > 0 {
			return RefreshGrant{}, store.wrap("validate", ErrRefreshTokenReused)
		}
		return RefreshGrant{}, store.wrap("validate", ErrRefreshTokenRevoked)
	}
	grant := record.grant()
	if grant.ExpiresAt.Before(now) {
		return RefreshGrant{}, store.wrap("validate", ErrRefreshTokenExpired)
	}
	return grant, nil
}

func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", store.now().Unix())
	if result.Error != nil {
		return store.wrap("revoke", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).Where("token_id = ?", tokenID).Count(&count).Error; err != nil {
		return store.wrap("revoke", err)
	}
	if count == 0 {
		return store.wrap("revoke", ErrRefreshTokenNotFound)
	}
	return store.wrap("revoke", ErrRefreshTokenAlreadyRevoked)
}

func (store *DatabaseRefreshTokenStore) wrap(operation string, err error) error {
	return fmt.Errorf("refresh_store.%s.%s: %w", operation, store.driverLabel, err)
}
