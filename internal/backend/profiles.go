package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/harborhope/internal/roles"
	"gorm.io/gorm"
)

// pgInsufficientPrivilege is the SQLSTATE raised when row security rejects a query.
const pgInsufficientPrivilege = "42501"

// ProfileStore reads profile roles with the caller's own visibility.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore constructs a ProfileStore over database.
func NewProfileStore(database *Database) *ProfileStore {
	return &ProfileStore{db: database.db}
}

// ProfileRole returns the role column for userID.
func (store *ProfileStore) ProfileRole(ctx context.Context, userID string) (string, error) {
	var record profileRecord
	err := store.db.WithContext(ctx).Select("role").Where("id = ?", userID).Take(&record).Error
	if err != nil {
		return "", classifyProfileError("profiles.role", err)
	}
	return record.Role, nil
}

// DatabaseRoleLookup answers the admin question with service credentials.
// It is the privileged path for deployments without the is_admin function.
type DatabaseRoleLookup struct {
	db *gorm.DB
}

// NewDatabaseRoleLookup constructs a DatabaseRoleLookup over database.
func NewDatabaseRoleLookup(database *Database) *DatabaseRoleLookup {
	return &DatabaseRoleLookup{db: database.db}
}

// IsAdmin returns nil when the profile row does not exist.
func (lookup *DatabaseRoleLookup) IsAdmin(ctx context.Context, userID string) (*bool, error) {
	var matchedRoles []string
	err := lookup.db.WithContext(ctx).Model(&profileRecord{}).Where("id = ?", userID).Limit(1).Pluck("role", &matchedRoles).Error
	if err != nil {
		return nil, classifyProfileError("profiles.is_admin", err)
	}
	if len(matchedRoles) == 0 {
		return nil, nil
	}
	isAdmin := matchedRoles[0] == roles.AdminRole
	return &isAdmin, nil
}

func classifyProfileError(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", operation, roles.ErrProfileNotFound)
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == pgInsufficientPrivilege {
		return fmt.Errorf("%s: %w: %s", operation, roles.ErrAccessDenied, pgError.Message)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
