package roles

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// AdminRole is the profile role value that grants administrator access.
const AdminRole = "admin"

var (
	// ErrProfileNotFound indicates that no profile row exists for the user.
	ErrProfileNotFound = errors.New("roles.profile_not_found")
	// ErrAccessDenied indicates that row visibility rules rejected the lookup.
	ErrAccessDenied = errors.New("roles.access_denied")
)

// PrivilegedLookup answers the admin question while bypassing row visibility rules.
// A nil result with a nil error means the lookup produced no answer.
type PrivilegedLookup interface {
	IsAdmin(ctx context.Context, userID string) (*bool, error)
}

// ProfileStore reads the role column of a profile record.
type ProfileStore interface {
	ProfileRole(ctx context.Context, userID string) (string, error)
}

// Resolver determines administrator status, failing closed.
type Resolver struct {
	privileged PrivilegedLookup
	profiles   ProfileStore
	logger     *zap.Logger
}

// NewResolver constructs a Resolver. Either collaborator may be nil.
func NewResolver(privileged PrivilegedLookup, profiles ProfileStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		privileged: privileged,
		profiles:   profiles,
		logger:     logger,
	}
}

// Resolve reports whether userID holds the administrator role.
func (resolver *Resolver) Resolve(ctx context.Context, userID string) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}

	if resolver.privileged != nil {
		isAdmin, lookupErr := resolver.privileged.IsAdmin(ctx, userID)
		if lookupErr == nil && isAdmin != nil {
			return *isAdmin
		}
		if lookupErr != nil {
			resolver.logger.Warn("privileged role lookup failed; falling back to profile read",
				zap.String("code", "roles.privileged_lookup_failed"),
				zap.String("user_id", userID),
				zap.Error(lookupErr))
		}
	}

	if resolver.profiles == nil {
		return false
	}
	role, readErr := resolver.profiles.ProfileRole(ctx, userID)
	if readErr != nil {
		switch {
		case errors.Is(readErr, ErrAccessDenied):
			resolver.logger.Warn("profile read rejected by access policy",
				zap.String("code", "roles.access_denied"),
				zap.String("user_id", userID),
				zap.Error(readErr))
		case errors.Is(readErr, ErrProfileNotFound):
			resolver.logger.Debug("profile missing; treating as non-admin",
				zap.String("code", "roles.profile_not_found"),
				zap.String("user_id", userID))
		default:
			resolver.logger.Warn("profile read failed",
				zap.String("code", "roles.profile_read_failed"),
				zap.String("user_id", userID),
				zap.Error(readErr))
		}
		return false
	}
	return role == AdminRole
}
