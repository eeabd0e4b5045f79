package backendpg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/harborhope/internal/roles"
)

const pgInsufficientPrivilege = "42501"

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RoleFunction answers the admin question through the is_admin database function.
type RoleFunction struct {
	pool rowQuerier
}

// NewRoleFunction constructs a RoleFunction. pool is usually a *pgxpool.Pool.
func NewRoleFunction(pool rowQuerier) *RoleFunction {
	return &RoleFunction{pool: pool}
}

// IsAdmin returns nil when the function yields NULL.
func (function *RoleFunction) IsAdmin(ctx context.Context, userID string) (*bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	var result *bool
	if err := function.pool.QueryRow(ctx, "SELECT is_admin($1)", userID).Scan(&result); err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == pgInsufficientPrivilege {
			return nil, fmt.Errorf("backendpg.is_admin: %w: %s", roles.ErrAccessDenied, pgError.Message)
		}
		return nil, fmt.Errorf("backendpg.is_admin: %w", err)
	}
	return result, nil
}
