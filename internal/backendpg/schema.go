package backendpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// isAdminFunctionSQL reads profiles with the function owner's rights, so it answers
// even when row security hides the row from the caller. A missing row yields NULL.
const isAdminFunctionSQL = `
CREATE OR REPLACE FUNCTION is_admin(uid text)
RETURNS boolean
LANGUAGE sql
STABLE
SECURITY DEFINER
SET search_path = public
AS $$
    SELECT role = 'admin' FROM profiles WHERE id = uid
$$;
`

// EnsureSchema installs the is_admin function. The profiles table must already exist.
func EnsureSchema(ctx context.Context, pool execer) error {
	_, err := pool.Exec(ctx, isAdminFunctionSQL)
	return err
}
