package backend

import "errors"

var (
	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenReused         = errors.New("refresh_store.reused")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
)

// IsTerminalRefreshError reports whether err means the refresh token can never be used again.
func IsTerminalRefreshError(err error) bool {
	return errors.Is(err, ErrRefreshTokenNotFound) ||
		errors.Is(err, ErrRefreshTokenRevoked) ||
		errors.Is(err, ErrRefreshTokenReused) ||
		errors.Is(err, ErrRefreshTokenExpired) ||
		errors.Is(err, ErrRefreshTokenEmptyOpaque)
}
