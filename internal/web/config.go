package web

import (
	"net/http"
	"time"
)

const (
	ClientCookieName  = "site_client"
	SessionCookieName = "site_session"
	RefreshCookieName = "site_refresh"
)

// ServerConfig configures cookies and auth flows for the site API.
type ServerConfig struct {
	CookieDomain      string
	SessionTTL        time.Duration
	RefreshTTL        time.Duration
	ClientTTL         time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	SignInPath        string
	// SettleTimeout bounds how long a guarded request waits for the session and role to resolve.
	SettleTimeout time.Duration
}
