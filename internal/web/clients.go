package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/harborhope/internal/backend"
	"github.com/tyemirov/harborhope/internal/session"
	"go.uber.org/zap"
)

// AuthorityFactory builds the Authority of a client seen for the first time,
// seeded with whatever tokens its cookies carried.
type AuthorityFactory func(stored backend.StoredTokens) (*session.Authority, error)

const authorityContextKey = "site_authority"

// attachClient resolves the client cookie to its Authority. A visitor that
// carries no tokens and has no live Authority is only registered, and issued a
// client id, when registerAnonymous is set; other routes serve it as signed out.
func (handlers *Handlers) attachClient(registerAnonymous bool) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		clientID := readClientID(contextGin.Request)
		stored := backend.StoredTokens{
			AccessToken:  cookieValue(contextGin.Request, SessionCookieName),
			RefreshToken: cookieValue(contextGin.Request, RefreshCookieName),
		}
		if !registerAnonymous && stored.AccessToken == "" && stored.RefreshToken == "" {
			if clientID != "" {
				if authority, ok := handlers.registry.Existing(clientID); ok {
					contextGin.Set(authorityContextKey, authority)
				}
			}
			contextGin.Next()
			return
		}
		if clientID == "" {
			clientID = uuid.NewString()
			handlers.writeCookie(contextGin, ClientCookieName, clientID, time.Now().UTC().Add(handlers.configuration.ClientTTL))
		}
		authority, lookupErr := handlers.registry.Lookup(clientID, func() (*session.Authority, error) {
			return handlers.newAuthority(stored)
		})
		if lookupErr != nil {
			handlers.logger.Error("client authority unavailable",
				zap.String("code", "web.client.authority_failed"),
				zap.Error(lookupErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
			return
		}
		contextGin.Set(authorityContextKey, authority)
		contextGin.Next()
	}
}

func authorityFromContext(contextGin *gin.Context) (*session.Authority, bool) {
	value, found := contextGin.Get(authorityContextKey)
	if !found {
		return nil, false
	}
	authority, ok := value.(*session.Authority)
	return authority, ok && authority != nil
}

// stateSource feeds the route guard with a settled snapshot of the request's client.
// A visitor without an Authority is signed out.
func (handlers *Handlers) stateSource(contextGin *gin.Context) (session.State, bool) {
	authority, ok := authorityFromContext(contextGin)
	if !ok {
		return session.State{}, true
	}
	return handlers.settledState(contextGin, authority), true
}

// settledState renews or drops an expired session, waits for the client to settle,
// and brings the token cookies in line with the session it settled on.
func (handlers *Handlers) settledState(contextGin *gin.Context, authority *session.Authority) session.State {
	ctx := contextGin.Request.Context()
	authority.ExpireStale(ctx)
	state := awaitSettled(ctx, authority, handlers.configuration.SettleTimeout)
	if !state.Loading {
		handlers.syncSessionCookies(contextGin, state.Session)
	}
	return state
}

// awaitSettled waits up to timeout for loading to clear and for the role of a signed-in
// user to resolve, then returns the latest snapshot either way.
func awaitSettled(ctx context.Context, authority *session.Authority, timeout time.Duration) session.State {
	state := authority.Snapshot()
	if isSettled(state) || timeout <= 0 {
		return state
	}
	changed := make(chan struct{}, 1)
	cancel := authority.Watch(func(session.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		state = authority.Snapshot()
		if isSettled(state) {
			return state
		}
		select {
		case <-changed:
		case <-timer.C:
			return authority.Snapshot()
		case <-ctx.Done():
			return authority.Snapshot()
		}
	}
}

func isSettled(state session.State) bool {
	return !state.Loading && (state.Identity == nil || state.RoleResolved)
}

func readClientID(request *http.Request) string {
	value := cookieValue(request, ClientCookieName)
	if value == "" {
		return ""
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return ""
	}
	return parsed.String()
}

func cookieValue(request *http.Request, name string) string {
	cookie, err := request.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (handlers *Handlers) writeCookie(contextGin *gin.Context, name string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *Handlers) clearCookie(contextGin *gin.Context, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *Handlers) writeSessionCookies(contextGin *gin.Context, current *session.Session) {
	if current == nil {
		handlers.clearCookie(contextGin, SessionCookieName)
		handlers.clearCookie(contextGin, RefreshCookieName)
		return
	}
	handlers.writeCookie(contextGin, SessionCookieName, current.AccessToken, current.ExpiresAt)
	if current.RefreshToken != "" {
		handlers.writeCookie(contextGin, RefreshCookieName, current.RefreshToken, time.Now().UTC().Add(handlers.configuration.RefreshTTL))
	}
}

// syncSessionCookies rewrites the token cookies when they no longer match current,
// which happens after a server-side rotation or when the session ended.
func (handlers *Handlers) syncSessionCookies(contextGin *gin.Context, current *session.Session) {
	presentedAccess := cookieValue(contextGin.Request, SessionCookieName)
	if current == nil {
		if presentedAccess != "" || cookieValue(contextGin.Request, RefreshCookieName) != "" {
			handlers.writeSessionCookies(contextGin, nil)
		}
		return
	}
	if current.AccessToken != presentedAccess {
		handlers.writeSessionCookies(contextGin, current)
	}
}
