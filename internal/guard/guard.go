package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/harborhope/internal/session"
)

// Decision is the outcome of evaluating a Policy against session state.
type Decision int

const (
	// Loading means the first auth-state resolution has not completed.
	Loading Decision = iota
	// RedirectToSignIn means no user is signed in.
	RedirectToSignIn
	// Render means the protected content may be shown.
	Render
	// CheckingPermissions means an admin-only route is waiting on the role lookup.
	CheckingPermissions
	// AccessDenied means the role lookup completed and the user is not an admin.
	AccessDenied
)

// String returns the wire name of the decision.
func (decision Decision) String() string {
	switch decision {
	case Loading:
		return "loading"
	case RedirectToSignIn:
		return "redirect"
	case Render:
		return "render"
	case CheckingPermissions:
		return "checking_permissions"
	case AccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// Policy configures a guarded route.
type Policy struct {
	AdminRequired bool
}

// Evaluate decides what a guarded route shows for the given state.
// An unresolved role yields CheckingPermissions rather than AccessDenied.
func Evaluate(state session.State, policy Policy) Decision {
	if state.Loading {
		return Loading
	}
	if state.Identity == nil {
		return RedirectToSignIn
	}
	if !policy.AdminRequired || state.IsAdmin {
		return Render
	}
	if !state.RoleResolved {
		return CheckingPermissions
	}
	return AccessDenied
}

// StateSource resolves the session state for an inbound request.
type StateSource func(contextGin *gin.Context) (session.State, bool)

// ContextKey is where Middleware stores the state of rendered requests.
const ContextKey = "session_state"

// Middleware gates a route group with policy.
func Middleware(source StateSource, policy Policy, signInPath string) gin.HandlerFunc {
	if source == nil {
		panic("state source is required")
	}
	if signInPath == "" {
		signInPath = "/signin"
	}
	return func(contextGin *gin.Context) {
		state, ok := source(contextGin)
		if !ok {
			contextGin.Redirect(http.StatusSeeOther, signInPath)
			contextGin.Abort()
			return
		}
		decision := Evaluate(state, policy)
		switch decision {
		case Render:
			contextGin.Set(ContextKey, state)
			contextGin.Next()
		case RedirectToSignIn:
			contextGin.Redirect(http.StatusSeeOther, signInPath)
			contextGin.Abort()
		case AccessDenied:
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": decision.String()})
		default:
			contextGin.Header("Retry-After", "1")
			contextGin.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": decision.String()})
		}
	}
}

// StateFromContext returns the state stored by Middleware.
func StateFromContext(contextGin *gin.Context) (session.State, bool) {
	value, found := contextGin.Get(ContextKey)
	if !found {
		return session.State{}, false
	}
	state, ok := value.(session.State)
	return state, ok
}
