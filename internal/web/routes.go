package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/harborhope/internal/backend"
	"github.com/tyemirov/harborhope/internal/content"
	"github.com/tyemirov/harborhope/internal/guard"
	"github.com/tyemirov/harborhope/internal/refresh"
	"github.com/tyemirov/harborhope/internal/session"
	"go.uber.org/zap"
)

// AccountRegistrar creates accounts.
type AccountRegistrar interface {
	SignUp(ctx context.Context, email string, password string) (session.Identity, error)
}

// SectionReader serves section documents to visitors.
type SectionReader interface {
	Get(ctx context.Context, section refresh.Section) (content.Document, error)
}

// SectionEditor stores section documents on behalf of admins.
type SectionEditor interface {
	Save(ctx context.Context, section refresh.Section, version int, raw []byte) (content.Document, error)
}

// Dependencies collects the collaborators of the site API.
type Dependencies struct {
	Config       ServerConfig
	Registry     *session.Registry
	NewAuthority AuthorityFactory
	Accounts     AccountRegistrar
	Bus          *refresh.Bus
	Sections     SectionReader
	Editor       SectionEditor
	Limiter      *SignInLimiter
	Metrics      MetricsRecorder
	Logger       *zap.Logger
}

// Handlers serves the auth, session, and content routes.
type Handlers struct {
	configuration ServerConfig
	registry      *session.Registry
	newAuthority  AuthorityFactory
	accounts      AccountRegistrar
	bus           *refresh.Bus
	sections      SectionReader
	editor        SectionEditor
	limiter       *SignInLimiter
	metrics       MetricsRecorder
	logger        *zap.Logger
}

// NewHandlers validates dependencies and applies defaults.
func NewHandlers(dependencies Dependencies) (*Handlers, error) {
	if dependencies.Registry == nil || dependencies.NewAuthority == nil {
		return nil, errors.New("web.handlers: client registry and authority factory are required")
	}
	if dependencies.Bus == nil || dependencies.Sections == nil || dependencies.Editor == nil {
		return nil, errors.New("web.handlers: refresh bus and section collaborators are required")
	}
	if dependencies.Accounts == nil {
		return nil, errors.New("web.handlers: account registrar is required")
	}
	configuration := dependencies.Config
	if configuration.SignInPath == "" {
		configuration.SignInPath = "/signin"
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = 60 * 24 * time.Hour
	}
	if configuration.ClientTTL <= 0 {
		configuration.ClientTTL = configuration.RefreshTTL
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteStrictMode
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		configuration: configuration,
		registry:      dependencies.Registry,
		newAuthority:  dependencies.NewAuthority,
		accounts:      dependencies.Accounts,
		bus:           dependencies.Bus,
		sections:      dependencies.Sections,
		editor:        dependencies.Editor,
		limiter:       dependencies.Limiter,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Mount registers the /auth, /api, and /api/admin routes.
func (handlers *Handlers) Mount(router gin.IRouter) {
	authGroup := router.Group("/auth")
	credentialChecks := []gin.HandlerFunc{}
	if handlers.limiter != nil {
		credentialChecks = append(credentialChecks, handlers.limiter.Middleware(handlers.metrics))
	}
	credentialChecks = append(credentialChecks, handlers.attachClient(true))
	authGroup.POST("/signup", append(credentialChecks, handlers.handleSignUp)...)
	authGroup.POST("/signin", append(credentialChecks, handlers.handleSignIn)...)
	authGroup.POST("/refresh", handlers.attachClient(false), handlers.handleRefresh)
	authGroup.POST("/signout", handlers.attachClient(false), handlers.handleSignOut)

	api := router.Group("/api")
	api.GET("/session", handlers.attachClient(false), handlers.handleSession)
	api.GET("/sections/:section", handlers.handleGetSection)
	api.GET("/refresh", handlers.handleRefreshCounters)

	admin := api.Group("/admin")
	admin.Use(handlers.attachClient(false), guard.Middleware(handlers.stateSource, guard.Policy{AdminRequired: true}, handlers.configuration.SignInPath))
	admin.PUT("/sections/:section", handlers.handleSaveSection)
	admin.POST("/refresh", handlers.handleTriggerRefresh)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Loading      bool              `json:"loading"`
	User         *session.Identity `json:"user"`
	IsAdmin      bool              `json:"is_admin"`
	RoleResolved bool              `json:"role_resolved"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

func newSessionResponse(state session.State) sessionResponse {
	response := sessionResponse{
		Loading:      state.Loading,
		User:         state.Identity,
		IsAdmin:      state.IsAdmin,
		RoleResolved: state.RoleResolved,
	}
	if state.Session != nil && !state.Session.ExpiresAt.IsZero() {
		expiresAt := state.Session.ExpiresAt
		response.ExpiresAt = &expiresAt
	}
	return response
}

func (handlers *Handlers) readCredentials(contextGin *gin.Context) (credentialsRequest, bool) {
	var inbound credentialsRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return credentialsRequest{}, false
	}
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return credentialsRequest{}, false
	}
	return inbound, true
}

func (handlers *Handlers) handleSignUp(contextGin *gin.Context) {
	authority, ok := authorityFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	inbound, ok := handlers.readCredentials(contextGin)
	if !ok {
		return
	}
	if _, err := handlers.accounts.SignUp(contextGin.Request.Context(), inbound.Email, inbound.Password); err != nil {
		handlers.metrics.Increment(metricSignUpFailure)
		switch {
		case errors.Is(err, backend.ErrAccountExists):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "account_exists"})
		case errors.Is(err, backend.ErrInvalidEmail):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		case errors.Is(err, backend.ErrWeakPassword):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "weak_password"})
		default:
			handlers.logger.Error("sign up failed",
				zap.String("code", "web.sign_up.failed"),
				zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	handlers.metrics.Increment(metricSignUpSuccess)
	handlers.completeSignIn(contextGin, authority, inbound, http.StatusCreated)
}

func (handlers *Handlers) handleSignIn(contextGin *gin.Context) {
	authority, ok := authorityFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	inbound, ok := handlers.readCredentials(contextGin)
	if !ok {
		return
	}
	handlers.completeSignIn(contextGin, authority, inbound, http.StatusOK)
}

func (handlers *Handlers) completeSignIn(contextGin *gin.Context, authority *session.Authority, inbound credentialsRequest, status int) {
	if err := authority.SignIn(contextGin.Request.Context(), inbound.Email, inbound.Password); err != nil {
		handlers.metrics.Increment(metricSignInFailure)
		if errors.Is(err, session.ErrInvalidCredentials) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		handlers.logger.Error("sign in failed",
			zap.String("code", "web.sign_in.failed"),
			zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.metrics.Increment(metricSignInSuccess)
	handlers.writeSessionCookies(contextGin, authority.CurrentSession())
	contextGin.JSON(status, newSessionResponse(authority.Snapshot()))
}

func (handlers *Handlers) handleRefresh(contextGin *gin.Context) {
	authority, ok := authorityFromContext(contextGin)
	if !ok {
		handlers.metrics.Increment(metricRefreshFailure)
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if err := authority.Refresh(contextGin.Request.Context()); err != nil {
		handlers.metrics.Increment(metricRefreshFailure)
		if errors.Is(err, session.ErrNoSession) || backend.IsTerminalRefreshError(err) || errors.Is(err, backend.ErrAccountNotFound) {
			handlers.writeSessionCookies(contextGin, nil)
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		handlers.logger.Error("session refresh failed",
			zap.String("code", "web.refresh.failed"),
			zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.metrics.Increment(metricRefreshSuccess)
	handlers.writeSessionCookies(contextGin, authority.CurrentSession())
	contextGin.Status(http.StatusNoContent)
}

func (handlers *Handlers) handleSignOut(contextGin *gin.Context) {
	if authority, ok := authorityFromContext(contextGin); ok {
		if err := authority.SignOut(contextGin.Request.Context()); err != nil {
			handlers.logger.Warn("remote sign out incomplete",
				zap.String("code", "web.sign_out.remote_failed"),
				zap.Error(err))
		}
	}
	handlers.metrics.Increment(metricSignOut)
	handlers.writeSessionCookies(contextGin, nil)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *Handlers) handleSession(contextGin *gin.Context) {
	state := session.State{}
	if authority, ok := authorityFromContext(contextGin); ok {
		state = handlers.settledState(contextGin, authority)
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, newSessionResponse(state))
}

type sectionResponse struct {
	Document content.Document `json:"document"`
	Refresh  uint64           `json:"refresh"`
}

func (handlers *Handlers) handleGetSection(contextGin *gin.Context) {
	section, parseErr := refresh.ParseSection(contextGin.Param("section"))
	if parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_section"})
		return
	}
	counter := handlers.bus.Section(section)
	document, err := handlers.sections.Get(contextGin.Request.Context(), section)
	if err != nil {
		handlers.logger.Error("section load failed",
			zap.String("code", "web.sections.load_failed"),
			zap.String("section", string(section)),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "section_unavailable"})
		return
	}
	contextGin.JSON(http.StatusOK, sectionResponse{Document: document, Refresh: counter})
}

func (handlers *Handlers) handleRefreshCounters(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, handlers.bus.Snapshot())
}

type saveSectionRequest struct {
	Version int             `json:"version"`
	Body    json.RawMessage `json:"body"`
}

func (handlers *Handlers) handleSaveSection(contextGin *gin.Context) {
	section, parseErr := refresh.ParseSection(contextGin.Param("section"))
	if parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_section"})
		return
	}
	var inbound saveSectionRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	document, err := handlers.editor.Save(contextGin.Request.Context(), section, inbound.Version, inbound.Body)
	if err != nil {
		if errors.Is(err, content.ErrInvalidPayload) || errors.Is(err, content.ErrUnsupportedVersion) {
			handlers.metrics.Increment(metricSectionRejected)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
			return
		}
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	handlers.metrics.Increment(metricSectionSaved)
	state, _ := guard.StateFromContext(contextGin)
	if state.Identity != nil {
		handlers.logger.Info("section updated",
			zap.String("section", string(section)),
			zap.String("user_id", state.Identity.ID))
	}
	contextGin.JSON(http.StatusOK, sectionResponse{Document: document, Refresh: handlers.bus.Section(section)})
}

func (handlers *Handlers) handleTriggerRefresh(contextGin *gin.Context) {
	handlers.bus.TriggerRefresh()
	handlers.metrics.Increment(metricGlobalRefresh)
	contextGin.JSON(http.StatusOK, handlers.bus.Snapshot())
}
