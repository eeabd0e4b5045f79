package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/harborhope/internal/session"
	"github.com/tyemirov/harborhope/pkg/accesstoken"
	"go.uber.org/zap"
)

// ProviderConfig configures token issuing for PasswordProvider.
type ProviderConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      accesstoken.Clock
}

// StoredTokens are the credentials a client kept from a previous visit.
type StoredTokens struct {
	AccessToken  string
	RefreshToken string
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// PasswordProvider is the session.Provider for one client, backed by password accounts,
// short-lived access JWTs, and rotating refresh tokens.
type PasswordProvider struct {
	accounts      Accounts
	refreshTokens RefreshTokenStore
	configuration ProviderConfig
	tokens        *accesstoken.Codec
	logger        *zap.Logger

	restoreMutex sync.Mutex
	stored       StoredTokens

	emitMutex   sync.Mutex
	rotateMutex sync.Mutex

	mutex          sync.Mutex
	current        *session.Session
	restored       bool
	explicit       bool
	listeners      map[uint64]session.Listener
	nextListenerID uint64
}

// NewPasswordProvider constructs a provider seeded with stored tokens.
func NewPasswordProvider(accounts Accounts, refreshTokens RefreshTokenStore, configuration ProviderConfig, stored StoredTokens, logger *zap.Logger) (*PasswordProvider, error) {
	if accounts == nil || refreshTokens == nil {
		return nil, errors.New("provider.new: accounts and refresh token store are required")
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, errors.New("provider.new: token ttls must be greater than zero")
	}
	if configuration.Clock == nil {
		configuration.Clock = systemClock{}
	}
	tokens, tokensErr := accesstoken.New(accesstoken.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		TTL:        configuration.AccessTTL,
		Clock:      configuration.Clock,
	})
	if tokensErr != nil {
		return nil, fmt.Errorf("provider.new: %w", tokensErr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordProvider{
		accounts:      accounts,
		refreshTokens: refreshTokens,
		configuration: configuration,
		tokens:        tokens,
		logger:        logger,
		stored:        stored,
		listeners:     make(map[uint64]session.Listener),
	}, nil
}

// Subscribe registers listener and delivers INITIAL_SESSION asynchronously.
func (provider *PasswordProvider) Subscribe(listener session.Listener) func() {
	provider.mutex.Lock()
	provider.nextListenerID++
	listenerID := provider.nextListenerID
	provider.listeners[listenerID] = listener
	provider.mutex.Unlock()

	go func() {
		if _, err := provider.GetSession(context.Background()); err != nil {
			provider.logger.Warn("initial session restore failed",
				zap.String("code", "provider.initial_session.failed"),
				zap.Error(err))
		}
		// Read the session under emitMutex so a concurrent sign-in cannot be overtaken.
		provider.emitMutex.Lock()
		defer provider.emitMutex.Unlock()
		provider.mutex.Lock()
		_, subscribed := provider.listeners[listenerID]
		initial := copySession(provider.current)
		provider.mutex.Unlock()
		if subscribed {
			listener(session.AuthEvent{Kind: session.EventInitialSession, Session: initial})
		}
	}()

	return func() {
		provider.mutex.Lock()
		defer provider.mutex.Unlock()
		delete(provider.listeners, listenerID)
	}
}

// GetSession returns the live session, restoring it from stored tokens on first use.
// An expired session is rotated; if the refresh token is rejected the session
// ends with SIGNED_OUT and nil is returned.
func (provider *PasswordProvider) GetSession(ctx context.Context) (*session.Session, error) {
	current, restoreErr := provider.restoredSession(ctx)
	if restoreErr != nil || !provider.expired(current) {
		return current, restoreErr
	}

	provider.rotateMutex.Lock()
	defer provider.rotateMutex.Unlock()
	renewed, renewErr := provider.refreshLocked(ctx, true)
	if renewErr != nil {
		if errors.Is(renewErr, session.ErrNoSession) {
			provider.endSession()
			return nil, nil
		}
		if IsTerminalRefreshError(renewErr) || errors.Is(renewErr, ErrAccountNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("provider.get_session: %w", renewErr)
	}
	return renewed, nil
}

func (provider *PasswordProvider) restoredSession(ctx context.Context) (*session.Session, error) {
	provider.restoreMutex.Lock()
	defer provider.restoreMutex.Unlock()

	provider.mutex.Lock()
	if provider.restored {
		current := copySession(provider.current)
		provider.mutex.Unlock()
		return current, nil
	}
	provider.mutex.Unlock()

	restoredSession, restoreErr := provider.restore(ctx)

	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.restored = true
	if !provider.explicit {
		provider.current = restoredSession
	}
	return copySession(provider.current), restoreErr
}

func (provider *PasswordProvider) expired(current *session.Session) bool {
	if current == nil || current.ExpiresAt.IsZero() {
		return false
	}
	return !provider.configuration.Clock.Now().Before(current.ExpiresAt)
}

// SignInWithPassword authenticates and emits SIGNED_IN.
func (provider *PasswordProvider) SignInWithPassword(ctx context.Context, email string, password string) (*session.Session, error) {
	identity, authErr := provider.accounts.Authenticate(ctx, email, password)
	if authErr != nil {
		return nil, authErr
	}
	issued, issueErr := provider.issueSession(ctx, identity, nil)
	if issueErr != nil {
		return nil, issueErr
	}

	provider.mutex.Lock()
	provider.current = issued
	provider.explicit = true
	provider.mutex.Unlock()

	provider.emit(session.AuthEvent{Kind: session.EventSignedIn, Session: copySession(issued)})
	return copySession(issued), nil
}

// Refresh rotates the refresh token and emits TOKEN_REFRESHED. A rejected
// refresh token ends the session with SIGNED_OUT.
func (provider *PasswordProvider) Refresh(ctx context.Context) (*session.Session, error) {
	provider.rotateMutex.Lock()
	defer provider.rotateMutex.Unlock()
	rotated, err := provider.refreshLocked(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("provider.refresh: %w", err)
	}
	return rotated, nil
}

// refreshLocked rotates the current session. With onlyExpired set, a session
// another caller already renewed is returned as is. The caller holds rotateMutex.
func (provider *PasswordProvider) refreshLocked(ctx context.Context, onlyExpired bool) (*session.Session, error) {
	current, restoreErr := provider.restoredSession(ctx)
	if restoreErr != nil {
		return nil, restoreErr
	}
	if current == nil || current.RefreshToken == "" {
		return nil, session.ErrNoSession
	}
	if onlyExpired && !provider.expired(current) {
		return current, nil
	}

	rotated, rotateErr := provider.rotate(ctx, current.RefreshToken)
	if rotateErr != nil {
		if IsTerminalRefreshError(rotateErr) || errors.Is(rotateErr, ErrAccountNotFound) {
			provider.endSession()
		}
		return nil, rotateErr
	}

	provider.mutex.Lock()
	provider.current = rotated
	provider.explicit = true
	provider.mutex.Unlock()

	provider.emit(session.AuthEvent{Kind: session.EventTokenRefreshed, Session: copySession(rotated)})
	return copySession(rotated), nil
}

func (provider *PasswordProvider) endSession() {
	provider.mutex.Lock()
	provider.current = nil
	provider.explicit = true
	provider.mutex.Unlock()
	provider.emit(session.AuthEvent{Kind: session.EventSignedOut})
}

// SignOut forgets the session, emits SIGNED_OUT, and revokes the refresh token.
func (provider *PasswordProvider) SignOut(ctx context.Context) error {
	provider.mutex.Lock()
	previous := provider.current
	provider.current = nil
	provider.explicit = true
	provider.mutex.Unlock()

	provider.emit(session.AuthEvent{Kind: session.EventSignedOut})

	if previous == nil || strings.TrimSpace(previous.RefreshToken) == "" {
		return nil
	}
	grant, validateErr := provider.refreshTokens.Validate(ctx, previous.RefreshToken)
	if validateErr != nil {
		if IsTerminalRefreshError(validateErr) {
			return nil
		}
		return fmt.Errorf("provider.sign_out: %w", validateErr)
	}
	if revokeErr := provider.refreshTokens.Revoke(ctx, grant.TokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
		return fmt.Errorf("provider.sign_out: %w", revokeErr)
	}
	return nil
}

func (provider *PasswordProvider) restore(ctx context.Context) (*session.Session, error) {
	stored := provider.stored
	if strings.TrimSpace(stored.AccessToken) != "" {
		claims, parseErr := provider.tokens.Parse(stored.AccessToken)
		if parseErr == nil {
			return &session.Session{
				AccessToken:  stored.AccessToken,
				RefreshToken: stored.RefreshToken,
				ExpiresAt:    claims.Expiry(),
				User:         session.Identity{ID: claims.Subject, Email: claims.Email},
			}, nil
		}
		provider.logger.Debug("stored access token rejected", zap.Error(parseErr))
	}
	if strings.TrimSpace(stored.RefreshToken) == "" {
		return nil, nil
	}
	rotated, rotateErr := provider.rotate(ctx, stored.RefreshToken)
	if rotateErr != nil {
		if IsTerminalRefreshError(rotateErr) || errors.Is(rotateErr, ErrAccountNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("provider.restore: %w", rotateErr)
	}
	return rotated, nil
}

func (provider *PasswordProvider) rotate(ctx context.Context, refreshOpaque string) (*session.Session, error) {
	grant, validateErr := provider.refreshTokens.Validate(ctx, refreshOpaque)
	if validateErr != nil {
		return nil, validateErr
	}
	identity, identityErr := provider.accounts.Identity(ctx, grant.UserID)
	if identityErr != nil {
		return nil, identityErr
	}
	rotated, issueErr := provider.issueSession(ctx, identity, &grant)
	if issueErr != nil {
		return nil, issueErr
	}
	if revokeErr := provider.refreshTokens.Revoke(ctx, grant.TokenID); revokeErr != nil {
		return nil, revokeErr
	}
	return rotated, nil
}

func (provider *PasswordProvider) issueSession(ctx context.Context, identity session.Identity, replaces *RefreshGrant) (*session.Session, error) {
	accessToken, expiresAt, issueErr := provider.tokens.Issue(identity.ID, identity.Email)
	if issueErr != nil {
		return nil, issueErr
	}
	refreshExpiry := provider.configuration.Clock.Now().Add(provider.configuration.RefreshTTL)
	_, refreshOpaque, refreshErr := provider.refreshTokens.Issue(ctx, identity.ID, refreshExpiry, replaces)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return &session.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		ExpiresAt:    expiresAt,
		User:         identity,
	}, nil
}

func (provider *PasswordProvider) emit(event session.AuthEvent) {
	provider.emitMutex.Lock()
	defer provider.emitMutex.Unlock()
	provider.mutex.Lock()
	listeners := make([]session.Listener, 0, len(provider.listeners))
	for _, listener := range provider.listeners {
		listeners = append(listeners, listener)
	}
	provider.mutex.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func copySession(source *session.Session) *session.Session {
	if source == nil {
		return nil
	}
	clone := *source
	return &clone
}
