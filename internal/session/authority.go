package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Authority owns the session and derived admin role for one client.
//
// Loading clears on the first provider event or on completion of the one-shot
// session check, whichever comes first. Role lookups never hold it up.
type Authority struct {
	provider Provider
	resolver RoleResolver
	logger   *zap.Logger
	clock    Clock

	mutex        sync.Mutex
	state        State
	generation   uint64
	roleInFlight bool
	eventsSeen   bool
	started      bool
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()

	notifyMutex   sync.Mutex
	watchers      map[uint64]func(State)
	nextWatcherID uint64
}

// Clock supplies the time used for session expiry checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock replaces the clock used to decide session expiry.
func WithClock(clock Clock) Option {
	return func(authority *Authority) {
		if clock != nil {
			authority.clock = clock
		}
	}
}

// NewAuthority constructs an Authority in the bootstrapping state.
func NewAuthority(provider Provider, resolver RoleResolver, logger *zap.Logger, options ...Option) *Authority {
	if provider == nil {
		panic("session provider is required")
	}
	if resolver == nil {
		panic("role resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	authority := &Authority{
		provider: provider,
		resolver: resolver,
		logger:   logger,
		clock:    systemClock{},
		state:    State{Loading: true},
		watchers: make(map[uint64]func(State)),
	}
	for _, option := range options {
		option(authority)
	}
	return authority
}

// Start subscribes to provider events and then issues the one-shot session check.
// Role lookups run under ctx until Close.
func (authority *Authority) Start(ctx context.Context) {
	authority.mutex.Lock()
	if authority.started {
		authority.mutex.Unlock()
		return
	}
	authority.started = true
	authority.ctx, authority.cancel = context.WithCancel(ctx)
	authority.mutex.Unlock()

	unsubscribe := authority.provider.Subscribe(authority.handleEvent)

	authority.mutex.Lock()
	authority.unsubscribe = unsubscribe
	bootstrapCtx := authority.ctx
	authority.mutex.Unlock()

	go authority.bootstrap(bootstrapCtx)
}

// Close unsubscribes from the provider and cancels pending role lookups.
func (authority *Authority) Close() {
	authority.mutex.Lock()
	if authority.closed {
		authority.mutex.Unlock()
		return
	}
	authority.closed = true
	unsubscribe := authority.unsubscribe
	cancel := authority.cancel
	authority.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// CurrentIdentity returns the signed-in user or nil.
func (authority *Authority) CurrentIdentity() *Identity {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return cloneIdentity(authority.state.Identity)
}

// CurrentSession returns the live session or nil.
func (authority *Authority) CurrentSession() *Session {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return cloneSession(authority.state.Session)
}

// IsLoading reports whether the first auth-state resolution is still pending.
func (authority *Authority) IsLoading() bool {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return authority.state.Loading
}

// IsAdmin reports the resolved admin role. It is false until the lookup completes.
func (authority *Authority) IsAdmin() bool {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return authority.state.IsAdmin
}

// RoleResolved reports whether IsAdmin reflects a completed lookup for the current user.
func (authority *Authority) RoleResolved() bool {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return authority.state.RoleResolved
}

// Snapshot returns a copy of the whole state.
func (authority *Authority) Snapshot() State {
	authority.mutex.Lock()
	defer authority.mutex.Unlock()
	return authority.snapshotLocked()
}

// Watch registers an observer called after every transition with the latest state.
// Observers must not call SignIn or SignOut synchronously.
func (authority *Authority) Watch(observer func(State)) (cancel func()) {
	authority.notifyMutex.Lock()
	defer authority.notifyMutex.Unlock()
	authority.nextWatcherID++
	watcherID := authority.nextWatcherID
	authority.watchers[watcherID] = observer
	return func() {
		authority.notifyMutex.Lock()
		defer authority.notifyMutex.Unlock()
		delete(authority.watchers, watcherID)
	}
}

// SignIn authenticates with the provider. State changes arrive through the provider event.
func (authority *Authority) SignIn(ctx context.Context, email string, password string) error {
	if _, err := authority.provider.SignInWithPassword(ctx, email, password); err != nil {
		authority.logger.Info("sign in rejected",
			zap.String("code", "session.sign_in.failed"),
			zap.Error(err))
		return fmt.Errorf("session.sign_in: %w", err)
	}
	return nil
}

// SignOut clears local state before contacting the provider.
// A remote failure is returned but the local state stays cleared, and a
// session check still in flight can no longer restore the old session.
func (authority *Authority) SignOut(ctx context.Context) error {
	authority.mutex.Lock()
	authority.eventsSeen = true
	authority.applySessionLocked(nil)
	authority.mutex.Unlock()
	authority.notify()

	if err := authority.provider.SignOut(ctx); err != nil {
		authority.logger.Warn("remote sign out failed",
			zap.String("code", "session.sign_out.remote_failed"),
			zap.Error(err))
		return fmt.Errorf("session.sign_out: %w", err)
	}
	return nil
}

// Refresh rotates the session when the provider supports it.
func (authority *Authority) Refresh(ctx context.Context) error {
	refresher, ok := authority.provider.(Refresher)
	if !ok {
		return ErrRefreshUnsupported
	}
	if _, err := refresher.Refresh(ctx); err != nil {
		return fmt.Errorf("session.refresh: %w", err)
	}
	return nil
}

// ExpireStale ends a session whose access token has expired. The provider is
// asked for its session first so it can rotate the tokens; if the session is
// still expired afterwards it is dropped locally.
func (authority *Authority) ExpireStale(ctx context.Context) {
	authority.mutex.Lock()
	expired := authority.expiredLocked()
	authority.mutex.Unlock()
	if !expired {
		return
	}

	if _, err := authority.provider.GetSession(ctx); err != nil {
		authority.logger.Warn("expired session renewal failed",
			zap.String("code", "session.expiry.renew_failed"),
			zap.Error(err))
	}

	authority.mutex.Lock()
	if authority.closed || !authority.expiredLocked() {
		authority.mutex.Unlock()
		return
	}
	userID := authority.state.Identity.ID
	authority.eventsSeen = true
	authority.applySessionLocked(nil)
	authority.mutex.Unlock()

	authority.logger.Info("session expired",
		zap.String("code", "session.expired"),
		zap.String("user_id", userID))
	authority.notify()
}

// expiredLocked reports whether the live session is past its expiry. The caller holds mutex.
func (authority *Authority) expiredLocked() bool {
	current := authority.state.Session
	if current == nil || current.ExpiresAt.IsZero() {
		return false
	}
	return !authority.clock.Now().Before(current.ExpiresAt)
}

func (authority *Authority) handleEvent(event AuthEvent) {
	authority.mutex.Lock()
	if authority.closed {
		authority.mutex.Unlock()
		return
	}
	authority.eventsSeen = true
	authority.applySessionLocked(event.Session)
	authority.mutex.Unlock()

	authority.logger.Debug("auth state changed", zap.String("event", string(event.Kind)))
	authority.notify()
}

func (authority *Authority) bootstrap(ctx context.Context) {
	existing, err := authority.provider.GetSession(ctx)
	if err != nil {
		authority.logger.Warn("existing session check failed",
			zap.String("code", "session.bootstrap.failed"),
			zap.Error(err))
		existing = nil
	}

	authority.mutex.Lock()
	if authority.closed || authority.eventsSeen {
		authority.mutex.Unlock()
		return
	}
	authority.applySessionLocked(existing)
	authority.mutex.Unlock()
	authority.notify()
}

// applySessionLocked performs one transition. The caller holds mutex.
func (authority *Authority) applySessionLocked(next *Session) {
	previousUserID := ""
	if authority.state.Identity != nil {
		previousUserID = authority.state.Identity.ID
	}

	authority.state.Loading = false
	if next == nil {
		authority.state.Session = nil
		authority.state.Identity = nil
		authority.state.IsAdmin = false
		authority.state.RoleResolved = false
		if previousUserID != "" {
			authority.generation++
		}
		return
	}

	authority.state.Session = cloneSession(next)
	authority.state.Identity = &Identity{ID: next.User.ID, Email: next.User.Email}
	if next.User.ID != previousUserID {
		authority.generation++
		authority.state.IsAdmin = false
		authority.state.RoleResolved = false
	}
	authority.startRoleResolutionLocked()
}

// startRoleResolutionLocked fires a lookup unless one is already in flight.
func (authority *Authority) startRoleResolutionLocked() {
	if authority.roleInFlight || authority.state.Identity == nil || authority.ctx == nil {
		return
	}
	authority.roleInFlight = true
	userID := authority.state.Identity.ID
	generation := authority.generation
	ctx := authority.ctx
	go authority.resolveRole(ctx, userID, generation)
}

func (authority *Authority) resolveRole(ctx context.Context, userID string, generation uint64) {
	isAdmin := authority.resolver.Resolve(ctx, userID)

	authority.mutex.Lock()
	authority.roleInFlight = false
	if authority.closed {
		authority.mutex.Unlock()
		return
	}
	current := authority.state.Identity
	if generation != authority.generation || current == nil || current.ID != userID {
		authority.logger.Debug("discarding stale role lookup",
			zap.String("user_id", userID),
			zap.Uint64("generation", generation))
		if current != nil && !authority.state.RoleResolved {
			authority.startRoleResolutionLocked()
		}
		authority.mutex.Unlock()
		return
	}
	authority.state.IsAdmin = isAdmin
	authority.state.RoleResolved = true
	authority.mutex.Unlock()
	authority.notify()
}

func (authority *Authority) snapshotLocked() State {
	return State{
		Loading:      authority.state.Loading,
		Session:      cloneSession(authority.state.Session),
		Identity:     cloneIdentity(authority.state.Identity),
		IsAdmin:      authority.state.IsAdmin,
		RoleResolved: authority.state.RoleResolved,
	}
}

func (authority *Authority) notify() {
	authority.notifyMutex.Lock()
	defer authority.notifyMutex.Unlock()
	if len(authority.watchers) == 0 {
		return
	}
	current := authority.Snapshot()
	for _, observer := range authority.watchers {
		observer(current)
	}
}
