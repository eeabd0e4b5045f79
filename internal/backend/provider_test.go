package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tyemirov/harborhope/internal/roles"
	"github.com/tyemirov/harborhope/internal/session"
	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []session.AuthEvent
}

func (recorder *eventRecorder) listen(event session.AuthEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) kinds() []session.EventKind {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	kinds := make([]session.EventKind, 0, len(recorder.events))
	for _, event := range recorder.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type providerFixture struct {
	accounts      *AccountStore
	database      *Database
	refreshTokens *MemoryRefreshTokenStore
	configuration ProviderConfig
	clock         *controllableClock
	identity      session.Identity
}

func newProviderFixture(t *testing.T) *providerFixture {
	t.Helper()
	accounts, database := newTestAccountStore(t)
	identity, err := accounts.SignUp(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)
	clock := &controllableClock{current: time.Now().UTC()}
	return &providerFixture{
		accounts:      accounts,
		database:      database,
		refreshTokens: NewMemoryRefreshTokenStore(),
		clock:         clock,
		identity:      identity,
		configuration: ProviderConfig{
			SigningKey: []byte("test-signing-key"),
			Issuer:     "harborhope-test",
			AccessTTL:  time.Minute,
			RefreshTTL: time.Hour,
			Clock:      clock,
		},
	}
}

func (fixture *providerFixture) provider(t *testing.T, stored StoredTokens) *PasswordProvider {
	t.Helper()
	provider, err := NewPasswordProvider(fixture.accounts, fixture.refreshTokens, fixture.configuration, stored, zaptest.NewLogger(t))
	require.NoError(t, err)
	return provider
}

func TestNewPasswordProviderValidatesConfig(t *testing.T) {
	fixture := newProviderFixture(t)

	_, err := NewPasswordProvider(nil, fixture.refreshTokens, fixture.configuration, StoredTokens{}, nil)
	require.Error(t, err)

	invalid := fixture.configuration
	invalid.AccessTTL = 0
	_, err = NewPasswordProvider(fixture.accounts, fixture.refreshTokens, invalid, StoredTokens{}, nil)
	require.Error(t, err)

	missingKey := fixture.configuration
	missingKey.SigningKey = nil
	_, err = NewPasswordProvider(fixture.accounts, fixture.refreshTokens, missingKey, StoredTokens{}, nil)
	require.Error(t, err)
}

func TestPasswordProviderSignInLifecycle(t *testing.T) {
	fixture := newProviderFixture(t)
	provider := fixture.provider(t, StoredTokens{})

	recorder := &eventRecorder{}
	unsubscribe := provider.Subscribe(recorder.listen)
	defer unsubscribe()
	require.Eventually(t, func() bool { return len(recorder.kinds()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []session.EventKind{session.EventInitialSession}, recorder.kinds())

	_, err := provider.SignInWithPassword(context.Background(), "a@x.com", "wrong-password")
	require.ErrorIs(t, err, session.ErrInvalidCredentials)

	signedIn, err := provider.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)
	require.Equal(t, fixture.identity, signedIn.User)
	require.NotEmpty(t, signedIn.AccessToken)
	require.NotEmpty(t, signedIn.RefreshToken)

	current, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, signedIn.AccessToken, current.AccessToken)

	refreshed, err := provider.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, signedIn.RefreshToken, refreshed.RefreshToken)

	require.NoError(t, provider.SignOut(context.Background()))
	for _, spent := range []string{signedIn.RefreshToken, refreshed.RefreshToken} {
		_, err = fixture.refreshTokens.Validate(context.Background(), spent)
		require.ErrorIs(t, err, ErrRefreshTokenRevoked)
	}

	current, err = provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, current)

	_, err = provider.Refresh(context.Background())
	require.ErrorIs(t, err, session.ErrNoSession)

	require.Equal(t, []session.EventKind{
		session.EventInitialSession,
		session.EventSignedIn,
		session.EventTokenRefreshed,
		session.EventSignedOut,
	}, recorder.kinds())
}

func TestPasswordProviderRestoresFromStoredAccessToken(t *testing.T) {
	fixture := newProviderFixture(t)
	first := fixture.provider(t, StoredTokens{})
	signedIn, err := first.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)

	restoredProvider := fixture.provider(t, StoredTokens{AccessToken: signedIn.AccessToken, RefreshToken: signedIn.RefreshToken})
	restored, err := restoredProvider.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, signedIn.AccessToken, restored.AccessToken)
	require.Equal(t, fixture.identity, restored.User)
}

func TestPasswordProviderRestoresFromRefreshTokenOnce(t *testing.T) {
	fixture := newProviderFixture(t)
	first := fixture.provider(t, StoredTokens{})
	signedIn, err := first.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)

	fixture.clock.Advance(2 * time.Minute)

	restoredProvider := fixture.provider(t, StoredTokens{AccessToken: signedIn.AccessToken, RefreshToken: signedIn.RefreshToken})
	recorder := &eventRecorder{}
	restoredProvider.Subscribe(recorder.listen)

	restored, err := restoredProvider.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.NotEqual(t, signedIn.RefreshToken, restored.RefreshToken)
	require.Equal(t, fixture.identity, restored.User)

	again, err := restoredProvider.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, restored.RefreshToken, again.RefreshToken)

	require.Eventually(t, func() bool { return len(recorder.kinds()) == 1 }, time.Second, time.Millisecond)
}

func TestPasswordProviderReplayedRefreshTokenEndsSession(t *testing.T) {
	fixture := newProviderFixture(t)
	provider := fixture.provider(t, StoredTokens{})
	signedIn, err := provider.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)
	_, err = provider.Refresh(context.Background())
	require.NoError(t, err)

	recorder := &eventRecorder{}
	unsubscribe := provider.Subscribe(recorder.listen)
	defer unsubscribe()
	require.Eventually(t, func() bool { return len(recorder.kinds()) == 1 }, time.Second, time.Millisecond)

	replaying := fixture.provider(t, StoredTokens{RefreshToken: signedIn.RefreshToken})
	replayed, err := replaying.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, replayed)

	_, err = provider.Refresh(context.Background())
	require.True(t, IsTerminalRefreshError(err))
	current, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, current)
	require.Equal(t, []session.EventKind{session.EventInitialSession, session.EventSignedOut}, recorder.kinds())
}

func TestPasswordProviderIgnoresUnusableStoredTokens(t *testing.T) {
	fixture := newProviderFixture(t)
	provider := fixture.provider(t, StoredTokens{AccessToken: "garbage", RefreshToken: "unknown"})

	restored, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, restored)
}

type failingRevokeStore struct {
	*MemoryRefreshTokenStore
}

func (store failingRevokeStore) Revoke(ctx context.Context, tokenID string) error {
	return errors.New("backend unavailable")
}

func TestPasswordProviderSignOutReportsRemoteFailure(t *testing.T) {
	fixture := newProviderFixture(t)
	provider, err := NewPasswordProvider(fixture.accounts, failingRevokeStore{fixture.refreshTokens}, fixture.configuration, StoredTokens{}, nil)
	require.NoError(t, err)

	_, err = provider.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)

	err = provider.SignOut(context.Background())
	require.Error(t, err)
	current, getErr := provider.GetSession(context.Background())
	require.NoError(t, getErr)
	require.Nil(t, current)
}

func TestAuthorityOverPasswordProvider(t *testing.T) {
	fixture := newProviderFixture(t)
	require.NoError(t, fixture.accounts.SetRole(context.Background(), "a@x.com", roles.AdminRole))

	resolver := roles.NewResolver(NewDatabaseRoleLookup(fixture.database), NewProfileStore(fixture.database), zaptest.NewLogger(t))
	authority := session.NewAuthority(fixture.provider(t, StoredTokens{}), resolver, zaptest.NewLogger(t))
	authority.Start(context.Background())
	defer authority.Close()

	require.Eventually(t, func() bool { return !authority.IsLoading() }, time.Second, time.Millisecond)
	require.Nil(t, authority.CurrentIdentity())
	require.False(t, authority.IsAdmin())

	require.NoError(t, authority.SignIn(context.Background(), "a@x.com", "password-1"))
	require.Equal(t, fixture.identity.ID, authority.CurrentIdentity().ID)
	require.Eventually(t, authority.IsAdmin, time.Second, time.Millisecond)

	require.NoError(t, authority.SignOut(context.Background()))
	require.Nil(t, authority.CurrentIdentity())
	require.False(t, authority.IsAdmin())
}

func TestPasswordProviderRenewsExpiredSession(t *testing.T) {
	fixture := newProviderFixture(t)
	fixture.refreshTokens.now = fixture.clock.Now
	provider := fixture.provider(t, StoredTokens{})
	signedIn, err := provider.SignInWithPassword(context.Background(), "a@x.com", "password-1")
	require.NoError(t, err)

	recorder := &eventRecorder{}
	unsubscribe := provider.Subscribe(recorder.listen)
	defer unsubscribe()
	require.Eventually(t, func() bool { return len(recorder.kinds()) == 1 }, time.Second, time.Millisecond)

	fixture.clock.Advance(2 * time.Minute)
	renewed, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, renewed)
	require.NotEqual(t, signedIn.RefreshToken, renewed.RefreshToken)
	require.True(t, renewed.ExpiresAt.After(fixture.clock.Now()))
	require.Equal(t, fixture.identity, renewed.User)

	again, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, renewed.RefreshToken, again.RefreshToken)

	fixture.clock.Advance(2 * time.Hour)
	ended, err := provider.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, ended)

	require.Equal(t, []session.EventKind{
		session.EventInitialSession,
		session.EventTokenRefreshed,
		session.EventSignedOut,
	}, recorder.kinds())
}

func TestAuthorityOverPasswordProviderDropsExpiredAdmin(t *testing.T) {
	fixture := newProviderFixture(t)
	fixture.refreshTokens.now = fixture.clock.Now
	require.NoError(t, fixture.accounts.SetRole(context.Background(), "a@x.com", roles.AdminRole))

	resolver := roles.NewResolver(NewDatabaseRoleLookup(fixture.database), NewProfileStore(fixture.database), zaptest.NewLogger(t))
	authority := session.NewAuthority(fixture.provider(t, StoredTokens{}), resolver, zaptest.NewLogger(t), session.WithClock(fixture.clock))
	authority.Start(context.Background())
	defer authority.Close()

	require.NoError(t, authority.SignIn(context.Background(), "a@x.com", "password-1"))
	require.Eventually(t, authority.IsAdmin, time.Second, time.Millisecond)

	fixture.clock.Advance(2 * time.Hour)
	authority.ExpireStale(context.Background())

	require.Nil(t, authority.CurrentIdentity())
	require.Nil(t, authority.CurrentSession())
	require.False(t, authority.IsAdmin())
}
