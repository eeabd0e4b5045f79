package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type stubPrivileged struct {
	result *bool
	err    error
	calls  int
}

func (lookup *stubPrivileged) IsAdmin(ctx context.Context, userID string) (*bool, error) {
	lookup.calls++
	return lookup.result, lookup.err
}

type stubProfiles struct {
	role  string
	err   error
	calls int
}

func (store *stubProfiles) ProfileRole(ctx context.Context, userID string) (string, error) {
	store.calls++
	return store.role, store.err
}

func boolPointer(value bool) *bool {
	return &value
}

func TestResolvePrefersPrivilegedLookup(t *testing.T) {
	privileged := &stubPrivileged{result: boolPointer(true)}
	profiles := &stubProfiles{role: "member"}
	resolver := NewResolver(privileged, profiles, zaptest.NewLogger(t))

	require.True(t, resolver.Resolve(context.Background(), "user-1"))
	require.Equal(t, 1, privileged.calls)
	require.Zero(t, profiles.calls)
}

func TestResolvePrivilegedFalseIsDefinitive(t *testing.T) {
	privileged := &stubPrivileged{result: boolPointer(false)}
	profiles := &stubProfiles{role: AdminRole}
	resolver := NewResolver(privileged, profiles, zaptest.NewLogger(t))

	require.False(t, resolver.Resolve(context.Background(), "user-1"))
	require.Zero(t, profiles.calls)
}

func TestResolveFallsBackToProfileRead(t *testing.T) {
	testCases := []struct {
		name       string
		privileged *stubPrivileged
		role       string
		expected   bool
	}{
		{name: "lookup error admin", privileged: &stubPrivileged{err: errors.New("function missing")}, role: AdminRole, expected: true},
		{name: "lookup null admin", privileged: &stubPrivileged{}, role: AdminRole, expected: true},
		{name: "lookup null member", privileged: &stubPrivileged{}, role: "member", expected: false},
		{name: "no privileged lookup", privileged: nil, role: AdminRole, expected: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			profiles := &stubProfiles{role: testCase.role}
			var privileged PrivilegedLookup
			if testCase.privileged != nil {
				privileged = testCase.privileged
			}
			resolver := NewResolver(privileged, profiles, zaptest.NewLogger(t))
			require.Equal(t, testCase.expected, resolver.Resolve(context.Background(), "user-1"))
			require.Equal(t, 1, profiles.calls)
		})
	}
}

func TestResolveFailsClosed(t *testing.T) {
	failures := []error{
		ErrProfileNotFound,
		ErrAccessDenied,
		errors.New("network down"),
	}
	for _, failure := range failures {
		privileged := &stubPrivileged{err: errors.New("unavailable")}
		profiles := &stubProfiles{role: AdminRole, err: failure}
		resolver := NewResolver(privileged, profiles, zaptest.NewLogger(t))
		require.False(t, resolver.Resolve(context.Background(), "user-1"), "failure %v", failure)
	}

	require.False(t, NewResolver(nil, nil, nil).Resolve(context.Background(), "user-1"))
}

func TestResolveEmptyUserSkipsLookups(t *testing.T) {
	privileged := &stubPrivileged{result: boolPointer(true)}
	profiles := &stubProfiles{role: AdminRole}
	resolver := NewResolver(privileged, profiles, nil)

	require.False(t, resolver.Resolve(context.Background(), "  "))
	require.Zero(t, privileged.calls)
	require.Zero(t, profiles.calls)
}

func TestResolveLogsAccessDenialDistinctly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	profiles := &stubProfiles{err: ErrAccessDenied}
	resolver := NewResolver(nil, profiles, zap.New(core))

	require.False(t, resolver.Resolve(context.Background(), "user-1"))
	denied := logs.FilterField(zap.String("code", "roles.access_denied")).All()
	require.Len(t, denied, 1)
	require.Equal(t, zapcore.WarnLevel, denied[0].Level)

	notFound := &stubProfiles{err: ErrProfileNotFound}
	resolver = NewResolver(nil, notFound, zap.New(core))
	require.False(t, resolver.Resolve(context.Background(), "user-2"))
	require.Len(t, logs.FilterField(zap.String("code", "roles.profile_not_found")).All(), 1)
}
