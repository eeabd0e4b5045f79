package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryBuildsOncePerClient(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Hour, zaptest.NewLogger(t))
	defer registry.Close()

	builds := 0
	build := func() (*Authority, error) {
		builds++
		return NewAuthority(newFakeProvider(), &fakeResolver{}, nil), nil
	}

	first, err := registry.Lookup("client-1", build)
	require.NoError(t, err)
	second, err := registry.Lookup("client-1", build)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, builds)

	other, err := registry.Lookup("client-2", build)
	require.NoError(t, err)
	require.NotSame(t, first, other)
	require.Equal(t, 2, registry.Len())

	existing, ok := registry.Existing("client-2")
	require.True(t, ok)
	require.Same(t, other, existing)
	_, ok = registry.Existing("client-3")
	require.False(t, ok)
}

func TestRegistryRejectsEmptyClient(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Hour, nil)
	_, err := registry.Lookup(" ", func() (*Authority, error) {
		t.Fatalf("builder must not run")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrEmptyClientID)
}

func TestRegistryPropagatesBuildErrors(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Hour, nil)
	_, err := registry.Lookup("client-1", func() (*Authority, error) {
		return nil, errors.New("build failed")
	})
	require.Error(t, err)
	require.Zero(t, registry.Len())
}

func TestRegistryEvictsIdleClients(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Minute, zaptest.NewLogger(t))
	current := time.Unix(1000, 0)
	registry.now = func() time.Time { return current }

	provider := newFakeProvider()
	stale, err := registry.Lookup("client-1", func() (*Authority, error) {
		return NewAuthority(provider, &fakeResolver{}, nil), nil
	})
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = registry.Lookup("client-2", func() (*Authority, error) {
		return NewAuthority(newFakeProvider(), &fakeResolver{}, nil), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	_, ok := registry.Existing("client-1")
	require.False(t, ok)

	provider.mutex.Lock()
	listenerCount := len(provider.listeners)
	provider.mutex.Unlock()
	require.Zero(t, listenerCount)

	provider.emit(AuthEvent{Kind: EventSignedIn, Session: &Session{User: Identity{ID: "late"}}})
	require.Nil(t, stale.CurrentIdentity())
}

func TestRegistryCapacityEvictsLeastRecentClient(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Hour, zaptest.NewLogger(t), WithCapacity(2))
	defer registry.Close()
	current := time.Unix(1000, 0)
	registry.now = func() time.Time { return current }

	build := func() (*Authority, error) {
		return NewAuthority(newFakeProvider(), &fakeResolver{}, nil), nil
	}
	for _, clientID := range []string{"client-1", "client-2"} {
		_, err := registry.Lookup(clientID, build)
		require.NoError(t, err)
		current = current.Add(time.Second)
	}
	_, ok := registry.Existing("client-1")
	require.True(t, ok)
	current = current.Add(time.Second)

	for index := 3; index <= 50; index++ {
		_, err := registry.Lookup(fmt.Sprintf("client-%d", index), build)
		require.NoError(t, err)
		require.LessOrEqual(t, registry.Len(), 2)
		current = current.Add(time.Second)
	}

	_, ok = registry.Existing("client-50")
	require.True(t, ok)
	_, ok = registry.Existing("client-49")
	require.True(t, ok)
	_, ok = registry.Existing("client-1")
	require.False(t, ok)
}

func TestRegistryCapacityKeepsRecentlySeenClient(t *testing.T) {
	registry := NewRegistry(context.Background(), time.Hour, nil, WithCapacity(2))
	defer registry.Close()
	current := time.Unix(1000, 0)
	registry.now = func() time.Time { return current }

	build := func() (*Authority, error) {
		return NewAuthority(newFakeProvider(), &fakeResolver{}, nil), nil
	}
	first, err := registry.Lookup("client-1", build)
	require.NoError(t, err)
	current = current.Add(time.Second)
	_, err = registry.Lookup("client-2", build)
	require.NoError(t, err)
	current = current.Add(time.Second)

	again, err := registry.Lookup("client-1", build)
	require.NoError(t, err)
	require.Same(t, first, again)
	current = current.Add(time.Second)

	_, err = registry.Lookup("client-3", build)
	require.NoError(t, err)
	require.Equal(t, 2, registry.Len())
	_, ok := registry.Existing("client-1")
	require.True(t, ok)
	_, ok = registry.Existing("client-2")
	require.False(t, ok)
}
