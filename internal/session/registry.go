package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrEmptyClientID indicates a registry lookup without a client identifier.
var ErrEmptyClientID = errors.New("session.registry.empty_client_id")

// Builder constructs the Authority for a client seen for the first time.
type Builder func() (*Authority, error)

// Registry keeps one started Authority per client and evicts idle clients.
// With a capacity set, the least recently seen client makes room for a new one.
type Registry struct {
	mutex    sync.Mutex
	ctx      context.Context
	entries  map[string]*registryEntry
	idleTTL  time.Duration
	capacity int
	now      func() time.Time
	logger   *zap.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithCapacity bounds the number of live clients. Zero or less means unbounded.
func WithCapacity(capacity int) RegistryOption {
	return func(registry *Registry) {
		registry.capacity = capacity
	}
}

type registryEntry struct {
	authority *Authority
	lastSeen  time.Time
}

// NewRegistry constructs a Registry. Authorities are started under ctx.
func NewRegistry(ctx context.Context, idleTTL time.Duration, logger *zap.Logger, options ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		ctx:     ctx,
		entries: make(map[string]*registryEntry),
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
	}
	for _, option := range options {
		option(registry)
	}
	return registry
}

// Lookup returns the Authority for clientID, building and starting one if needed.
func (registry *Registry) Lookup(clientID string, build Builder) (*Authority, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrEmptyClientID
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.purgeExpiredLocked()

	now := registry.now()
	if entry, ok := registry.entries[clientID]; ok {
		entry.lastSeen = now
		return entry.authority, nil
	}
	authority, err := build()
	if err != nil {
		return nil, err
	}
	if registry.capacity > 0 && len(registry.entries) >= registry.capacity {
		registry.evictOldestLocked()
	}
	authority.Start(registry.ctx)
	registry.entries[clientID] = &registryEntry{authority: authority, lastSeen: now}
	return authority, nil
}

// Existing returns the Authority for clientID without creating one.
func (registry *Registry) Existing(clientID string) (*Authority, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	entry, ok := registry.entries[clientID]
	if !ok {
		return nil, false
	}
	entry.lastSeen = registry.now()
	return entry.authority, true
}

// Len reports the number of live clients.
func (registry *Registry) Len() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.entries)
}

// Close closes every Authority.
func (registry *Registry) Close() {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	for clientID, entry := range registry.entries {
		entry.authority.Close()
		delete(registry.entries, clientID)
	}
}

func (registry *Registry) purgeExpiredLocked() {
	if registry.idleTTL <= 0 || len(registry.entries) == 0 {
		return
	}
	now := registry.now()
	for clientID, entry := range registry.entries {
		if now.Sub(entry.lastSeen) > registry.idleTTL {
			entry.authority.Close()
			delete(registry.entries, clientID)
			registry.logger.Debug("evicted idle client", zap.String("client_id", clientID))
		}
	}
}

func (registry *Registry) evictOldestLocked() {
	oldestID := ""
	var oldestSeen time.Time
	for clientID, entry := range registry.entries {
		if oldestID == "" || entry.lastSeen.Before(oldestSeen) {
			oldestID = clientID
			oldestSeen = entry.lastSeen
		}
	}
	if oldestID == "" {
		return
	}
	registry.entries[oldestID].authority.Close()
	delete(registry.entries, oldestID)
	registry.logger.Warn("client registry full, evicted least recent client",
		zap.String("code", "session.registry.evicted"),
		zap.String("client_id", oldestID),
		zap.Int("capacity", registry.capacity))
}
