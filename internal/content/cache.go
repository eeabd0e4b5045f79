package content

import (
	"context"
	"sync"

	"github.com/tyemirov/harborhope/internal/refresh"
	"go.uber.org/zap"
)

// Loader fetches the current document of a section.
type Loader interface {
	Load(ctx context.Context, section refresh.Section) (Document, error)
}

// Cache is the public display side. Each section is re-fetched only after the bus
// reports that section as refreshed.
type Cache struct {
	bus    *refresh.Bus
	loader Loader
	logger *zap.Logger

	mutex   sync.Mutex
	entries map[refresh.Section]*cacheEntry
	cancels []func()
}

type cacheEntry struct {
	document Document
	observed uint64
	stale    bool
}

// NewCache subscribes to every section on bus.
func NewCache(bus *refresh.Bus, loader Loader, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := &Cache{
		bus:     bus,
		loader:  loader,
		logger:  logger,
		entries: make(map[refresh.Section]*cacheEntry),
	}
	for _, section := range refresh.Sections() {
		section := section
		cache.cancels = append(cache.cancels, bus.Subscribe(section, func(counter uint64) {
			cache.markStale(section, counter)
		}))
	}
	return cache
}

// Get returns the cached document for section, fetching it when missing or stale.
func (cache *Cache) Get(ctx context.Context, section refresh.Section) (Document, error) {
	cache.mutex.Lock()
	entry, ok := cache.entries[section]
	if ok && !entry.stale {
		document := entry.document
		cache.mutex.Unlock()
		return document, nil
	}
	cache.mutex.Unlock()

	observed := cache.bus.Section(section)
	document, err := cache.loader.Load(ctx, section)
	if err != nil {
		return Document{}, err
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	current, ok := cache.entries[section]
	if ok && current.observed > observed {
		return document, nil
	}
	cache.entries[section] = &cacheEntry{
		document: document,
		observed: observed,
		stale:    cache.bus.Section(section) != observed,
	}
	return document, nil
}

// Stale reports whether section will be re-fetched on the next Get.
func (cache *Cache) Stale(section refresh.Section) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, ok := cache.entries[section]
	return !ok || entry.stale
}

// Close drops the bus subscriptions.
func (cache *Cache) Close() {
	cache.mutex.Lock()
	cancels := cache.cancels
	cache.cancels = nil
	cache.mutex.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (cache *Cache) markStale(section refresh.Section, counter uint64) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, ok := cache.entries[section]
	if !ok || entry.observed >= counter {
		return
	}
	entry.stale = true
	cache.logger.Debug("section marked stale",
		zap.String("section", string(section)),
		zap.Uint64("counter", counter))
}
