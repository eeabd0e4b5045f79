package refresh

import (
	"fmt"
	"sync"
)

// Counters is a copy of the bus state.
type Counters struct {
	Global   uint64             `json:"global"`
	Sections map[Section]uint64 `json:"sections"`
}

// Bus tells display components that content they rendered is stale.
// Counters start at zero, only grow, and are never persisted.
type Bus struct {
	mutex    sync.Mutex
	global   uint64
	sections map[Section]uint64

	nextSubscriberID uint64
	sectionWatchers  map[Section]map[uint64]func(uint64)
	globalWatchers   map[uint64]func(uint64)
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		sections:        make(map[Section]uint64),
		sectionWatchers: make(map[Section]map[uint64]func(uint64)),
		globalWatchers:  make(map[uint64]func(uint64)),
	}
}

// RefreshSection bumps the counter for section and the global counter.
// A section outside the known set changes nothing and yields ErrUnknownSection.
func (bus *Bus) RefreshSection(section Section) error {
	if !section.Valid() {
		return fmt.Errorf("refresh.refresh_section %q: %w", section, ErrUnknownSection)
	}
	bus.mutex.Lock()
	bus.sections[section]++
	bus.global++
	sectionValue := bus.sections[section]
	globalValue := bus.global
	sectionObservers := collect(bus.sectionWatchers[section])
	globalObservers := collect(bus.globalWatchers)
	bus.mutex.Unlock()

	for _, observer := range sectionObservers {
		observer(sectionValue)
	}
	for _, observer := range globalObservers {
		observer(globalValue)
	}
	return nil
}

// TriggerRefresh bumps only the global counter.
func (bus *Bus) TriggerRefresh() {
	bus.mutex.Lock()
	bus.global++
	globalValue := bus.global
	globalObservers := collect(bus.globalWatchers)
	bus.mutex.Unlock()

	for _, observer := range globalObservers {
		observer(globalValue)
	}
}

// Section returns the counter for section; zero when it was never refreshed.
func (bus *Bus) Section(section Section) uint64 {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return bus.sections[section]
}

// Global returns the global counter.
func (bus *Bus) Global() uint64 {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return bus.global
}

// Snapshot copies every counter.
func (bus *Bus) Snapshot() Counters {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	sections := make(map[Section]uint64, len(bus.sections))
	for section, value := range bus.sections {
		sections[section] = value
	}
	return Counters{Global: bus.global, Sections: sections}
}

// Subscribe calls observer with the new counter whenever section is refreshed.
func (bus *Bus) Subscribe(section Section, observer func(uint64)) (cancel func()) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextSubscriberID++
	subscriberID := bus.nextSubscriberID
	watchers, ok := bus.sectionWatchers[section]
	if !ok {
		watchers = make(map[uint64]func(uint64))
		bus.sectionWatchers[section] = watchers
	}
	watchers[subscriberID] = observer
	return func() {
		bus.mutex.Lock()
		defer bus.mutex.Unlock()
		delete(bus.sectionWatchers[section], subscriberID)
	}
}

// SubscribeGlobal calls observer with the new global counter on every bump.
func (bus *Bus) SubscribeGlobal(observer func(uint64)) (cancel func()) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextSubscriberID++
	subscriberID := bus.nextSubscriberID
	bus.globalWatchers[subscriberID] = observer
	return func() {
		bus.mutex.Lock()
		defer bus.mutex.Unlock()
		delete(bus.globalWatchers, subscriberID)
	}
}

func collect(watchers map[uint64]func(uint64)) []func(uint64) {
	if len(watchers) == 0 {
		return nil
	}
	observers := make([]func(uint64), 0, len(watchers))
	for _, observer := range watchers {
		observers = append(observers, observer)
	}
	return observers
}
