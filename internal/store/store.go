// Package store implements the append-only event log (spec §4.2, component
// C2): one global monotonic event-id allocator, a killmail-by-id map, a
// per-system ordered log, and per-client per-system read offsets. It is the
// single source of truth other components reference only by id (spec §3
// Ownership).
package store

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/killmail"
)

// maxEventID bounds the global event-id counter: allocEventID panics with
// "event_space_exhausted" (matching spec §4.2's "behavior is fatal") once it
// is reached, before the counter can wrap.
const maxEventID = ^uint64(0) - 1

// Store owns the event log and by-id map exclusively (spec §3 Ownership).
type Store struct {
	mu         sync.RWMutex
	byID       map[int64]killmail.Killmail
	perSystem  map[int32][]killmail.Event
	killCounts map[int32]*atomic.Int64
	fetchTS    map[int32]time.Time

	nextEventID atomic.Uint64

	offsetsMu sync.Mutex
	clientMus map[string]*sync.Mutex
	offsets   map[string]map[int32]uint64

	// globalOrder tracks (systemID, eventID) insertion
	// order across the whole store, for retention eviction (spec §5).
	globalOrder []globalRef
}

type globalRef struct {
	systemID int32
	eventID  uint64
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		byID:       make(map[int64]killmail.Killmail),
		perSystem:  make(map[int32][]killmail.Event),
		killCounts: make(map[int32]*atomic.Int64),
		fetchTS:    make(map[int32]time.Time),
		clientMus:  make(map[string]*sync.Mutex),
		offsets:    make(map[string]map[int32]uint64),
	}
}

func (s *Store) allocEventID() uint64 {
	id := s.nextEventID.Add(1)
	if id >= maxEventID {
		panic("event_space_exhausted")
	}
	return id
}

// InsertEvent allocates the next global event_id, appends the event to the
// per-system log, upserts the by-id map, and increments the system kill
// count. Always appends, unconditionally — use Put for the idempotent
// upsert-only entrypoint.
func (s *Store) InsertEvent(systemID int32, km killmail.Killmail) killmail.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := killmail.Event{EventID: s.allocEventID(), SystemID: systemID, Killmail: km}
	s.perSystem[systemID] = append(s.perSystem[systemID], ev)
	s.byID[km.KillmailID] = km
	s.globalOrder = append(s.globalOrder, globalRef{systemID: systemID, eventID: ev.EventID})

	counter, ok := s.killCounts[systemID]
	if !ok {
		counter = &atomic.Int64{}
		s.killCounts[systemID] = counter
	}
	counter.Add(1)

	return ev
}

// Put is the idempotent upsert described in spec §4.2: it only appends a new
// event if the incoming record differs from whatever is already stored
// under the same killmail_id (a pure re-store is a no-op beyond the by-id
// map, which already holds an identical value).
func (s *Store) Put(systemID int32, km killmail.Killmail) (killmail.Event, bool) {
	s.mu.RLock()
	existing, exists := s.byID[km.KillmailID]
	s.mu.RUnlock()

	if exists && reflect.DeepEqual(existing, km) {
		return killmail.Event{}, false
	}
	return s.InsertEvent(systemID, km), true
}

// Get returns the canonical killmail for id, if known.
func (s *Store) Get(killmailID int64) (killmail.Killmail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	km, ok := s.byID[killmailID]
	return km, ok
}

// ListBySystem returns a snapshot copy of every killmail recorded for a
// system, in insertion (event_id) order.
func (s *Store) ListBySystem(systemID int32) []killmail.Killmail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.perSystem[systemID]
	out := make([]killmail.Killmail, len(events))
	for i, e := range events {
		out[i] = e.Killmail
	}
	return out
}

func (s *Store) clientMutex(clientID string) *sync.Mutex {
	s.offsetsMu.Lock()
	defer s.offsetsMu.Unlock()
	m, ok := s.clientMus[clientID]
	if !ok {
		m = &sync.Mutex{}
		s.clientMus[clientID] = m
	}
	return m
}

// FetchForClient returns every event for the requested systems with
// event_id greater than the client's current offset, ascending by event_id,
// advancing the offset for each system to the max event_id observed (spec
// §4.2). A second call with no intervening inserts returns an empty slice
// (offset-advancement idempotence).
func (s *Store) FetchForClient(clientID string, systemIDs []int32) []killmail.Event {
	cm := s.clientMutex(clientID)
	cm.Lock()
	defer cm.Unlock()

	s.offsetsMu.Lock()
	clientOffsets, ok := s.offsets[clientID]
	if !ok {
		clientOffsets = make(map[int32]uint64)
		s.offsets[clientID] = clientOffsets
	}
	s.offsetsMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []killmail.Event
	for _, sysID := range systemIDs {
		offset := clientOffsets[sysID]
		maxSeen := offset
		for _, ev := range s.perSystem[sysID] {
			if ev.EventID > offset {
				out = append(out, ev)
				if ev.EventID > maxSeen {
					maxSeen = ev.EventID
				}
			}
		}
		if maxSeen > offset {
			s.offsetsMu.Lock()
			clientOffsets[sysID] = maxSeen
			s.offsetsMu.Unlock()
		}
	}

	// Ascending by event_id across the requested systems, preserving
	// per-system order (spec §8 property 3).
	sortEventsByID(out)
	return out
}

// FetchOneEvent is FetchForClient's single-event variant: returns the
// earliest undelivered event among the requested systems and advances the
// offset only for that event's system.
func (s *Store) FetchOneEvent(clientID string, systemIDs []int32) (killmail.Event, bool) {
	cm := s.clientMutex(clientID)
	cm.Lock()
	defer cm.Unlock()

	s.offsetsMu.Lock()
	clientOffsets, ok := s.offsets[clientID]
	if !ok {
		clientOffsets = make(map[int32]uint64)
		s.offsets[clientID] = clientOffsets
	}
	s.offsetsMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *killmail.Event
	for _, sysID := range systemIDs {
		offset := clientOffsets[sysID]
		for i := range s.perSystem[sysID] {
			ev := s.perSystem[sysID][i]
			if ev.EventID > offset {
				if best == nil || ev.EventID < best.EventID {
					evCopy := ev
					best = &evCopy
				}
				break // per-system log is ordered; first match is earliest for this system
			}
		}
	}

	if best == nil {
		return killmail.Event{}, false
	}

	s.offsetsMu.Lock()
	clientOffsets[best.SystemID] = best.EventID
	s.offsetsMu.Unlock()

	return *best, true
}

// GetClientOffsets returns a snapshot copy of a client's per-system offsets.
func (s *Store) GetClientOffsets(clientID string) map[int32]uint64 {
	s.offsetsMu.Lock()
	defer s.offsetsMu.Unlock()
	out := make(map[int32]uint64, len(s.offsets[clientID]))
	for k, v := range s.offsets[clientID] {
		out[k] = v
	}
	return out
}

// PutClientOffsets overwrites a client's offset map wholesale (used when a
// client resumes from externally-persisted offsets).
func (s *Store) PutClientOffsets(clientID string, offsets map[int32]uint64) {
	s.offsetsMu.Lock()
	defer s.offsetsMu.Unlock()
	cp := make(map[int32]uint64, len(offsets))
	for k, v := range offsets {
		cp[k] = v
	}
	s.offsets[clientID] = cp
}

func (s *Store) SetSystemFetchTimestamp(systemID int32, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchTS[systemID] = ts
}

func (s *Store) GetSystemFetchTimestamp(systemID int32) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.fetchTS[systemID]
	return ts, ok
}

func (s *Store) IncrementSystemKillCount(systemID int32) int64 {
	s.mu.Lock()
	counter, ok := s.killCounts[systemID]
	if !ok {
		counter = &atomic.Int64{}
		s.killCounts[systemID] = counter
	}
	s.mu.Unlock()
	return counter.Add(1)
}

func (s *Store) GetSystemKillCount(systemID int32) int64 {
	s.mu.RLock()
	counter, ok := s.killCounts[systemID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// EvictOldest drops events, oldest global-insertion-order first, until the
// total event count is at or below maxEvents. A maxEvents of 0 disables
// eviction. Evicted events are permanently lost to late-joining clients
// (spec §5 backpressure) but byID/killCounts are left untouched since the
// spec only describes event-log retention, not entity history.
func (s *Store) EvictOldest(maxEvents int) int {
	if maxEvents <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.globalOrder)
	if total <= maxEvents {
		return 0
	}
	toEvict := total - maxEvents
	evicted := 0
	for i := 0; i < toEvict; i++ {
		ref := s.globalOrder[i]
		log := s.perSystem[ref.systemID]
		for j, ev := range log {
			if ev.EventID == ref.eventID {
				s.perSystem[ref.systemID] = append(log[:j:j], log[j+1:]...)
				evicted++
				break
			}
		}
	}
	s.globalOrder = append([]globalRef(nil), s.globalOrder[toEvict:]...)
	return evicted
}

// TotalEvents returns the current number of live events across all systems.
func (s *Store) TotalEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.globalOrder)
}

func sortEventsByID(events []killmail.Event) {
	// Small, mostly-sorted slices (one client's fetch window); insertion
	// sort keeps this allocation-free and avoids importing sort for what is
	// rarely more than a few hundred elements.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].EventID > events[j].EventID; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}
