// Package core provides the in-memory graph store backing the link forest.
//
// The store holds the raw bipartite graph (events, entities, touch edges) and
// every piece of derived state the engine maintains on top of it: per-entity
// precedence chains, the temporal union-find forest, processed flags and
// persisted component metrics. All access goes through a single RWMutex; the
// engine's batch coordinator keeps concurrent writers on disjoint components,
// and the store makes each individual merge atomic regardless.
package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/tidwall/btree"
)

var (
	// ErrNotFound is returned when an event or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStructural marks a violated forest or chain invariant (a cycle, a
	// second outgoing forest edge, a branching precedence chain). Structural
	// errors are fatal: callers must abort and surface them for a manual
	// rebuild, never retry or repair in place.
	ErrStructural = errors.New("structural violation")
)

// Store is the handle the engine's algorithms operate through. MemStore is
// the production implementation; tests may substitute their own.
type Store interface {
	GetEvent(id string) (types.Event, bool)
	EventCount() int
	EventEntities(eventID string) ([]types.Entity, error)
	EntityEvents(ent types.Entity) []types.Event
	EntityEventsBefore(ent types.Entity, ts int64, id string) []types.Event
	Entities() []types.Entity

	SetPrecedence(entityID, fromID, toID string) (bool, error)
	Predecessors(eventID string) ([]string, error)

	ForestOut(eventID string) (string, bool)
	ForestIn(eventID string) []string
	ApplyMerge(eventID string, heads []string) error
	Processed(eventID string) bool
	UnprocessedEvents() []types.Event

	SetComponentMetrics(eventID string, m types.ComponentMetrics) error
	ComponentMetricsOf(eventID string) (types.ComponentMetrics, bool)
}

// eventRef orders events by (timestamp, id) inside the btree indexes.
type eventRef struct {
	TS int64
	ID string
}

func eventRefLess(a, b eventRef) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.ID < b.ID
}

func newEventRefTree() *btree.BTreeG[eventRef] {
	return btree.NewBTreeG(eventRefLess)
}

// eventNode is the internal record for one event plus all derived state.
type eventNode struct {
	ev types.Event

	// touch edges, keyed by entity ID
	entities map[string]types.Entity

	// precedence chain pointers, keyed by entity ID
	precOut map[string]string
	precIn  map[string]string

	// forest edges: at most one outgoing, fan-in only at bridge points
	forestOut string
	forestIn  []string

	processed bool
	metrics   *types.ComponentMetrics
}

// entityNode holds the chronologically ordered event list of one entity
// (the entity link index).
type entityNode struct {
	ent    types.Entity
	events *btree.BTreeG[eventRef]
}

// MemStore is the in-memory Store implementation.
type MemStore struct {
	mu       sync.RWMutex
	events   map[string]*eventNode
	byTime   *btree.BTreeG[eventRef]
	entities map[string]*entityNode
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:   make(map[string]*eventNode),
		byTime:   newEventRefTree(),
		entities: make(map[string]*entityNode),
	}
}

// PutEvent creates an event. Re-adding the same ID is a no-op (returns false)
// when the fields match; a mismatch is an error because events are immutable.
func (s *MemStore) PutEvent(ev types.Event) (bool, error) {
	if ev.ID == "" {
		return false, fmt.Errorf("event id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.ID]; ok {
		if existing.ev != ev {
			return false, fmt.Errorf("event %q already exists with different fields", ev.ID)
		}
		return false, nil
	}

	s.events[ev.ID] = &eventNode{
		ev:       ev,
		entities: make(map[string]types.Entity),
		precOut:  make(map[string]string),
		precIn:   make(map[string]string),
	}
	s.byTime.Set(eventRef{TS: ev.Timestamp, ID: ev.ID})
	return true, nil
}

// GetEvent returns an event by ID.
func (s *MemStore) GetEvent(id string) (types.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[id]
	if !ok {
		return types.Event{}, false
	}
	return n.ev, true
}

// EventCount returns the number of stored events. The engine uses it as the
// upper bound for forest walks (a longer walk means a cycle).
func (s *MemStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Touch records the undirected event<->entity association, creating the
// entity on first reference. Set semantics: re-touching is a no-op.
func (s *MemStore) Touch(eventID string, ent types.Entity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.events[eventID]
	if !ok {
		return false, fmt.Errorf("touch %s: event: %w", eventID, ErrNotFound)
	}

	entID := ent.ID()
	if _, seen := n.entities[entID]; seen {
		return false, nil
	}
	n.entities[entID] = ent

	en, ok := s.entities[entID]
	if !ok {
		en = &entityNode{ent: ent, events: newEventRefTree()}
		s.entities[entID] = en
	}
	en.events.Set(eventRef{TS: n.ev.Timestamp, ID: eventID})
	return true, nil
}

// EventEntities returns the entities touched by an event.
func (s *MemStore) EventEntities(eventID string) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	out := make([]types.Entity, 0, len(n.entities))
	for _, e := range n.entities {
		out = append(out, e)
	}
	return out, nil
}

// EntityEvents returns the entity's events in ascending (timestamp, id)
// order. Unknown entities yield an empty slice, not an error.
func (s *MemStore) EntityEvents(ent types.Entity) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	en, ok := s.entities[ent.ID()]
	if !ok {
		return nil
	}
	out := make([]types.Event, 0, en.events.Len())
	en.events.Scan(func(ref eventRef) bool {
		out = append(out, s.events[ref.ID].ev)
		return true
	})
	return out
}

// EntityEventsBefore returns the entity's events strictly before the
// (ts, id) key, ascending. This is the bounded neighborhood scan behind
// real-time scoring: it never touches anything outside one entity's index.
func (s *MemStore) EntityEventsBefore(ent types.Entity, ts int64, id string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	en, ok := s.entities[ent.ID()]
	if !ok {
		return nil
	}
	pivot := eventRef{TS: ts, ID: id}
	var out []types.Event
	en.events.Scan(func(ref eventRef) bool {
		if !eventRefLess(ref, pivot) {
			return false
		}
		out = append(out, s.events[ref.ID].ev)
		return true
	})
	return out
}

// Entities returns every known entity.
func (s *MemStore) Entities() []types.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entity, 0, len(s.entities))
	for _, en := range s.entities {
		out = append(out, en.ent)
	}
	return out
}

// SetPrecedence makes toID the successor of fromID on the entity's precedence
// chain. An existing pointer left by an out-of-order arrival (the entity knew
// a->c, then b lands between them) is unlinked first, so the chain stays a
// single path no matter the insertion order. Returns true when the chain
// changed.
func (s *MemStore) SetPrecedence(entityID, fromID, toID string) (bool, error) {
	if fromID == toID {
		return false, fmt.Errorf("precedence self-loop on %s via %s: %w", fromID, entityID, ErrStructural)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.events[fromID]
	if !ok {
		return false, fmt.Errorf("precedence source %s: %w", fromID, ErrNotFound)
	}
	to, ok := s.events[toID]
	if !ok {
		return false, fmt.Errorf("precedence target %s: %w", toID, ErrNotFound)
	}

	if from.precOut[entityID] == toID && to.precIn[entityID] == fromID {
		return false, nil
	}

	// Unlink the stale successor of from and the stale predecessor of to.
	if old, exists := from.precOut[entityID]; exists && old != toID {
		if on, ok := s.events[old]; ok && on.precIn[entityID] == fromID {
			delete(on.precIn, entityID)
		}
	}
	if old, exists := to.precIn[entityID]; exists && old != fromID {
		if on, ok := s.events[old]; ok && on.precOut[entityID] == toID {
			delete(on.precOut, entityID)
		}
	}

	from.precOut[entityID] = toID
	to.precIn[entityID] = fromID
	return true, nil
}

// Predecessors returns the distinct direct precedence predecessors of an
// event across all of its entities.
func (s *MemStore) Predecessors(eventID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	seen := make(map[string]struct{}, len(n.precIn))
	out := make([]string, 0, len(n.precIn))
	for _, prev := range n.precIn {
		if _, dup := seen[prev]; dup {
			continue
		}
		seen[prev] = struct{}{}
		out = append(out, prev)
	}
	return out, nil
}

// ForestOut returns the event's outgoing forest edge target, if any.
// An event with no outgoing edge is the current head of its component.
func (s *MemStore) ForestOut(eventID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok || n.forestOut == "" {
		return "", false
	}
	return n.forestOut, true
}

// ForestIn returns the events that merged directly into eventID.
func (s *MemStore) ForestIn(eventID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok {
		return nil
	}
	out := make([]string, len(n.forestIn))
	copy(out, n.forestIn)
	return out
}

// ApplyMerge absorbs the given heads into eventID and marks it processed,
// all under one lock so the flag and the edge writes commit together.
// Re-applying a merge already recorded is a no-op, which makes whole-group
// retries safe. A head that already points elsewhere is a structural error.
func (s *MemStore) ApplyMerge(eventID string, heads []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("merge target %s: %w", eventID, ErrNotFound)
	}

	for _, h := range heads {
		if h == eventID {
			return fmt.Errorf("event %s cannot absorb itself: %w", eventID, ErrStructural)
		}
		hn, ok := s.events[h]
		if !ok {
			return fmt.Errorf("merge head %s: %w", h, ErrNotFound)
		}
		if hn.forestOut == eventID {
			continue // already recorded, retry path
		}
		if hn.forestOut != "" {
			return fmt.Errorf("head %s already has outgoing forest edge to %s: %w",
				h, hn.forestOut, ErrStructural)
		}
		hn.forestOut = eventID
		n.forestIn = append(n.forestIn, h)
	}

	n.processed = true
	return nil
}

// ProcessedCount returns how many events have been absorbed into the forest.
func (s *MemStore) ProcessedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.events {
		if n.processed {
			count++
		}
	}
	return count
}

// PrecedenceLinks returns a copy of the event's outgoing precedence edges,
// keyed by entity ID. Used by the AOF rewriter.
func (s *MemStore) PrecedenceLinks(eventID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok || len(n.precOut) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.precOut))
	for entID, next := range n.precOut {
		out[entID] = next
	}
	return out
}

// Processed reports whether the event has been absorbed into the forest.
func (s *MemStore) Processed(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	return ok && n.processed
}

// UnprocessedEvents returns every unprocessed event in ascending
// (timestamp, id) order.
func (s *MemStore) UnprocessedEvents() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Event
	s.byTime.Scan(func(ref eventRef) bool {
		if n := s.events[ref.ID]; !n.processed {
			out = append(out, n.ev)
		}
		return true
	})
	return out
}

// ProcessedEvents returns every processed event in ascending (timestamp, id)
// order.
func (s *MemStore) ProcessedEvents() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Event
	s.byTime.Scan(func(ref eventRef) bool {
		if n := s.events[ref.ID]; n.processed {
			out = append(out, n.ev)
		}
		return true
	})
	return out
}

// AllEvents returns every event in ascending (timestamp, id) order.
func (s *MemStore) AllEvents() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Event, 0, len(s.events))
	s.byTime.Scan(func(ref eventRef) bool {
		out = append(out, s.events[ref.ID].ev)
		return true
	})
	return out
}

// SetComponentMetrics persists the as-of metrics on a processed event.
func (s *MemStore) SetComponentMetrics(eventID string, m types.ComponentMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	n.metrics = &m
	return nil
}

// ComponentMetricsOf returns the persisted metrics, if computed.
func (s *MemStore) ComponentMetricsOf(eventID string) (types.ComponentMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.events[eventID]
	if !ok || n.metrics == nil {
		return types.ComponentMetrics{}, false
	}
	return *n.metrics, true
}

// ResetDerived deletes all derived state (precedence edges, forest edges,
// processed flags, metrics) in one pass under the write lock, leaving events,
// entities and touch edges intact. All-or-nothing by construction.
func (s *MemStore) ResetDerived() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.events {
		n.precOut = make(map[string]string)
		n.precIn = make(map[string]string)
		n.forestOut = ""
		n.forestIn = nil
		n.processed = false
		n.metrics = nil
	}
}
