// Snapshotting for the MemStore. The full graph (raw and derived state) is
// serialized in gob format; the engine writes snapshots to .lfdb files and
// truncates the AOF afterwards.
package core

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/halftermeyer/linkforest/pkg/core/types"
)

// eventSnapshot is the serializable form of one event node. The entity link
// index and the byTime index are rebuilt on load, so only the touch edges and
// derived state travel with the event.
type eventSnapshot struct {
	Event     types.Event
	Entities  []types.Entity
	PrecOut   map[string]string
	PrecIn    map[string]string
	ForestOut string
	ForestIn  []string
	Processed bool
	Metrics   *types.ComponentMetrics
}

// storeSnapshot is the complete serializable state of the store.
type storeSnapshot struct {
	Events []eventSnapshot
}

// Snapshot serializes the store to the writer under a read lock.
func (s *MemStore) Snapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := storeSnapshot{Events: make([]eventSnapshot, 0, len(s.events))}
	// Deterministic order keeps snapshots diffable across runs.
	s.byTime.Scan(func(ref eventRef) bool {
		n := s.events[ref.ID]
		es := eventSnapshot{
			Event:     n.ev,
			Entities:  make([]types.Entity, 0, len(n.entities)),
			PrecOut:   n.precOut,
			PrecIn:    n.precIn,
			ForestOut: n.forestOut,
			ForestIn:  n.forestIn,
			Processed: n.processed,
			Metrics:   n.metrics,
		}
		for _, e := range n.entities {
			es.Entities = append(es.Entities, e)
		}
		snap.Events = append(snap.Events, es)
		return true
	})

	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the store's state with the decoded snapshot and
// rebuilds the chronological indexes.
func (s *MemStore) LoadSnapshot(r io.Reader) error {
	var snap storeSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*eventNode, len(snap.Events))
	s.byTime = newEventRefTree()
	s.entities = make(map[string]*entityNode)

	for _, es := range snap.Events {
		n := &eventNode{
			ev:        es.Event,
			entities:  make(map[string]types.Entity, len(es.Entities)),
			precOut:   es.PrecOut,
			precIn:    es.PrecIn,
			forestOut: es.ForestOut,
			forestIn:  es.ForestIn,
			processed: es.Processed,
			metrics:   es.Metrics,
		}
		if n.precOut == nil {
			n.precOut = make(map[string]string)
		}
		if n.precIn == nil {
			n.precIn = make(map[string]string)
		}
		s.events[es.Event.ID] = n
		s.byTime.Set(eventRef{TS: es.Event.Timestamp, ID: es.Event.ID})

		for _, ent := range es.Entities {
			entID := ent.ID()
			n.entities[entID] = ent
			en, ok := s.entities[entID]
			if !ok {
				en = &entityNode{ent: ent, events: newEventRefTree()}
				s.entities[entID] = en
			}
			en.events.Set(eventRef{TS: es.Event.Timestamp, ID: es.Event.ID})
		}
	}
	return nil
}
