package engine

import (
	"sync/atomic"

	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

// LinkChains runs the sequential chain builder: for every entity, its events
// are linked into one chronological precedence path (consecutive pairs only,
// never a clique). Idempotent; re-running on already-linked data writes
// nothing. Returns the number of edges created or rewired.
func (e *Engine) LinkChains() (int, error) {
	changed := 0
	for _, ent := range e.DB.Entities() {
		n, err := e.linkEntity(ent)
		changed += n
		if err != nil {
			return changed, err
		}
	}
	if changed > 0 {
		atomic.AddInt64(&e.dirtyCounter, int64(changed))
	}
	return changed, nil
}

// linkEntity walks the entity's ordered event list and sets each consecutive
// precedence pointer. An event that arrived late, landing between two already
// linked neighbors, gets spliced in: the store drops the stale pointer when
// the new one is set.
func (e *Engine) linkEntity(ent types.Entity) (int, error) {
	evs := e.DB.EntityEvents(ent)
	if len(evs) < 2 {
		return 0, nil
	}

	entID := ent.ID()
	changed := 0
	for i := 1; i < len(evs); i++ {
		ok, err := e.DB.SetPrecedence(entID, evs[i-1].ID, evs[i].ID)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		record := persistence.FormatCommand("CHAIN",
			[]byte(entID),
			[]byte(evs[i-1].ID),
			[]byte(evs[i].ID),
		)
		if err := e.AOF.Write(record); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
