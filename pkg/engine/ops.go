package engine

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

// AddEvent stores an immutable event node and logs it. Re-adding the same
// event with identical fields is a no-op; a field mismatch is an error.
func (e *Engine) AddEvent(ev types.Event) error {
	created, err := e.DB.PutEvent(ev)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	record := persistence.FormatCommand("EVADD",
		[]byte(ev.ID),
		[]byte(strconv.FormatInt(ev.Timestamp, 10)),
		[]byte(ev.Type),
		[]byte(strconv.FormatFloat(ev.Amount, 'g', -1, 64)),
	)
	if err := e.AOF.Write(record); err != nil {
		return err
	}
	atomic.AddInt64(&e.dirtyCounter, 1)
	return nil
}

// Touch records that the event references the given identifying entity,
// creating the entity on first sight. Set semantics: re-touching is a no-op.
func (e *Engine) Touch(eventID string, ent types.Entity) error {
	if ent.Kind == "" || ent.Key == "" {
		return fmt.Errorf("entity kind and key must not be empty")
	}
	created, err := e.DB.Touch(eventID, ent)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	record := persistence.FormatCommand("TOUCH",
		[]byte(eventID),
		[]byte(ent.Kind),
		[]byte(ent.Key),
	)
	if err := e.AOF.Write(record); err != nil {
		return err
	}
	atomic.AddInt64(&e.dirtyCounter, 1)
	return nil
}

// Ingest is AddEvent plus all of its touches in one call. This is the normal
// write path of the HTTP layer.
func (e *Engine) Ingest(ev types.Event, entities []types.Entity) error {
	if err := e.AddEvent(ev); err != nil {
		return err
	}
	for _, ent := range entities {
		if err := e.Touch(ev.ID, ent); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes all derived state (precedence chains, forest edges, processed
// flags, component snapshots) while keeping events, entities and touches.
// The raw graph can then be fully rebuilt with LinkChains + ProcessBatch +
// ComputeMetrics.
func (e *Engine) Reset() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.DB.ResetDerived()
	if err := e.AOF.Write(persistence.FormatCommand("RESET")); err != nil {
		return err
	}
	atomic.AddInt64(&e.dirtyCounter, 1)
	return e.AOF.Flush()
}
