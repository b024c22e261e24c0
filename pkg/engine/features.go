package engine

import (
	"fmt"
	"time"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/metrics"
)

// ExtractBackward computes training features for a stored, processed event:
// the components absorbed directly into it, aggregated from their persisted
// snapshots. The caller's cutoff is a look-ahead guard: the event itself must
// sit at or before it. Nothing later than the cutoff can be read, because
// every absorbed head was merged, and thus timestamped, before the event.
func (e *Engine) ExtractBackward(eventID string, cutoff int64) (*types.FeatureRecord, error) {
	defer observeExtraction(time.Now(), "backward")

	ev, ok := e.DB.GetEvent(eventID)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, core.ErrNotFound)
	}
	if ev.Timestamp > cutoff {
		return nil, fmt.Errorf("event %s is after the cutoff", eventID)
	}

	return e.aggregateHeads(eventID, e.DB.ForestIn(eventID))
}

// ExtractForward computes real-time features for a brand-new event that has
// not been linked or merged (it need not even be stored). Each entity's index
// is scanned for processed events strictly before the new one; those are
// walked to their current heads, treating the new event's own ID as absent
// from the forest. Strictly read-only: scoring leaves no trace in the store.
//
// Scored immediately before the event is merged, this returns exactly what
// ExtractBackward will return for it afterwards. That equivalence is what
// keeps training and production features aligned.
func (e *Engine) ExtractForward(ev types.Event, entities []types.Entity) (*types.FeatureRecord, error) {
	defer observeExtraction(time.Now(), "forward")

	seen := make(map[string]struct{})
	var headEvents []types.Event
	for _, ent := range entities {
		for _, cand := range e.DB.EntityEventsBefore(ent, ev.Timestamp, ev.ID) {
			if cand.ID == ev.ID || !e.DB.Processed(cand.ID) {
				continue
			}
			h, err := headOf(e.DB, cand.ID, ev.ID)
			if err != nil {
				return nil, err
			}
			if h == ev.ID {
				continue
			}
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			hev, ok := e.DB.GetEvent(h)
			if !ok {
				return nil, fmt.Errorf("head %s: %w", h, core.ErrNotFound)
			}
			headEvents = append(headEvents, hev)
		}
	}

	heads := make([]string, len(headEvents))
	for i, h := range headEvents {
		heads[i] = h.ID
	}
	return e.aggregateHeads(ev.ID, heads)
}

// aggregateHeads folds the persisted snapshots of the given component heads
// into one flat feature record. With no heads the max fields stay nil and the
// bridging count is zero. A head without a snapshot is an error: emitting a
// partial aggregate would silently skew the model.
func (e *Engine) aggregateHeads(eventID string, heads []string) (*types.FeatureRecord, error) {
	rec := &types.FeatureRecord{
		EventID:                eventID,
		DistinctComponentCount: len(heads),
	}
	if len(heads) == 0 {
		return rec, nil
	}

	var maxSize, maxDiameter int
	var maxVelocity float64
	for i, h := range heads {
		m, ok := e.DB.ComponentMetricsOf(h)
		if !ok {
			return nil, fmt.Errorf("component snapshot missing for head %s", h)
		}
		if i == 0 || m.Size > maxSize {
			maxSize = m.Size
		}
		if i == 0 || m.Diameter > maxDiameter {
			maxDiameter = m.Diameter
		}
		if i == 0 || m.Velocity > maxVelocity {
			maxVelocity = m.Velocity
		}
	}

	rec.MaxComponentSize = &maxSize
	rec.MaxComponentDiameter = &maxDiameter
	rec.MaxComponentVelocity = &maxVelocity
	return rec, nil
}

func observeExtraction(start time.Time, path string) {
	metrics.ExtractionDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}
