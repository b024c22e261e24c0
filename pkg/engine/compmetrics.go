package engine

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/oracle"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

// ComputeMetrics computes and persists the as-of component snapshot for every
// processed event that does not have one yet. Each snapshot only reads the
// forest and only writes its own event, so the work fans out across events.
// Returns the number of snapshots written.
func (e *Engine) ComputeMetrics(ctx context.Context) (int, error) {
	var targets []types.Event
	for _, ev := range e.DB.ProcessedEvents() {
		if _, ok := e.DB.ComponentMetricsOf(ev.ID); !ok {
			targets = append(targets, ev)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	workers := e.opts.BatchWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var written int64
	for _, ev := range targets {
		ev := ev
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := e.computeSnapshot(ev)
			if err != nil {
				return fmt.Errorf("snapshot for %s: %w", ev.ID, err)
			}
			if err := e.DB.SetComponentMetrics(ev.ID, m); err != nil {
				return err
			}
			record := persistence.FormatCommand("CCMETA",
				[]byte(ev.ID),
				[]byte(strconv.Itoa(m.Size)),
				[]byte(strconv.Itoa(m.Diameter)),
				[]byte(strconv.FormatFloat(m.Velocity, 'g', -1, 64)),
			)
			if err := e.AOF.Write(record); err != nil {
				return err
			}
			atomic.AddInt64(&written, 1)
			return nil
		})
	}

	err := g.Wait()
	if n := atomic.LoadInt64(&written); n > 0 {
		atomic.AddInt64(&e.dirtyCounter, n)
	}
	if ferr := e.AOF.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return int(atomic.LoadInt64(&written)), err
}

// computeSnapshot rebuilds the component exactly as it existed when ev was
// merged: ev itself plus everything that reached it through incoming forest
// edges, transitively. Later merges only add edges pointing *at* descendants
// of ev, so the backward closure is stable over time.
func (e *Engine) computeSnapshot(ev types.Event) (types.ComponentMetrics, error) {
	elements, err := e.collectComponent(ev.ID)
	if err != nil {
		return types.ComponentMetrics{}, err
	}

	m := types.ComponentMetrics{
		Size:     len(elements),
		Diameter: types.DiameterUndefined,
	}

	// Bounded micro-projection: the component's events plus the entities they
	// touch. Nothing outside the component is ever loaded.
	nodes := make([]string, 0, len(elements))
	var edges []oracle.Edge
	entitySet := make(map[string]struct{})

	first, last := int64(0), int64(0)
	for i, id := range elements {
		elem, ok := e.DB.GetEvent(id)
		if !ok {
			return m, fmt.Errorf("component element %s: %w", id, core.ErrNotFound)
		}
		if i == 0 || elem.Timestamp < first {
			first = elem.Timestamp
		}
		if i == 0 || elem.Timestamp > last {
			last = elem.Timestamp
		}
		nodes = append(nodes, id)

		ents, err := e.DB.EventEntities(id)
		if err != nil {
			return m, err
		}
		for _, ent := range ents {
			entID := ent.ID()
			if _, seen := entitySet[entID]; !seen {
				entitySet[entID] = struct{}{}
				nodes = append(nodes, entID)
			}
			edges = append(edges, oracle.Edge{From: id, To: entID})
		}
	}

	// Velocity: merges per second over the component's time span.
	if span := float64(last-first) / 1000.0; span > 0 {
		m.Velocity = float64(m.Size-1) / span
	}

	if len(edges) == 0 {
		return m, nil
	}

	// Diameter: the widest spread between the component's entities in the
	// micro-projection. Event<->entity hops double-count the true distance,
	// so the maximum is halved.
	maxDist := 0
	for entID := range entitySet {
		lengths, err := e.paths.Lengths(nodes, edges, entID)
		if err != nil {
			return m, err
		}
		for other := range entitySet {
			if d, ok := lengths[other]; ok && d > maxDist {
				maxDist = d
			}
		}
	}
	m.Diameter = maxDist / 2
	return m, nil
}

// collectComponent returns the backward closure of rootID over incoming
// forest edges, root included. Bounded by the store size as a cycle guard.
func (e *Engine) collectComponent(rootID string) ([]string, error) {
	limit := e.DB.EventCount()
	seen := map[string]struct{}{rootID: {}}
	out := []string{rootID}

	for i := 0; i < len(out); i++ {
		if len(out) > limit {
			return nil, fmt.Errorf("forest cycle detected below %s: %w", rootID, core.ErrStructural)
		}
		for _, in := range e.DB.ForestIn(out[i]) {
			if _, dup := seen[in]; dup {
				continue
			}
			seen[in] = struct{}{}
			out = append(out, in)
		}
	}
	return out, nil
}
