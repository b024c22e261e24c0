package engine

import (
	"fmt"
	"sort"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/metrics"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

// headOf walks outgoing forest edges from fromID to the current head of its
// component. There is no path compression, so the walk costs the distance to
// the head. wallID, when non-empty, is treated as absent from the forest: the
// walk stops just before it, which lets real-time scoring observe the forest
// as if the event being scored had never been merged.
//
// The walk is bounded by the store size; exceeding it means a cycle, which is
// a fatal structural violation.
func headOf(st core.Store, fromID, wallID string) (string, error) {
	curr := fromID
	limit := st.EventCount()
	for steps := 0; steps <= limit; steps++ {
		next, ok := st.ForestOut(curr)
		if !ok || next == wallID {
			return curr, nil
		}
		curr = next
	}
	return "", fmt.Errorf("forest cycle detected walking from %s: %w", fromID, core.ErrStructural)
}

// currentHeads resolves the distinct component heads reachable from the
// event's processed precedence predecessors, sorted chronologically.
func (e *Engine) currentHeads(ev types.Event, wallID string) ([]string, error) {
	preds, err := e.DB.Predecessors(ev.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var heads []types.Event
	for _, p := range preds {
		if !e.DB.Processed(p) {
			continue
		}
		h, err := headOf(e.DB, p, wallID)
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
		heads = append(heads, hev)
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].Before(heads[j]) })
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.ID
	}
	return out, nil
}

// mergeEvent absorbs one unprocessed event into the forest: every processed
// predecessor is walked to its current head, the distinct heads are ordered
// chronologically, and the merge commits atomically (edges plus processed
// flag). An event whose predecessors belong to no component yet becomes the
// head of a new singleton.
func (e *Engine) mergeEvent(ev types.Event) error {
	heads, err := e.currentHeads(ev, ev.ID)
	if err != nil {
		return err
	}

	if err := e.DB.ApplyMerge(ev.ID, heads); err != nil {
		return err
	}

	args := make([][]byte, 0, len(heads)+1)
	args = append(args, []byte(ev.ID))
	for _, h := range heads {
		args = append(args, []byte(h))
	}
	if err := e.AOF.Write(persistence.FormatCommand("MERGE", args...)); err != nil {
		return err
	}
	metrics.MergesTotal.Inc()
	return nil
}
