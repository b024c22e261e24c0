package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/metrics"
	"github.com/halftermeyer/linkforest/pkg/oracle"
)

// GroupFailure reports one component group the coordinator could not merge
// after exhausting its retries.
type GroupFailure struct {
	Events []string `json:"events"`
	Error  string   `json:"error"`
}

// BatchReport summarizes one ProcessBatch run.
type BatchReport struct {
	Planned   int            `json:"planned"`
	Groups    int            `json:"groups"`
	Processed int            `json:"processed"`
	Failures  []GroupFailure `json:"failures,omitempty"`
}

// ProcessBatch absorbs every unprocessed event into the forest. The batch is
// first partitioned into weak-component groups by the planner; groups are
// independent by construction, so they run concurrently on a bounded worker
// pool, while events inside a group merge strictly in (timestamp, id) order.
// A failed group is retried as a whole with backoff; structural violations
// are never retried.
func (e *Engine) ProcessBatch(ctx context.Context) (*BatchReport, error) {
	start := time.Now()

	unproc := e.DB.UnprocessedEvents()
	report := &BatchReport{Planned: len(unproc)}
	if len(unproc) == 0 {
		return report, nil
	}

	groups, err := e.planGroups(unproc)
	if err != nil {
		return report, err
	}
	report.Groups = len(groups)

	// Shuffling decorrelates group sizes across workers.
	rand.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })

	workers := e.opts.BatchWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(groups) {
		workers = len(groups)
	}

	jobs := make(chan []types.Event)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range jobs {
				n, err := e.processGroup(ctx, group)
				mu.Lock()
				report.Processed += n
				if err != nil {
					ids := make([]string, len(group))
					for k, ev := range group {
						ids[k] = ev.ID
					}
					report.Failures = append(report.Failures, GroupFailure{Events: ids, Error: err.Error()})
					metrics.BatchGroupsTotal.WithLabelValues("failed").Inc()
				} else {
					metrics.BatchGroupsTotal.WithLabelValues("ok").Inc()
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, g := range groups {
		select {
		case jobs <- g:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if report.Processed > 0 {
		atomic.AddInt64(&e.dirtyCounter, int64(report.Processed))
	}
	if err := e.AOF.Flush(); err != nil {
		return report, err
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// planGroups labels the batch's weak components and splits the unprocessed
// events into one group per label, each sorted chronologically.
//
// The planning graph holds the unprocessed events plus, for every processed
// predecessor, the current head of its component: collapsing predecessors to
// their heads makes two batch events that join the same existing component
// land in the same group, even when they share no entity directly. The
// planner only decides grouping; forest structure always comes from the
// per-event head walk at merge time.
func (e *Engine) planGroups(unproc []types.Event) ([][]types.Event, error) {
	pending := make(map[string]struct{}, len(unproc))
	for _, ev := range unproc {
		pending[ev.ID] = struct{}{}
	}

	nodeSet := make(map[string]struct{}, len(unproc))
	var nodes []string
	addNode := func(id string) {
		if _, ok := nodeSet[id]; !ok {
			nodeSet[id] = struct{}{}
			nodes = append(nodes, id)
		}
	}

	var edges []oracle.Edge
	for _, ev := range unproc {
		addNode(ev.ID)
		preds, err := e.DB.Predecessors(ev.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range preds {
			if _, inBatch := pending[p]; inBatch {
				edges = append(edges, oracle.Edge{From: p, To: ev.ID})
				continue
			}
			h, err := headOf(e.DB, p, "")
			if err != nil {
				return nil, err
			}
			addNode(h)
			edges = append(edges, oracle.Edge{From: h, To: ev.ID})
		}
	}

	labels, err := e.planner.Components(nodes, edges)
	if err != nil {
		// Planning is best effort: degrade to the direct traversal rather
		// than fail the batch.
		slog.Warn("Component planner failed, using direct traversal", "error", err)
		labels, err = oracle.Direct{}.Components(nodes, edges)
		if err != nil {
			return nil, err
		}
	}

	byLabel := make(map[int][]types.Event)
	for _, ev := range unproc {
		byLabel[labels[ev.ID]] = append(byLabel[labels[ev.ID]], ev)
	}

	groups := make([][]types.Event, 0, len(byLabel))
	for _, g := range byLabel {
		sort.Slice(g, func(i, j int) bool { return g[i].Before(g[j]) })
		groups = append(groups, g)
	}
	return groups, nil
}

// processGroup merges one component group, retrying the whole group on
// transient failure. Events already absorbed by an earlier attempt are
// skipped, so a retry picks up exactly where the failure left off.
func (e *Engine) processGroup(ctx context.Context, group []types.Event) (int, error) {
	processed := 0
	var lastErr error

	for attempt := 0; attempt <= e.opts.BatchMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.BatchGroupsTotal.WithLabelValues("retried").Inc()
			select {
			case <-time.After(time.Duration(attempt) * e.opts.BatchRetryBackoff):
			case <-ctx.Done():
				return processed, ctx.Err()
			}
		}

		n, err := e.mergeGroup(ctx, group)
		processed += n
		if err == nil {
			return processed, nil
		}
		lastErr = err
		if errors.Is(err, core.ErrStructural) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return processed, err
		}
	}
	return processed, lastErr
}

func (e *Engine) mergeGroup(ctx context.Context, group []types.Event) (int, error) {
	n := 0
	for _, ev := range group {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if e.DB.Processed(ev.ID) {
			continue
		}
		if err := e.mergeEvent(ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
