package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

type touchRecord struct {
	eventID string
	ent     types.Entity
}

type chainRecord struct {
	entityID string
	fromID   string
	toID     string
}

type mergeRecord struct {
	eventID string
	heads   []string
}

type metaRecord struct {
	eventID string
	m       types.ComponentMetrics
}

// replayAOF reconstructs state written after the last snapshot. Two phases:
// the whole log is first collected in memory (a RESET wipes the derived
// records gathered so far), then the survivors are applied in log order.
// A torn trailing record is treated as a clean end of log: everything before
// it is intact thanks to the per-record CRC.
func (e *Engine) replayAOF() error {
	file, err := os.Open(e.aofPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	var (
		events  []types.Event
		touches []touchRecord
		chains  []chainRecord
		merges  []mergeRecord
		metas   []metaRecord
	)
	sawReset := false

	count := 0
	for {
		cmd, err := persistence.ParseCommand(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("AOF replay stopped at damaged record", "records_read", count, "error", err)
			break
		}
		count++

		switch cmd.Name {
		case "EVADD":
			if len(cmd.Args) != 4 {
				return replayArgErr(cmd.Name, 4, len(cmd.Args))
			}
			ts, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64)
			if err != nil {
				return fmt.Errorf("replay EVADD: bad timestamp: %w", err)
			}
			amount, err := strconv.ParseFloat(string(cmd.Args[3]), 64)
			if err != nil {
				return fmt.Errorf("replay EVADD: bad amount: %w", err)
			}
			events = append(events, types.Event{
				ID:        string(cmd.Args[0]),
				Timestamp: ts,
				Type:      string(cmd.Args[2]),
				Amount:    amount,
			})
		case "TOUCH":
			if len(cmd.Args) != 3 {
				return replayArgErr(cmd.Name, 3, len(cmd.Args))
			}
			touches = append(touches, touchRecord{
				eventID: string(cmd.Args[0]),
				ent: types.Entity{
					Kind: types.EntityKind(cmd.Args[1]),
					Key:  string(cmd.Args[2]),
				},
			})
		case "CHAIN":
			if len(cmd.Args) != 3 {
				return replayArgErr(cmd.Name, 3, len(cmd.Args))
			}
			chains = append(chains, chainRecord{
				entityID: string(cmd.Args[0]),
				fromID:   string(cmd.Args[1]),
				toID:     string(cmd.Args[2]),
			})
		case "MERGE":
			if len(cmd.Args) < 1 {
				return replayArgErr(cmd.Name, 1, len(cmd.Args))
			}
			rec := mergeRecord{eventID: string(cmd.Args[0])}
			for _, h := range cmd.Args[1:] {
				rec.heads = append(rec.heads, string(h))
			}
			merges = append(merges, rec)
		case "CCMETA":
			if len(cmd.Args) != 4 {
				return replayArgErr(cmd.Name, 4, len(cmd.Args))
			}
			size, err := strconv.Atoi(string(cmd.Args[1]))
			if err != nil {
				return fmt.Errorf("replay CCMETA: bad size: %w", err)
			}
			diameter, err := strconv.Atoi(string(cmd.Args[2]))
			if err != nil {
				return fmt.Errorf("replay CCMETA: bad diameter: %w", err)
			}
			velocity, err := strconv.ParseFloat(string(cmd.Args[3]), 64)
			if err != nil {
				return fmt.Errorf("replay CCMETA: bad velocity: %w", err)
			}
			metas = append(metas, metaRecord{
				eventID: string(cmd.Args[0]),
				m:       types.ComponentMetrics{Size: size, Diameter: diameter, Velocity: velocity},
			})
		case "RESET":
			chains = nil
			merges = nil
			metas = nil
			sawReset = true
		default:
			return fmt.Errorf("unknown AOF command %q", cmd.Name)
		}
	}

	// A RESET in the log also voids derived state loaded from the snapshot.
	if sawReset {
		e.DB.ResetDerived()
	}

	for _, ev := range events {
		if _, err := e.DB.PutEvent(ev); err != nil {
			return err
		}
	}
	for _, t := range touches {
		if _, err := e.DB.Touch(t.eventID, t.ent); err != nil {
			return err
		}
	}
	for _, c := range chains {
		if _, err := e.DB.SetPrecedence(c.entityID, c.fromID, c.toID); err != nil {
			return err
		}
	}
	for _, m := range merges {
		if err := e.DB.ApplyMerge(m.eventID, m.heads); err != nil {
			return err
		}
	}
	for _, mm := range metas {
		if err := e.DB.SetComponentMetrics(mm.eventID, mm.m); err != nil {
			return err
		}
	}

	if count > 0 {
		slog.Info("AOF replay complete", "records", count, "events", e.DB.EventCount())
	}
	return nil
}

func replayArgErr(name string, want, got int) error {
	return fmt.Errorf("replay %s: expected %d args, got %d", name, want, got)
}

// SaveSnapshot persists the whole store atomically (temp file + rename) and
// truncates the AOF, which is now redundant.
func (e *Engine) SaveSnapshot() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return e.saveSnapshotLocked()
}

func (e *Engine) saveSnapshotLocked() error {
	start := time.Now()

	tmpPath := e.snapPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if err := e.DB.Snapshot(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, e.snapPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	if err := e.AOF.Truncate(); err != nil {
		return fmt.Errorf("snapshot saved but AOF truncate failed: %w", err)
	}

	atomic.StoreInt64(&e.dirtyCounter, 0)
	e.lastSaveTime = time.Now()
	e.aofBaseSize = 0

	slog.Info("Snapshot saved", "path", e.snapPath, "duration", time.Since(start))
	return nil
}

// RewriteAOF compacts the log to the minimal command sequence reproducing the
// current state, written in deterministic (timestamp, id) order, then swaps
// it in atomically.
func (e *Engine) RewriteAOF() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	start := time.Now()
	slog.Info("Starting AOF rewrite...")

	tmpPath := e.aofPath + ".rewrite"
	w, err := persistence.NewAOFWriter(tmpPath)
	if err != nil {
		return err
	}

	if err := e.writeCompactLog(w); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := e.AOF.ReplaceWith(tmpPath); err != nil {
		return fmt.Errorf("failed to swap rewritten AOF: %w", err)
	}

	if info, err := e.AOF.File().Stat(); err == nil {
		e.aofBaseSize = info.Size()
	}
	slog.Info("AOF rewrite complete", "duration", time.Since(start))
	return nil
}

func (e *Engine) writeCompactLog(w *persistence.AOFWriter) error {
	all := e.DB.AllEvents()

	for _, ev := range all {
		rec := persistence.FormatCommand("EVADD",
			[]byte(ev.ID),
			[]byte(strconv.FormatInt(ev.Timestamp, 10)),
			[]byte(ev.Type),
			[]byte(strconv.FormatFloat(ev.Amount, 'g', -1, 64)),
		)
		if err := w.Write(rec); err != nil {
			return err
		}

		ents, err := e.DB.EventEntities(ev.ID)
		if err != nil {
			return err
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].ID() < ents[j].ID() })
		for _, ent := range ents {
			rec := persistence.FormatCommand("TOUCH",
				[]byte(ev.ID),
				[]byte(ent.Kind),
				[]byte(ent.Key),
			)
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}

	for _, ev := range all {
		links := e.DB.PrecedenceLinks(ev.ID)
		entIDs := make([]string, 0, len(links))
		for entID := range links {
			entIDs = append(entIDs, entID)
		}
		sort.Strings(entIDs)
		for _, entID := range entIDs {
			rec := persistence.FormatCommand("CHAIN",
				[]byte(entID),
				[]byte(ev.ID),
				[]byte(links[entID]),
			)
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}

	// MERGE order matters: replay validates that a head has no prior outgoing
	// edge, and chronological order is exactly how the edges were built.
	// A MERGE with no heads restores the processed flag of a singleton.
	for _, ev := range e.DB.ProcessedEvents() {
		args := [][]byte{[]byte(ev.ID)}
		for _, h := range e.DB.ForestIn(ev.ID) {
			args = append(args, []byte(h))
		}
		if err := w.Write(persistence.FormatCommand("MERGE", args...)); err != nil {
			return err
		}
		if m, ok := e.DB.ComponentMetricsOf(ev.ID); ok {
			rec := persistence.FormatCommand("CCMETA",
				[]byte(ev.ID),
				[]byte(strconv.Itoa(m.Size)),
				[]byte(strconv.Itoa(m.Diameter)),
				[]byte(strconv.FormatFloat(m.Velocity, 'g', -1, 64)),
			)
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
