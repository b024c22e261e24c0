package engine

import (
	"context"
	"testing"

	"github.com/halftermeyer/linkforest/pkg/core/types"
)

func reopen(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestReplayRestoresForest(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0

	eng, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ip := ent(types.KindIP, "10.0.0.1")
	dev := ent(types.KindDevice, "dev-1")
	ingest(t, eng, "a1", 1_000, ip)
	ingest(t, eng, "a2", 2_000, ip, dev)
	ingest(t, eng, "a3", 3_000, dev)
	buildForest(t, eng)

	wantMetrics, ok := eng.DB.ComponentMetricsOf("a3")
	if !ok {
		t.Fatal("no metrics on a3 before restart")
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	restored := reopen(t, opts)

	if restored.DB.EventCount() != 3 {
		t.Fatalf("EventCount = %d, want 3", restored.DB.EventCount())
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if !restored.DB.Processed(id) {
			t.Errorf("%s lost its processed flag", id)
		}
	}
	if out, _ := restored.DB.ForestOut("a2"); out != "a3" {
		t.Errorf("ForestOut(a2) = %q, want a3", out)
	}
	if m, ok := restored.DB.ComponentMetricsOf("a3"); !ok || m != wantMetrics {
		t.Errorf("metrics after replay = %+v,%v, want %+v", m, ok, wantMetrics)
	}
	if evs := restored.DB.EntityEvents(ip); len(evs) != 2 {
		t.Errorf("entity index after replay = %v, want 2 events", evs)
	}
	if preds, _ := restored.DB.Predecessors("a2"); len(preds) != 1 || preds[0] != "a1" {
		t.Errorf("precedence after replay = %v, want [a1]", preds)
	}
}

func TestSnapshotThenIncrementalReplay(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0

	eng, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	card := ent(types.KindCard, "4242")
	ingest(t, eng, "a", 1_000, card)
	ingest(t, eng, "b", 2_000, card)
	buildForest(t, eng)

	// Snapshot covers a and b; the AOF is truncated.
	if err := eng.SaveSnapshot(); err != nil {
		t.Fatal(err)
	}

	// Writes after the snapshot live only in the AOF.
	ingest(t, eng, "c", 3_000, card)
	if _, err := eng.LinkChains(); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	restored := reopen(t, opts)

	if restored.DB.EventCount() != 3 {
		t.Fatalf("EventCount = %d, want 3", restored.DB.EventCount())
	}
	if !restored.DB.Processed("c") {
		t.Error("post-snapshot merge lost")
	}
	if out, _ := restored.DB.ForestOut("b"); out != "c" {
		t.Errorf("ForestOut(b) = %q, want c", out)
	}
}

func TestResetSurvivesRestart(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0

	eng, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	card := ent(types.KindCard, "4242")
	ingest(t, eng, "a", 1_000, card)
	ingest(t, eng, "b", 2_000, card)
	buildForest(t, eng)

	if err := eng.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	restored := reopen(t, opts)

	// Raw graph survives, derived state does not.
	if restored.DB.EventCount() != 2 {
		t.Fatalf("EventCount = %d, want 2", restored.DB.EventCount())
	}
	if evs := restored.DB.EntityEvents(card); len(evs) != 2 {
		t.Errorf("entity index = %v, want 2 events", evs)
	}
	if restored.DB.Processed("a") || restored.DB.Processed("b") {
		t.Error("processed flags survived reset + restart")
	}
	if preds, _ := restored.DB.Predecessors("b"); len(preds) != 0 {
		t.Errorf("precedence survived reset + restart: %v", preds)
	}
}

func TestRewriteAOFPreservesState(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0

	eng, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ip := ent(types.KindIP, "10.0.0.1")
	ingest(t, eng, "a", 1_000, ip)
	ingest(t, eng, "b", 2_000, ip)
	buildForest(t, eng)

	if err := eng.RewriteAOF(); err != nil {
		t.Fatal(err)
	}

	// Writes after the rewrite append to the compacted log.
	ingest(t, eng, "c", 3_000, ip)
	if _, err := eng.LinkChains(); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	restored := reopen(t, opts)

	if restored.DB.EventCount() != 3 {
		t.Fatalf("EventCount = %d, want 3", restored.DB.EventCount())
	}
	if m, ok := restored.DB.ComponentMetricsOf("b"); !ok || m.Size != 2 {
		t.Errorf("metrics after rewrite = %+v,%v, want size 2", m, ok)
	}
	if out, _ := restored.DB.ForestOut("b"); out != "c" {
		t.Errorf("ForestOut(b) = %q, want c", out)
	}
}
