// Package engine provides the embedded interface to the link forest.
//
// It orchestrates the in-memory graph store (core.MemStore), the on-disk
// persistence layer (AOF/Snapshot) and the four algorithmic stages: the
// sequential chain builder, the temporal union-find forest, the per-component
// metrics engine and the feature extractors.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	fst, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fst.Close()
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/metrics"
	"github.com/halftermeyer/linkforest/pkg/oracle"
	"github.com/halftermeyer/linkforest/pkg/persistence"
)

// Options configures the Engine: persistence paths, maintenance policies and
// batch-coordinator parameters.
type Options struct {
	// DataDir is where .aof and .lfdb files are stored. Created if missing.
	DataDir string

	// AofFilename is the append-only file name (default "linkforest.aof").
	// The snapshot is named <AofFilename>.lfdb.
	AofFilename string

	// AutoSaveInterval / AutoSaveThreshold gate automatic snapshots: both
	// must be exceeded. Zero disables the respective gate.
	AutoSaveInterval  time.Duration
	AutoSaveThreshold int64

	// AofRewritePercentage triggers AOF compaction when the file grows past
	// its base size by this percentage. Zero disables.
	AofRewritePercentage int

	// BatchWorkers bounds merge-batch concurrency. Zero means NumCPU.
	BatchWorkers int

	// BatchMaxRetries is how many times a failed component group is retried
	// as a whole before it is reported as failed.
	BatchMaxRetries int

	// BatchRetryBackoff is the base backoff between group retries; attempt n
	// waits n times this value.
	BatchRetryBackoff time.Duration

	// Planner labels weak components for batch grouping. Nil selects the
	// gonum implementation; the coordinator degrades to the direct
	// traversal when the planner fails.
	Planner oracle.Planner

	// Paths computes shortest-path lengths for component diameters.
	// Nil selects the gonum implementation.
	Paths oracle.PathOracle
}

// DefaultOptions returns a standard configuration.
//
// Defaults:
//   - AofFilename: "linkforest.aof"
//   - AutoSave: every 60s if at least 1000 changes occurred
//   - AofRewrite: at 100% growth
//   - Batch: NumCPU workers, 3 retries, 250ms base backoff
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		AofFilename:          "linkforest.aof",
		AutoSaveInterval:     60 * time.Second,
		AutoSaveThreshold:    1000,
		AofRewritePercentage: 100,
		BatchWorkers:         runtime.NumCPU(),
		BatchMaxRetries:      3,
		BatchRetryBackoff:    250 * time.Millisecond,
	}
}

// Engine is the main entry point. Use Open() to initialize and Close() to
// shut down gracefully.
type Engine struct {
	// DB is the underlying in-memory graph store. While exported, callers
	// should go through Engine methods so operations reach the AOF.
	DB *core.MemStore

	// AOF handles the append-only log with lazy batching.
	AOF *persistence.LazyAOFWriter

	planner oracle.Planner
	paths   oracle.PathOracle

	opts        Options
	aofPath     string
	snapPath    string
	aofBaseSize int64

	dirtyCounter int64
	lastSaveTime time.Time

	// adminMu serializes administrative tasks (save/rewrite/reset).
	// The store has its own lock for data access.
	adminMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes an Engine: creates DataDir, loads the latest snapshot,
// replays the AOF and starts the background maintenance goroutine. It blocks
// until the forest is fully loaded.
func Open(opts Options) (*Engine, error) {
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if opts.AofFilename == "" {
		opts.AofFilename = "linkforest.aof"
	}

	aofPath := filepath.Join(opts.DataDir, opts.AofFilename)
	snapPath := strings.TrimSuffix(aofPath, filepath.Ext(aofPath)) + ".lfdb"

	e := &Engine{
		DB:           core.NewMemStore(),
		planner:      opts.Planner,
		paths:        opts.Paths,
		opts:         opts,
		aofPath:      aofPath,
		snapPath:     snapPath,
		lastSaveTime: time.Now(),
		closed:       make(chan struct{}),
	}
	if e.planner == nil {
		e.planner = oracle.Gonum{}
	}
	if e.paths == nil {
		e.paths = oracle.Gonum{}
	}

	// 1. Load snapshot if present
	if _, err := os.Stat(snapPath); err == nil {
		f, err := os.Open(snapPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()
		if err := e.DB.LoadSnapshot(f); err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	// 2. Open AOF with lazy batching
	aofWriter, err := persistence.NewAOFWriter(aofPath)
	if err != nil {
		return nil, err
	}
	e.AOF = persistence.NewLazyAOFWriter(aofWriter)

	// 3. Replay AOF to recover writes after the last snapshot
	if err := e.replayAOF(); err != nil {
		e.AOF.Close()
		return nil, fmt.Errorf("failed to replay AOF: %w", err)
	}

	info, _ := e.AOF.File().Stat()
	e.aofBaseSize = info.Size()

	// 4. Background maintenance
	e.wg.Add(1)
	go e.backgroundTasks()

	return e, nil
}

// Close performs a clean shutdown: stops maintenance and closes the AOF.
// All data is already in the AOF, so no final snapshot is forced.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()
		if e.AOF != nil {
			err = e.AOF.Close()
		}
	})
	return err
}

func (e *Engine) backgroundTasks() {
	defer e.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	gaugeTicker := time.NewTicker(10 * time.Second)
	defer gaugeTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkMaintenance()
		case <-gaugeTicker.C:
			metrics.TotalEvents.Set(float64(e.DB.EventCount()))
			metrics.ProcessedEvents.Set(float64(e.DB.ProcessedCount()))
		}
	}
}

// checkMaintenance evaluates the auto-save and AOF-rewrite policies.
func (e *Engine) checkMaintenance() {
	dirty := atomic.LoadInt64(&e.dirtyCounter)

	if e.opts.AutoSaveThreshold > 0 && e.opts.AutoSaveInterval > 0 {
		if dirty >= e.opts.AutoSaveThreshold && time.Since(e.lastSaveTime) >= e.opts.AutoSaveInterval {
			if err := e.SaveSnapshot(); err != nil {
				slog.Error("Background snapshot failed", "error", err)
			}
		}
	}

	if err := e.AOF.Flush(); err != nil {
		slog.Error("Background AOF flush failed", "error", err)
	}

	if e.opts.AofRewritePercentage > 0 {
		info, err := e.AOF.File().Stat()
		if err == nil {
			currentSize := info.Size()
			threshold := e.aofBaseSize + (e.aofBaseSize * int64(e.opts.AofRewritePercentage) / 100)
			// Min threshold 1MB to avoid rewriting tiny files constantly
			if threshold < 1024*1024 {
				threshold = 1024 * 1024
			}
			if e.aofBaseSize > 0 && currentSize > threshold {
				if err := e.RewriteAOF(); err != nil {
					slog.Error("Background AOF rewrite failed", "error", err)
				}
			}
		}
	}
}
