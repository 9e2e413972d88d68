package lsmtree

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/executor"
	"github.com/iankelk/lsm-tree/internal/level"
	"github.com/iankelk/lsm-tree/internal/logging"
	"github.com/iankelk/lsm-tree/internal/memtable"
	"github.com/iankelk/lsm-tree/internal/run"
)

// Tree is the coordinator: it owns the buffer and the level vector,
// orchestrates flushes and compactions, routes queries, maintains
// counters, drives Bloom-filter autotuning, and (de)serializes the whole
// tree state.
//
// Nominal lock order: levels-vector -> move-runs -> level(1..k ascending)
// -> compaction-plan -> buffer -> run-internal. The flush path departs
// from it: flushSnapshot takes the move-runs lock while holding level 1's
// lock, and moveRuns takes the levels-vector write lock (to append a
// level) while holding level locks.
type Tree struct {
	cfg      Config
	dataDir  string
	logger   Logger
	executor *executor.Executor

	bufferMu sync.RWMutex
	buffer   *memtable.Buffer

	levelsMu sync.RWMutex
	levels   []*level.Level

	moveRunsMu sync.Mutex

	planMu sync.Mutex
	plan   map[int][2]int

	closed atomic.Bool

	getHits   atomic.Int64
	getMisses atomic.Int64

	cmdCount atomic.Int64

	ioMu      sync.Mutex
	ioCounts  map[int]int64
	ioMicros  map[int]int64

	throughputMu      sync.Mutex
	throughputWindowN int64
	throughputStart   time.Time
	overallStart      time.Time
}

// New creates a tree: if the manifest file exists under cfg.DataDir it is
// restored; otherwise a fresh tree with one empty level is returned.
func New(cfg Config) (*Tree, error) {
	cfg = cfg.withDefaults()
	t := &Tree{
		cfg:          cfg,
		dataDir:      cfg.DataDir,
		logger:       cfg.Logger,
		executor:     executor.New(cfg.ExecutorWidth),
		plan:         make(map[int][2]int),
		ioCounts:     make(map[int]int64),
		ioMicros:     make(map[int]int64),
		overallStart: time.Now(),
	}

	if err := t.loadManifest(); err != nil {
		if err != ErrManifestNotFound {
			return nil, err
		}
		t.logger.Infof("%sno manifest found under %s, starting fresh", logging.NSTree, cfg.DataDir)
		t.buffer = memtable.New(cfg.bufferCapacity())
		t.levels = []*level.Level{level.New(1, cfg.LevelPolicy, cfg.bufferCapacity(), cfg.Fanout)}
	}
	return t, nil
}

// IncrementLevelIO implements coretypes.TreeHandle.
func (t *Tree) IncrementLevelIO(levelNum int, elapsedMicros int64) {
	// Levels are 1-based; t.ioCounts/t.ioMicros are keyed by level number
	// and updated by bumpLevelIO in tree_stats.go.
	t.bumpLevelIO(levelNum, elapsedMicros)
}

// DataDir implements coretypes.TreeHandle.
func (t *Tree) DataDir() string { return t.dataDir }

func (t *Tree) page() int { return recordsPerPage(t.cfg.PageSize) }

// Put inserts or overwrites k -> v.
func (t *Tree) Put(k coretypes.Key, v coretypes.Value) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if v == coretypes.Tombstone {
		return ErrValueOutOfRange
	}
	t.bumpCommand()

	t.bufferMu.Lock()
	accepted := t.buffer.Put(k, v)
	if accepted {
		t.bufferMu.Unlock()
		return nil
	}

	snapshot := t.buffer.Snapshot()
	bufferSize := t.buffer.Capacity()
	t.buffer.Clear()
	t.buffer.Put(k, v)
	t.bufferMu.Unlock()

	return t.flushSnapshot(snapshot, bufferSize)
}

// Del is sugar for Put(k, tombstone).
func (t *Tree) Del(k coretypes.Key) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.bumpCommand()

	t.bufferMu.Lock()
	accepted := t.buffer.Put(k, coretypes.Tombstone)
	if accepted {
		t.bufferMu.Unlock()
		return nil
	}
	snapshot := t.buffer.Snapshot()
	bufferSize := t.buffer.Capacity()
	t.buffer.Clear()
	t.buffer.Put(k, coretypes.Tombstone)
	t.bufferMu.Unlock()

	return t.flushSnapshot(snapshot, bufferSize)
}

// flushSnapshot implements steps 4-8 of put(): route the evicted buffer
// snapshot into level 1, cascading moves and compactions as needed.
func (t *Tree) flushSnapshot(snapshot []coretypes.Record, bufferSize int) error {
	t.levelsMu.RLock()
	l1 := t.levels[0]
	t.levelsMu.RUnlock()

	l1.Lock()

	if !l1.FitsBuffer(bufferSize) {
		t.moveRunsMu.Lock()
		err := t.moveRuns(1)
		t.moveRunsMu.Unlock()
		if err != nil {
			l1.Unlock()
			return err
		}
	} else if l1.NumRuns() > 0 && t.mergesOnFlush(1) {
		t.planMu.Lock()
		t.plan[1] = [2]int{0, l1.NumRuns()}
		t.planMu.Unlock()
	}

	newRun, err := run.NewFresh(t.dataDir, len(snapshot), t.page(), t.cfg.BloomErrorRate, t)
	if err != nil {
		l1.Unlock()
		return err
	}
	if err := newRun.Flush(snapshot); err != nil {
		l1.Unlock()
		return err
	}
	if err := l1.PutFront(newRun); err != nil {
		l1.Unlock()
		return fmt.Errorf("%w: %v", ErrLevelOverflow, err)
	}
	l1.Unlock()

	// executeCompactionPlan acquires each planned level's own write lock,
	// including level 1's if queued above; it must not run while l1 is
	// still held here.
	return t.executeCompactionPlan()
}

// mergesOnFlush reports whether a flush into levelNum, given the
// existing runs there, should register a merge-on-flush compaction:
// LEVELED everywhere, LAZY_LEVELED only on the last level.
func (t *Tree) mergesOnFlush(levelNum int) bool {
	switch t.cfg.LevelPolicy {
	case Leveled:
		return true
	case LazyLeveled:
		t.levelsMu.RLock()
		isLast := levelNum == len(t.levels)
		t.levelsMu.RUnlock()
		return isLast
	default:
		return false
	}
}

// Get returns the value for k, or ok=false if absent or deleted.
func (t *Tree) Get(k coretypes.Key) (coretypes.Value, bool, error) {
	if t.closed.Load() {
		return 0, false, ErrClosed
	}
	t.bumpCommand()

	t.bufferMu.RLock()
	if v, ok := t.buffer.Get(k); ok {
		t.bufferMu.RUnlock()
		t.getHits.Add(1)
		if v == coretypes.Tombstone {
			return 0, false, nil
		}
		return v, true, nil
	}
	t.bufferMu.RUnlock()

	t.levelsMu.RLock()
	levels := make([]*level.Level, len(t.levels))
	copy(levels, t.levels)
	t.levelsMu.RUnlock()

	for _, l := range levels {
		l.RLock()
		v, found, err := l.Get(k)
		l.RUnlock()
		if err != nil {
			return 0, false, err
		}
		if found {
			if v == coretypes.Tombstone {
				t.getMisses.Add(1)
				return 0, false, nil
			}
			t.getHits.Add(1)
			return v, true, nil
		}
	}
	t.getMisses.Add(1)
	return 0, false, nil
}

// Range returns records with lo <= key < hi, newest value per key,
// tombstones suppressed, in ascending key order.
func (t *Tree) Range(ctx context.Context, lo, hi coretypes.Key) ([]coretypes.Record, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	t.bumpCommand()
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo == hi {
		return nil, nil
	}

	type ranked struct {
		coretypes.Record
		rank int
	}
	var all []ranked

	t.bufferMu.RLock()
	for _, r := range t.buffer.Range(lo, hi) {
		all = append(all, ranked{Record: r, rank: -1}) // memtable always newest
	}
	t.bufferMu.RUnlock()

	t.levelsMu.RLock()
	levels := make([]*level.Level, len(t.levels))
	copy(levels, t.levels)
	t.levelsMu.RUnlock()

	rank := 0
	for _, l := range levels {
		l.RLock()
		tagged, err := l.RangeTagged(ctx, lo, hi, t.executor)
		l.RUnlock()
		if err != nil {
			return nil, err
		}
		for _, tr := range tagged {
			all = append(all, ranked{Record: tr.Record, rank: rank + tr.Rank})
		}
		rank += l.NumRuns() + 1
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Key != all[j].Key {
			return all[i].Key < all[j].Key
		}
		return all[i].rank < all[j].rank
	})

	out := make([]coretypes.Record, 0, len(all))
	var lastKey coretypes.Key
	haveLast := false
	for _, r := range all {
		if haveLast && r.Key == lastKey {
			continue
		}
		haveLast = true
		lastKey = r.Key
		if r.Value != coretypes.Tombstone {
			out = append(out, r.Record)
		}
	}
	return out, nil
}

// Checkpoint serializes the tree's state to the manifest file. Close
// also calls this before rejecting further operations.
func (t *Tree) Checkpoint() error {
	return t.saveManifest()
}

// Close checkpoints and marks the tree closed; further operations return
// ErrClosed.
func (t *Tree) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.saveManifest()
}

func (t *Tree) bumpCommand() {
	n := t.cmdCount.Add(1)
	if t.cfg.ThroughputReporting && n%int64(t.cfg.ThroughputFrequency) == 0 {
		t.reportThroughput(n)
	}
}

// ValidKey reports whether k (parsed as a wider integer by the command
// parser) fits the signed 32-bit key range.
func ValidKey(k int64) bool {
	return k >= math.MinInt32 && k <= math.MaxInt32
}

// ValidValue reports whether v fits the legal value range, i.e. the
// signed 32-bit range minus the tombstone sentinel.
func ValidValue(v int64) bool {
	return v >= math.MinInt32+1 && v <= math.MaxInt32
}
