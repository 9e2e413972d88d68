// Package level implements a single level of the tree: an ordered
// sequence of runs (newest at the front) with a compaction policy, a
// capacity derived from the geometric fan-out, and a nominal storage
// tier used only for I/O-penalty reporting.
package level

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/executor"
	"github.com/iankelk/lsm-tree/internal/run"
	"github.com/iankelk/lsm-tree/internal/storage"
)

// Level is one level of the tree.
type Level struct {
	sync.RWMutex

	levelNum   int
	policy     coretypes.Policy
	fanout     int
	bufferCap  int
	maxRecords int

	runs        []*run.Run
	recordCount int

	tier storage.Tier
}

// New creates an empty level. maxRecords = B * T^levelNum.
func New(levelNum int, policy coretypes.Policy, bufferCap, fanout int) *Level {
	max := bufferCap
	for i := 0; i < levelNum; i++ {
		max *= fanout
	}
	return &Level{
		levelNum:   levelNum,
		policy:     policy,
		fanout:     fanout,
		bufferCap:  bufferCap,
		maxRecords: max,
		tier:       storage.ForLevel(levelNum),
	}
}

func (l *Level) LevelNum() int          { return l.levelNum }
func (l *Level) Policy() coretypes.Policy { return l.policy }
func (l *Level) BufferCap() int         { return l.bufferCap }
func (l *Level) Fanout() int            { return l.fanout }

// RecordCount and MaxRecords report this level's occupancy invariant:
// RecordCount() <= MaxRecords() at every quiescent point.
func (l *Level) RecordCount() int { return l.recordCount }
func (l *Level) MaxRecords() int  { return l.maxRecords }

// DiskName and DiskPenaltyMultiplier report the level's storage tier.
func (l *Level) DiskName() string           { return l.tier.Name }
func (l *Level) DiskPenaltyMultiplier() int { return l.tier.Penalty }

// NumRuns returns how many runs the level currently holds.
func (l *Level) NumRuns() int { return len(l.runs) }

// Runs returns a snapshot slice of the level's runs, newest first.
// Callers hold the level lock for the duration of any use.
func (l *Level) Runs() []*run.Run {
	out := make([]*run.Run, len(l.runs))
	copy(out, l.runs)
	return out
}

// PutFront prepends r. Fails if doing so would overflow the level.
func (l *Level) PutFront(r *run.Run) error {
	if l.recordCount+r.MaxRecords() > l.maxRecords {
		return fmt.Errorf("level %d: put_front would overflow (%d+%d > %d)", l.levelNum, l.recordCount, r.MaxRecords(), l.maxRecords)
	}
	r.SetLevelNum(l.levelNum)
	l.runs = append([]*run.Run{r}, l.runs...)
	l.recordCount += r.MaxRecords()
	return nil
}

// FitsBuffer reports whether a full buffer flush would still fit.
func (l *Level) FitsBuffer(bufferSize int) bool {
	return l.recordCount+bufferSize <= l.maxRecords
}

// FitsLowerLevel reports whether this level can still accept the volume
// represented by the max_records of level max(1, levelNum-2) — the
// spec's heuristic for whether a cascading move_runs must recurse first.
func (l *Level) FitsLowerLevel(maxRecordsTwoBack int) bool {
	return l.recordCount+maxRecordsTwoBack <= l.maxRecords
}

// ClearRecordCount zeroes the level after all its runs have been moved
// elsewhere.
func (l *Level) ClearRecordCount() { l.recordCount = 0 }

// Recompute recalculates record_count from the current run list.
func (l *Level) Recompute() {
	total := 0
	for _, r := range l.runs {
		total += r.MaxRecords()
	}
	l.recordCount = total
}

// SpliceAllFront splices src's runs (already ordered newest-first) onto
// the front of this level's run list, re-tagging their level number, and
// returns how many were moved.
func (l *Level) SpliceAllFront(src []*run.Run) int {
	for _, r := range src {
		r.SetLevelNum(l.levelNum)
	}
	l.runs = append(append([]*run.Run{}, src...), l.runs...)
	return len(src)
}

// TakeAll detaches and returns every run in the level, leaving it empty.
func (l *Level) TakeAll() []*run.Run {
	out := l.runs
	l.runs = nil
	l.recordCount = 0
	return out
}

// ExtractSegment detaches and returns runs[start..end] (inclusive)
// without deleting their files, used by the PARTIAL policy to relocate a
// window of runs to the next level intact.
func (l *Level) ExtractSegment(start, end int) ([]*run.Run, error) {
	if start < 0 || end >= len(l.runs) || start > end {
		return nil, fmt.Errorf("level %d: invalid extract window [%d,%d]", l.levelNum, start, end)
	}
	segment := append([]*run.Run{}, l.runs[start:end+1]...)
	l.runs = append(append([]*run.Run{}, l.runs[:start]...), l.runs[end+1:]...)
	l.Recompute()
	return segment, nil
}

// Get consults the level's runs front-to-back (newest first), returning
// the first value found.
func (l *Level) Get(k coretypes.Key) (coretypes.Value, bool, error) {
	for _, r := range l.runs {
		v, ok, err := r.Get(k)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}

// TaggedRecord carries a record plus its recency rank (lower = newer)
// for the cross-run merge.
type TaggedRecord struct {
	coretypes.Record
	Rank int
}

// RangeTagged runs per-run range probes in parallel via exec and returns
// every match, each tagged with a recency rank (this level's run index);
// the tree combines ranks across levels for shadowing.
func (l *Level) RangeTagged(ctx context.Context, lo, hi coretypes.Key, exec *executor.Executor) ([]TaggedRecord, error) {
	runs := l.runs
	fns := make([]func(context.Context) ([]TaggedRecord, error), len(runs))
	for i, r := range runs {
		i, r := i, r
		fns[i] = func(context.Context) ([]TaggedRecord, error) {
			recs, err := r.Range(lo, hi)
			if err != nil {
				return nil, err
			}
			tagged := make([]TaggedRecord, len(recs))
			for j, rec := range recs {
				tagged[j] = TaggedRecord{Record: rec, Rank: i}
			}
			return tagged, nil
		}
	}
	results, err := executor.RunCollect(ctx, exec, fns)
	if err != nil {
		return nil, err
	}
	var out []TaggedRecord
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// FindBestSegmentToCompact picks the contiguous window of
// n = max(2, round(pct * len(runs))) runs minimizing the sum of
// |lastKey(run_i) - firstKey(run_{i+1})| across adjacent pairs in the
// window, ties broken by the lowest start index. Used by PARTIAL policy.
func (l *Level) FindBestSegmentToCompact(pct float64) (start, end int) {
	n := int(pct*float64(len(l.runs)) + 0.5)
	if n < 2 {
		n = 2
	}
	if n > len(l.runs) {
		n = len(l.runs)
	}
	if n <= 0 {
		return 0, -1
	}
	bestStart := 0
	bestCost := -1.0
	for s := 0; s+n <= len(l.runs); s++ {
		cost := 0.0
		for i := s; i < s+n-1; i++ {
			cost += absInt(l.runs[i].LastKey() - l.runs[i+1].FirstKey())
		}
		if bestCost < 0 || cost < bestCost {
			bestCost = cost
			bestStart = s
		}
	}
	return bestStart, bestStart + n - 1
}

func absInt(v coretypes.Key) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

// CompactSegment k-way merges runs[start..end] (inclusive) into a single
// new sorted run. On equal keys, the entry from the lower run index
// (newer — runs are stored newest-first) wins. When isLastLevel, winning
// tombstones are dropped instead of retained.
func (l *Level) CompactSegment(dataDir string, errRate float64, start, end int, isLastLevel bool, page int, tree coretypes.TreeHandle) (*run.Run, error) {
	if start < 0 || end >= len(l.runs) || start > end {
		return nil, fmt.Errorf("level %d: invalid compaction window [%d,%d] of %d runs", l.levelNum, start, end, len(l.runs))
	}
	startTime := time.Now()
	segment := l.runs[start : end+1]

	scans := make([][]coretypes.Record, len(segment))
	maxRecords := 0
	for i, r := range segment {
		recs, err := r.Scan()
		if err != nil {
			return nil, err
		}
		scans[i] = recs
		maxRecords += r.MaxRecords()
	}

	merged := mergeSorted(scans, isLastLevel)

	out, err := run.NewFresh(dataDir, maxRecords, page, errRate, tree)
	if err != nil {
		return nil, err
	}
	if err := out.Flush(merged); err != nil {
		return nil, err
	}
	elapsed := time.Since(startTime).Microseconds()
	if tree != nil {
		tree.IncrementLevelIO(l.levelNum, elapsed)
	}
	return out, nil
}

// heapItem is one run's current head during the k-way merge.
type heapItem struct {
	rec      coretypes.Record
	runIndex int // smaller = newer; resolves ties
	pos      int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].rec.Key != h[j].rec.Key {
		return h[i].rec.Key < h[j].rec.Key
	}
	return h[i].runIndex < h[j].runIndex
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func mergeSorted(scans [][]coretypes.Record, dropTombstones bool) []coretypes.Record {
	h := &mergeHeap{}
	heap.Init(h)
	for runIdx, recs := range scans {
		if len(recs) > 0 {
			heap.Push(h, heapItem{rec: recs[0], runIndex: runIdx, pos: 0})
		}
	}
	var out []coretypes.Record
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem)
		key := top.rec.Key
		winner := top

		// Drop any other entries for the same key (older copies).
		for h.Len() > 0 && (*h)[0].rec.Key == key {
			dup := heap.Pop(h).(heapItem)
			advance(h, scans, dup)
		}
		if !(dropTombstones && winner.rec.Value == coretypes.Tombstone) {
			out = append(out, winner.rec)
		}
		advance(h, scans, winner)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func advance(h *mergeHeap, scans [][]coretypes.Record, item heapItem) {
	next := item.pos + 1
	if next < len(scans[item.runIndex]) {
		heap.Push(h, heapItem{rec: scans[item.runIndex][next], runIndex: item.runIndex, pos: next})
	}
}

// ReplaceSegment splices newRun into the place of runs[start..end],
// recomputes record_count, and then deletes the replaced runs' files.
func (l *Level) ReplaceSegment(start, end int, newRun *run.Run) error {
	if start < 0 || end >= len(l.runs) || start > end {
		return fmt.Errorf("level %d: invalid replace window [%d,%d]", l.levelNum, start, end)
	}
	replaced := append([]*run.Run{}, l.runs[start:end+1]...)
	newRun.SetLevelNum(l.levelNum)
	tail := append([]*run.Run{}, l.runs[end+1:]...)
	l.runs = append(append(l.runs[:start], newRun), tail...)
	l.Recompute()
	for _, r := range replaced {
		if err := r.Delete(); err != nil {
			return err
		}
	}
	return nil
}

