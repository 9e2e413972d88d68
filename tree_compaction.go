package lsmtree

import (
	"context"

	"github.com/iankelk/lsm-tree/internal/level"
	"github.com/iankelk/lsm-tree/internal/logging"
)

// maxRecordsAtLevel computes B * T^n without requiring level n to exist.
func (t *Tree) maxRecordsAtLevel(n int) int {
	if n < 1 {
		n = 1
	}
	max := t.cfg.bufferCapacity()
	for i := 0; i < n; i++ {
		max *= t.cfg.Fanout
	}
	return max
}

func (t *Tree) isLastLevel(n int) bool {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	return n == len(t.levels)
}

// getOrCreateLevel returns level n (1-based), creating any missing
// intermediate levels under an exclusive levels-vector lock.
func (t *Tree) getOrCreateLevel(n int) *level.Level {
	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()
	for len(t.levels) < n {
		newNum := len(t.levels) + 1
		t.levels = append(t.levels, level.New(newNum, t.cfg.LevelPolicy, t.cfg.bufferCapacity(), t.cfg.Fanout))
	}
	return t.levels[n-1]
}

// moveRuns propagates space downward from level L. Invariant on entry:
// level L is exclusively held by the caller, and this is the only
// goroutine executing moveRuns (serialized by t.moveRunsMu).
func (t *Tree) moveRuns(L int) error {
	t.levelsMu.RLock()
	cur := t.levels[L-1]
	t.levelsMu.RUnlock()

	twoBack := L - 2
	if twoBack < 1 {
		twoBack = 1
	}
	if cur.FitsLowerLevel(t.maxRecordsAtLevel(twoBack)) {
		return nil
	}

	next := t.getOrCreateLevel(L + 1)
	next.Lock()
	defer next.Unlock()

	nextTwoBack := (L + 1) - 2
	if nextTwoBack < 1 {
		nextTwoBack = 1
	}
	if !next.FitsLowerLevel(t.maxRecordsAtLevel(nextTwoBack)) {
		if err := t.moveRuns(L + 1); err != nil {
			return err
		}
	}

	isLastAfterMove := t.isLastLevel(L + 1)

	switch {
	case t.cfg.LevelPolicy == Tiered || (t.cfg.LevelPolicy == LazyLeveled && !isLastAfterMove):
		src := cur.TakeAll()
		moved := next.SpliceAllFront(src)
		if moved > 0 {
			t.registerPlan(L+1, 0, moved-1)
		}
	case t.cfg.LevelPolicy == Leveled || (t.cfg.LevelPolicy == LazyLeveled && isLastAfterMove):
		priorCount := next.NumRuns()
		src := cur.TakeAll()
		moved := next.SpliceAllFront(src)
		if moved+priorCount > 0 {
			t.registerPlan(L+1, 0, moved+priorCount-1)
		}
	case t.cfg.LevelPolicy == Partial:
		return t.movePartial(cur, next, L)
	}
	return nil
}

func (t *Tree) movePartial(cur, next *level.Level, curLevelNum int) error {
	start, end := cur.FindBestSegmentToCompact(t.cfg.CompactionPercentage)
	if end < start {
		return nil
	}
	segRecords := 0
	for _, r := range cur.Runs()[start : end+1] {
		segRecords += r.MaxRecords()
	}
	if next.RecordCount()+segRecords <= next.MaxRecords() {
		segment, err := cur.ExtractSegment(start, end)
		if err != nil {
			return err
		}
		priorCount := next.NumRuns()
		moved := next.SpliceAllFront(segment)
		if moved+priorCount > 0 {
			t.registerPlan(next.LevelNum(), 0, moved+priorCount-1)
		}
		return nil
	}
	// Next level has no room either: compact the chosen window in place.
	t.registerPlan(curLevelNum, start, end)
	return nil
}

func (t *Tree) registerPlan(levelNum, start, end int) {
	t.planMu.Lock()
	t.plan[levelNum] = [2]int{start, end}
	t.planMu.Unlock()
}

// executeCompactionPlan runs every planned (level -> window) compaction
// in parallel via the executor and clears the plan. Each task takes its
// own level's write lock for the duration of its compaction.
func (t *Tree) executeCompactionPlan() error {
	t.planMu.Lock()
	plan := t.plan
	t.plan = make(map[int][2]int)
	t.planMu.Unlock()

	if len(plan) == 0 {
		return nil
	}

	tasks := make([]func(context.Context) error, 0, len(plan))
	for levelNum, window := range plan {
		levelNum, window := levelNum, window
		tasks = append(tasks, func(ctx context.Context) error {
			return t.compactLevelWindow(levelNum, window[0], window[1])
		})
	}
	return t.executor.Run(context.Background(), tasks...)
}

func (t *Tree) compactLevelWindow(levelNum, start, end int) error {
	t.levelsMu.RLock()
	if levelNum-1 >= len(t.levels) {
		t.levelsMu.RUnlock()
		return nil
	}
	l := t.levels[levelNum-1]
	t.levelsMu.RUnlock()

	l.Lock()
	defer l.Unlock()

	isLastLevel := t.isLastLevel(levelNum)
	newRun, err := l.CompactSegment(t.dataDir, t.cfg.BloomErrorRate, start, end, isLastLevel, t.page(), t)
	if err != nil {
		return err
	}
	if err := l.ReplaceSegment(start, end, newRun); err != nil {
		return err
	}
	t.logger.Debugf("%scompacted level %d window [%d,%d] -> %d records", logging.NSCompact, levelNum, start, end, newRun.Size())
	return nil
}
