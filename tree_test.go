package lsmtree

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/iankelk/lsm-tree/internal/logging"
)

func newTestTree(t *testing.T, policy Policy, bufferPages, fanout int) *Tree {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		DataDir:        dir,
		BufferPages:    bufferPages,
		PageSize:       4,
		Fanout:         fanout,
		LevelPolicy:    policy,
		BloomErrorRate: 0.01,
		ExecutorWidth:  4,
		Logger:         logging.NewDefaultLogger(logging.LevelError),
	}
	tree, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tree
}

func TestPutThenGetReadsYourWrites(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if err := tree.Put(1, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := tree.Get(1)
	if err != nil || !ok || v != 100 {
		t.Fatalf("Get(1) = %v, %v, %v; want 100, true, nil", v, ok, err)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	_, ok, err := tree.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key 42 to be absent")
	}
}

func TestDelHidesKeyFromGet(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if err := tree.Put(5, 50); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Del(5); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, ok, err := tree.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key 5 to be deleted")
	}
}

func TestPutRejectsTombstoneValue(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if err := tree.Put(1, math.MinInt32); err != ErrValueOutOfRange {
		t.Fatalf("Put(tombstone) = %v; want ErrValueOutOfRange", err)
	}
}

func TestOverwriteReturnsNewestValue(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if err := tree.Put(7, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put(7, 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := tree.Get(7)
	if err != nil || !ok || v != 2 {
		t.Fatalf("Get(7) = %v, %v, %v; want 2, true, nil", v, ok, err)
	}
}

func TestFlushAcrossBufferCapacitySurvivesAndShadows(t *testing.T) {
	// BufferPages=1, PageSize=4 => buffer capacity 4 records.
	tree := newTestTree(t, Leveled, 1, 2)
	for i := int32(0); i < 4; i++ {
		if err := tree.Put(i, i*10); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	// This put overflows the buffer and forces a flush to level 1.
	if err := tree.Put(4, 40); err != nil {
		t.Fatalf("Put(4): %v", err)
	}
	// Overwrite a key that is now on disk; the newer memtable value wins.
	if err := tree.Put(0, 999); err != nil {
		t.Fatalf("Put(0) overwrite: %v", err)
	}
	v, ok, err := tree.Get(0)
	if err != nil || !ok || v != 999 {
		t.Fatalf("Get(0) = %v, %v, %v; want 999, true, nil", v, ok, err)
	}
	v, ok, err = tree.Get(3)
	if err != nil || !ok || v != 30 {
		t.Fatalf("Get(3) = %v, %v, %v; want 30, true, nil", v, ok, err)
	}
}

func TestRangeOrderedAndExclusiveHi(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	for i := int32(0); i < 6; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	recs, err := tree.Range(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	wantKeys := []int32{1, 2, 3, 4}
	if len(recs) != len(wantKeys) {
		t.Fatalf("got %d records, want %d: %+v", len(recs), len(wantKeys), recs)
	}
	for i, k := range wantKeys {
		if recs[i].Key != k || recs[i].Value != k {
			t.Fatalf("recs[%d] = %+v; want key/value %d", i, recs[i], k)
		}
	}
}

func TestRangeSuppressesTombstones(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	for i := int32(0); i < 4; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tree.Del(2); err != nil {
		t.Fatalf("Del(2): %v", err)
	}
	recs, err := tree.Range(context.Background(), 0, 4)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	for _, r := range recs {
		if r.Key == 2 {
			t.Fatalf("tombstoned key 2 leaked into range result: %+v", recs)
		}
	}
}

func TestCheckpointThenReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		DataDir:        dir,
		BufferPages:    1,
		PageSize:       4,
		Fanout:         2,
		LevelPolicy:    Leveled,
		BloomErrorRate: 0.01,
		ExecutorWidth:  4,
		Logger:         logging.NewDefaultLogger(logging.LevelError),
	}
	tree, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := int32(0); i < 6; i++ {
		if err := tree.Put(i, i*10); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tree.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "lsm-tree.json")); err != nil {
		t.Fatalf("expected manifest file: %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	for i := int32(0); i < 6; i++ {
		v, ok, err := reopened.Get(i)
		if err != nil || !ok || v != i*10 {
			t.Fatalf("reopened.Get(%d) = %v, %v, %v; want %d, true, nil", i, v, ok, err, i*10)
		}
	}
}

func TestClosedTreeRejectsOperations(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tree.Put(1, 1); err != ErrClosed {
		t.Fatalf("Put after close = %v; want ErrClosed", err)
	}
	if _, _, err := tree.Get(1); err != ErrClosed {
		t.Fatalf("Get after close = %v; want ErrClosed", err)
	}
}

func TestValidKeyAndValidValueRanges(t *testing.T) {
	if !ValidKey(math.MinInt32) || !ValidKey(math.MaxInt32) {
		t.Fatalf("expected int32 extremes to be valid keys")
	}
	if ValidKey(math.MaxInt32 + 1) {
		t.Fatalf("expected overflow key to be invalid")
	}
	if ValidValue(math.MinInt32) {
		t.Fatalf("expected tombstone literal to be an invalid value")
	}
	if !ValidValue(math.MinInt32 + 1) {
		t.Fatalf("expected MinInt32+1 to be a valid value")
	}
}
