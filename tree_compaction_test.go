package lsmtree

import "testing"

// TestLevelCapacityInvariantHoldsUnderSustainedWrites drives enough puts
// to force several cascading moves and checks that every level's
// occupancy never exceeds its max_records.
func TestLevelCapacityInvariantHoldsUnderSustainedWrites(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	const n = 200
	for i := int32(0); i < n; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	tree.levelsMu.RLock()
	defer tree.levelsMu.RUnlock()
	for _, l := range tree.levels {
		l.RLock()
		if l.RecordCount() > l.MaxRecords() {
			l.RUnlock()
			t.Fatalf("level %d: record_count %d exceeds max_records %d", l.LevelNum(), l.RecordCount(), l.MaxRecords())
		}
		l.RUnlock()
	}
	for i := int32(0); i < n; i++ {
		v, ok, err := tree.Get(i)
		if err != nil || !ok || v != i {
			t.Fatalf("Get(%d) = %v, %v, %v; want %d, true, nil", i, v, ok, err, i)
		}
	}
}

func TestTieredPolicySurvivesCascadingMoves(t *testing.T) {
	tree := newTestTree(t, Tiered, 1, 2)
	const n = 100
	for i := int32(0); i < n; i++ {
		if err := tree.Put(i, i*2); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := int32(0); i < n; i++ {
		v, ok, err := tree.Get(i)
		if err != nil || !ok || v != i*2 {
			t.Fatalf("Get(%d) = %v, %v, %v; want %d, true, nil", i, v, ok, err, i*2)
		}
	}
}

func TestPartialPolicySurvivesCascadingMoves(t *testing.T) {
	tree := newTestTree(t, Partial, 1, 2)
	const n = 150
	for i := int32(0); i < n; i++ {
		if err := tree.Put(i, i+1); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := int32(0); i < n; i++ {
		v, ok, err := tree.Get(i)
		if err != nil || !ok || v != i+1 {
			t.Fatalf("Get(%d) = %v, %v, %v; want %d, true, nil", i, v, ok, err, i+1)
		}
	}
}

func TestDeleteDropsTombstoneOnlyAtLastLevel(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	const n = 80
	for i := int32(0); i < n; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tree.Del(0); err != nil {
		t.Fatalf("Del(0): %v", err)
	}
	for i := int32(1); i < n; i++ {
		if err := tree.Put(i, i*3); err != nil { // churn to push compactions through
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	_, ok, err := tree.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if ok {
		t.Fatalf("key 0 should remain deleted after compaction churn")
	}
}
