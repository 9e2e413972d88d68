package memtable

import "testing"

func TestPutAcceptsUntilFull(t *testing.T) {
	b := New(2)
	if !b.Put(1, 10) {
		t.Fatalf("expected accepted")
	}
	if !b.Put(2, 20) {
		t.Fatalf("expected accepted")
	}
	if b.Put(3, 30) {
		t.Fatalf("expected full rejection")
	}
	if !b.Put(1, 11) {
		t.Fatalf("overwrite of existing key must be accepted")
	}
	v, ok := b.Get(1)
	if !ok || v != 11 {
		t.Fatalf("got %v %v, want 11 true", v, ok)
	}
}

func TestSnapshotIsSortedAndClearResets(t *testing.T) {
	b := New(10)
	b.Put(3, 30)
	b.Put(1, 10)
	b.Put(2, 20)
	snap := b.Snapshot()
	want := []int32{1, 2, 3}
	for i, r := range snap {
		if r.Key != want[i] {
			t.Fatalf("snapshot not sorted: %+v", snap)
		}
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("expected empty after clear")
	}
}

func TestRange(t *testing.T) {
	b := New(10)
	for _, k := range []int32{1, 2, 3, 4, 5} {
		b.Put(k, k*10)
	}
	got := b.Range(2, 4)
	if len(got) != 2 || got[0].Key != 2 || got[1].Key != 3 {
		t.Fatalf("unexpected range result: %+v", got)
	}
}
