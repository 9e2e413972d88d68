// Package memtable implements the tree's in-memory write buffer: an
// ordered map of bounded capacity, backed by github.com/google/btree so
// that Snapshot can hand the tree a pre-sorted slice without a separate
// sort pass.
package memtable

import (
	"github.com/google/btree"

	"github.com/iankelk/lsm-tree/internal/coretypes"
)

func less(a, b coretypes.Record) bool { return a.Key < b.Key }

// Buffer is the memtable: an ordered Key -> Value map of capacity B.
// Not safe for concurrent use; callers serialize access with the tree's
// buffer lock.
type Buffer struct {
	tree     *btree.BTreeG[coretypes.Record]
	capacity int
}

// New creates an empty buffer with the given capacity (number of records).
func New(capacity int) *Buffer {
	return &Buffer{
		tree:     btree.NewG(32, less),
		capacity: capacity,
	}
}

// Capacity returns B.
func (b *Buffer) Capacity() int { return b.capacity }

// Len returns the number of records currently held.
func (b *Buffer) Len() int { return b.tree.Len() }

// Put inserts or overwrites k -> v. Returns accepted=false without
// mutating the buffer when k is new and the buffer is already at
// capacity; the caller treats that as the flush trigger.
func (b *Buffer) Put(k coretypes.Key, v coretypes.Value) (accepted bool) {
	rec := coretypes.Record{Key: k, Value: v}
	if _, exists := b.tree.Get(rec); exists {
		b.tree.ReplaceOrInsert(rec)
		return true
	}
	if b.tree.Len() >= b.capacity {
		return false
	}
	b.tree.ReplaceOrInsert(rec)
	return true
}

// Get returns the value for k, if present.
func (b *Buffer) Get(k coretypes.Key) (coretypes.Value, bool) {
	rec, ok := b.tree.Get(coretypes.Record{Key: k})
	if !ok {
		return 0, false
	}
	return rec.Value, true
}

// Range returns the ordered subset with lo <= key < hi.
func (b *Buffer) Range(lo, hi coretypes.Key) []coretypes.Record {
	var out []coretypes.Record
	b.tree.AscendRange(coretypes.Record{Key: lo}, coretypes.Record{Key: hi}, func(r coretypes.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Clear resets the buffer to empty.
func (b *Buffer) Clear() {
	b.tree = btree.NewG(32, less)
}

// Snapshot returns an ordered copy of every record, ready to flush.
func (b *Buffer) Snapshot() []coretypes.Record {
	out := make([]coretypes.Record, 0, b.tree.Len())
	b.tree.Ascend(func(r coretypes.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// LoadSnapshot repopulates an empty buffer from a previously captured
// snapshot; used when restoring from the manifest.
func (b *Buffer) LoadSnapshot(records []coretypes.Record) {
	for _, r := range records {
		b.tree.ReplaceOrInsert(r)
	}
}
