// Package run implements the immutable on-disk run: a sorted sequence of
// fixed-width records in a single file, backed by a Bloom filter and a
// sparse fence-pointer index for O(log pages) lookups.
package run

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/filter"
)

// recordSize is the on-disk width of a (Key, Value) pair: two little
// endian int32s, no header, no padding.
const recordSize = 8

// Run is an immutable sorted run of records on disk.
type Run struct {
	sync.RWMutex

	maxRecords int
	filePath   string
	size       int
	page       int
	errRate    float64

	fencePointers []coretypes.Key
	maxKey        coretypes.Key
	firstKey      coretypes.Key
	lastKey       coretypes.Key

	bloom    *filter.Filter
	tree     coretypes.TreeHandle
	levelNum int
}

// SetLevelNum records which level this run lives in, used only to
// attribute I/O counters correctly; set by the level on insertion.
func (r *Run) SetLevelNum(n int) {
	r.Lock()
	r.levelNum = n
	r.Unlock()
}

// NewFresh allocates a new, as-yet-unflushed run under dataDir. The file
// name combines a fixed template with a random suffix; creation retries
// on collision using O_EXCL so two runs never share a path.
func NewFresh(dataDir string, maxRecords int, page int, errRate float64, tree coretypes.TreeHandle) (*Run, error) {
	var path string
	for attempt := 0; attempt < 1000; attempt++ {
		candidate := filepath.Join(dataDir, fmt.Sprintf("run-%d.bin", rand.Int63()))
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			path = candidate
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("run: create %s: %w", candidate, err)
		}
	}
	if path == "" {
		return nil, fmt.Errorf("run: could not allocate a unique file name under %s", dataDir)
	}
	expectedBits := filter.BitsForErrorRate(uint64(maxRecords), errRate)
	if expectedBits == 0 {
		expectedBits = 64
	}
	return &Run{
		maxRecords: maxRecords,
		filePath:   path,
		page:       page,
		errRate:    errRate,
		bloom:      filter.New(expectedBits, uint64(maxRecords)),
		tree:       tree,
	}, nil
}

// Flush writes records (already sorted ascending by key) to the run's
// file once, irrevocably. Fails if the run already holds at (or beyond)
// capacity.
func (r *Run) Flush(records []coretypes.Record) error {
	r.Lock()
	defer r.Unlock()
	if r.size >= r.maxRecords && r.maxRecords > 0 {
		return fmt.Errorf("run: flush into full run %s", r.filePath)
	}
	f, err := os.OpenFile(r.filePath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("run: open %s for flush: %w", r.filePath, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	var buf [recordSize]byte
	fences := make([]coretypes.Key, 0, (len(records)+r.page-1)/max(r.page, 1))
	for i, rec := range records {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(rec.Key))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(rec.Value))
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("run: write record: %w", err)
		}
		r.bloom.AddKey(rec.Key)
		if r.page > 0 && i%r.page == 0 {
			fences = append(fences, rec.Key)
		}
		if rec.Key > r.maxKey || i == 0 {
			r.maxKey = rec.Key
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("run: flush writer: %w", err)
	}
	r.size = len(records)
	r.fencePointers = fences
	if len(records) > 0 {
		r.firstKey = records[0].Key
		r.lastKey = records[len(records)-1].Key
		r.maxKey = records[len(records)-1].Key
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Size returns the actual record count after flushing.
func (r *Run) Size() int {
	r.RLock()
	defer r.RUnlock()
	return r.size
}

// MaxRecords returns the capacity this run was constructed with.
func (r *Run) MaxRecords() int {
	r.RLock()
	defer r.RUnlock()
	return r.maxRecords
}

// FilePath returns the run's backing file.
func (r *Run) FilePath() string {
	r.RLock()
	defer r.RUnlock()
	return r.filePath
}

// FirstKey, LastKey and MaxKey return the run's cached key extremes.
func (r *Run) FirstKey() coretypes.Key {
	r.RLock()
	defer r.RUnlock()
	return r.firstKey
}
func (r *Run) LastKey() coretypes.Key {
	r.RLock()
	defer r.RUnlock()
	return r.lastKey
}
func (r *Run) MaxKey() coretypes.Key {
	r.RLock()
	defer r.RUnlock()
	return r.maxKey
}

// Bloom exposes the run's filter for resize/repopulate during autotuning.
func (r *Run) Bloom() *filter.Filter { return r.bloom }

// Delete removes the run's backing file. Called only after the run has
// been spliced out of its level's run list.
func (r *Run) Delete() error {
	r.RLock()
	path := r.filePath
	r.RUnlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("run: delete %s: %w", path, err)
	}
	return nil
}

// Get looks up k, consulting the Bloom filter and fence pointers before
// touching disk.
func (r *Run) Get(k coretypes.Key) (coretypes.Value, bool, error) {
	r.RLock()
	if r.size == 0 || len(r.fencePointers) == 0 || k < r.fencePointers[0] || k > r.maxKey {
		r.RUnlock()
		return 0, false, nil
	}
	if !r.bloom.Contains(k) {
		r.RUnlock()
		return 0, false, nil
	}
	fences := r.fencePointers
	size := r.size
	page := r.page
	path := r.filePath
	levelNum := r.levelNum
	r.RUnlock()

	start := time.Now()
	pageIdx := lastFenceLE(fences, k)
	pageStart := pageIdx * page
	pageEnd := pageStart + page
	if pageEnd > size || page == 0 {
		pageEnd = size
	}

	records, err := readRange(path, pageStart, pageEnd)
	elapsed := time.Since(start).Microseconds()
	if err != nil {
		return 0, false, err
	}
	idx := sort.Search(len(records), func(i int) bool { return records[i].Key >= k })
	if r.tree != nil {
		r.tree.IncrementLevelIO(levelNum, elapsed)
	}
	if idx < len(records) && records[idx].Key == k {
		r.bloom.RecordHit()
		return records[idx].Value, true, nil
	}
	r.bloom.RecordMiss()
	return 0, false, nil
}

// Range returns records with lo <= key < hi.
func (r *Run) Range(lo, hi coretypes.Key) ([]coretypes.Record, error) {
	r.RLock()
	if r.size == 0 || len(r.fencePointers) == 0 || hi <= r.fencePointers[0] || lo > r.maxKey {
		r.RUnlock()
		return nil, nil
	}
	fences := r.fencePointers
	size := r.size
	page := r.page
	path := r.filePath
	levelNum := r.levelNum
	r.RUnlock()

	start := time.Now()
	pageIdx := lastFenceLE(fences, lo)
	pageStart := pageIdx * page
	if page == 0 {
		pageStart = 0
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("run: open %s: %w", path, err)
	}
	defer f.Close()

	var out []coretypes.Record
	buf := make([]byte, recordSize)
	for i := pageStart; i < size; i++ {
		if _, err := f.ReadAt(buf, int64(i)*recordSize); err != nil {
			return nil, fmt.Errorf("run: read record %d: %w", i, err)
		}
		rec := decodeRecord(buf)
		if rec.Key >= hi {
			break
		}
		if rec.Key >= lo {
			out = append(out, rec)
		}
	}
	elapsed := time.Since(start).Microseconds()
	if r.tree != nil {
		r.tree.IncrementLevelIO(levelNum, elapsed)
	}
	return out, nil
}

// Scan returns every record in the run, in ascending order.
func (r *Run) Scan() ([]coretypes.Record, error) {
	r.RLock()
	size := r.size
	path := r.filePath
	r.RUnlock()
	return readRange(path, 0, size)
}

func lastFenceLE(fences []coretypes.Key, k coretypes.Key) int {
	i := sort.Search(len(fences), func(i int) bool { return fences[i] > k })
	if i == 0 {
		return 0
	}
	return i - 1
}

func decodeRecord(buf []byte) coretypes.Record {
	return coretypes.Record{
		Key:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Value: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

func readRange(path string, fromRecord, toRecord int) ([]coretypes.Record, error) {
	if toRecord <= fromRecord {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("run: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(fromRecord)*recordSize, 0); err != nil {
		return nil, fmt.Errorf("run: seek %s: %w", path, err)
	}
	n := toRecord - fromRecord
	buf := make([]byte, n*recordSize)
	if _, err := readFull(f, buf); err != nil {
		return nil, fmt.Errorf("run: read %s: %w", path, err)
	}
	out := make([]coretypes.Record, n)
	for i := 0; i < n; i++ {
		out[i] = decodeRecord(buf[i*recordSize : (i+1)*recordSize])
	}
	return out, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
