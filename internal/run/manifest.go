package run

import (
	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/filter"
)

// Manifest is the JSON-friendly snapshot of a run's state, embedded in
// the tree's manifest document.
type Manifest struct {
	MaxRecords      int             `json:"max_records"`
	ErrRate         float64         `json:"err_rate"`
	FilePath        string          `json:"file_path"`
	Size            int             `json:"size"`
	Page            int             `json:"page"`
	MaxKey          coretypes.Key   `json:"max_key"`
	FirstKey        coretypes.Key   `json:"first_key"`
	LastKey         coretypes.Key   `json:"last_key"`
	FencePointers   []coretypes.Key `json:"fence_pointers"`
	BloomBits       []int           `json:"bloom_bits"`
	BloomNumBits    uint64          `json:"bloom_num_bits"`
	BloomNumHashes  int             `json:"bloom_num_hashes"`
	TruePositives   int64           `json:"true_positives"`
	FalsePositives  int64           `json:"false_positives"`
}

// ToManifest captures the run's current state for serialization.
func (r *Run) ToManifest() Manifest {
	r.RLock()
	defer r.RUnlock()
	bits := r.bloom.Bits()
	bitArray := make([]int, r.bloom.NumBits())
	for i := range bitArray {
		if bits[i/8]&(1<<(uint(i)%8)) != 0 {
			bitArray[i] = 1
		}
	}
	fences := make([]coretypes.Key, len(r.fencePointers))
	copy(fences, r.fencePointers)
	return Manifest{
		MaxRecords:     r.maxRecords,
		ErrRate:        r.errRate,
		FilePath:       r.filePath,
		Size:           r.size,
		Page:           r.page,
		MaxKey:         r.maxKey,
		FirstKey:       r.firstKey,
		LastKey:        r.lastKey,
		FencePointers:  fences,
		BloomBits:      bitArray,
		BloomNumBits:   r.bloom.NumBits(),
		BloomNumHashes: r.bloom.NumHashes(),
		TruePositives:  r.bloom.TruePositives(),
		FalsePositives: r.bloom.FalsePositives(),
	}
}

// FromManifest restores a run from a deserialized manifest entry,
// re-linking the tree back-reference.
func FromManifest(m Manifest, tree coretypes.TreeHandle) *Run {
	packed := make([]byte, (m.BloomNumBits+7)/8)
	for i, bit := range m.BloomBits {
		if bit != 0 {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	bloom := filter.FromBits(packed, m.BloomNumBits, m.BloomNumHashes, m.TruePositives, m.FalsePositives)
	return &Run{
		maxRecords:    m.MaxRecords,
		filePath:      m.FilePath,
		size:          m.Size,
		page:          m.Page,
		errRate:       m.ErrRate,
		fencePointers: m.FencePointers,
		maxKey:        m.MaxKey,
		firstKey:      m.FirstKey,
		lastKey:       m.LastKey,
		bloom:         bloom,
		tree:          tree,
	}
}
