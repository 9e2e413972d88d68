// Package filter implements the per-run Bloom filter.
//
// Unlike a fixed-size filter, this one supports resize-and-repopulate: the
// MONKEY autotuner reallocates the global bit budget across runs at
// runtime, so a filter must be able to grow or shrink its bit array and
// have its owner re-add every key afterward.
//
// Hashing follows the two-hash decomposition recommended for this engine:
// h_i(x) = h_a(x) + i*h_b(x), deriving an arbitrary number of probe
// positions from two independent 64-bit hashes computed with xxh3. This
// avoids the correlated bits produced by rotating a single hash.
package filter

import (
	"math"

	"github.com/zeebo/xxh3"
)

// Filter is a resizable Bloom filter over 32-bit keys.
type Filter struct {
	bits     []byte
	nBits    uint64
	nHashes  int
	truePos  int64
	falsePos int64
}

// New allocates a filter with nBits bits, deriving a hash count from the
// expected number of entries that will be added.
func New(nBits uint64, expectedEntries uint64) *Filter {
	f := &Filter{}
	f.alloc(nBits, expectedEntries)
	return f
}

// Empty returns a zero-bit filter; Contains always reports absent until
// Resize is called.
func Empty() *Filter {
	return &Filter{}
}

func (f *Filter) alloc(nBits uint64, expectedEntries uint64) {
	if nBits == 0 {
		f.bits = nil
		f.nBits = 0
		f.nHashes = 0
		return
	}
	f.nBits = nBits
	f.bits = make([]byte, (nBits+7)/8)
	f.nHashes = optimalHashes(nBits, expectedEntries)
}

// Resize reallocates the bit array to newBits, sized for expectedEntries
// keys. The caller is responsible for re-adding every key in the run
// afterward; Resize itself discards the previous bit state.
func (f *Filter) Resize(newBits uint64, expectedEntries uint64) {
	f.alloc(newBits, expectedEntries)
}

// AddKey sets the nHashes probe bits derived from k.
func (f *Filter) AddKey(k int32) {
	if f.nBits == 0 {
		return
	}
	ha, hb := keyHashes(k)
	for i := 0; i < f.nHashes; i++ {
		pos := probe(ha, hb, i, f.nBits)
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether k may be present. A false return is a
// guarantee of absence; a true return may be a false positive.
func (f *Filter) Contains(k int32) bool {
	if f.nBits == 0 || f.nHashes == 0 {
		return false
	}
	ha, hb := keyHashes(k)
	for i := 0; i < f.nHashes; i++ {
		pos := probe(ha, hb, i, f.nBits)
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// NumBits returns the current bit-array size.
func (f *Filter) NumBits() uint64 { return f.nBits }

// NumHashes returns the current number of derived hash probes.
func (f *Filter) NumHashes() int { return f.nHashes }

// TheoreticalFPR is the MONKEY cost function's per-run term:
// exp(-bits/entries * ln(2)^2).
func TheoreticalFPR(nBits uint64, entries uint64) float64 {
	if entries == 0 {
		return 0
	}
	const ln2 = 0.6931471805599453
	return math.Exp(-(float64(nBits) / float64(entries) * ln2 * ln2))
}

// BitsForErrorRate returns the number of bits needed to hold entries items
// at the target false-positive rate, per the standard Bloom filter sizing
// formula: bits = ceil(-(entries*ln(errRate)) / ln(2)^2).
func BitsForErrorRate(entries uint64, errRate float64) uint64 {
	if entries == 0 {
		return 0
	}
	if errRate <= 0 {
		errRate = 1e-9
	}
	if errRate >= 1 {
		errRate = 0.999999999
	}
	const ln2 = 0.6931471805599453
	bits := math.Ceil(-(float64(entries) * math.Log(errRate)) / (ln2 * ln2))
	if bits < 1 {
		bits = 1
	}
	return uint64(bits)
}

// RecordHit/RecordMiss track per-run true/false positive counts (§4.2 of
// the run's get/range path).
func (f *Filter) RecordHit()  { f.truePos++ }
func (f *Filter) RecordMiss() { f.falsePos++ }

// TruePositives and FalsePositives return the counters recorded so far.
func (f *Filter) TruePositives() int64  { return f.truePos }
func (f *Filter) FalsePositives() int64 { return f.falsePos }

// SetCounters restores counters from a deserialized manifest.
func (f *Filter) SetCounters(tp, fp int64) {
	f.truePos, f.falsePos = tp, fp
}

// Bits returns a defensive copy of the underlying bit array, used only by
// the manifest writer.
func (f *Filter) Bits() []byte {
	out := make([]byte, len(f.bits))
	copy(out, f.bits)
	return out
}

// FromBits restores a filter from serialized state.
func FromBits(bits []byte, nBits uint64, nHashes int, tp, fp int64) *Filter {
	return &Filter{bits: bits, nBits: nBits, nHashes: nHashes, truePos: tp, falsePos: fp}
}

func optimalHashes(nBits uint64, expectedEntries uint64) int {
	if expectedEntries == 0 {
		return 1
	}
	const ln2 = 0.6931471805599453
	k := int(float64(nBits)/float64(expectedEntries)*ln2 + 0.5)
	if k < 1 {
		k = 1
	}
	return k
}

func keyHashes(k int32) (uint64, uint64) {
	var buf [4]byte
	buf[0] = byte(k)
	buf[1] = byte(k >> 8)
	buf[2] = byte(k >> 16)
	buf[3] = byte(k >> 24)
	ha := xxh3.Hash(buf[:])
	hb := xxh3.HashSeed(buf[:], 0x9e3779b97f4a7c15)
	if hb == 0 {
		hb = 1
	}
	return ha, hb
}

func probe(ha, hb uint64, i int, nBits uint64) uint64 {
	return (ha + uint64(i)*hb) % nBits
}
