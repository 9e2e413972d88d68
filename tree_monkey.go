package lsmtree

import (
	"github.com/iankelk/lsm-tree/internal/filter"
	"github.com/iankelk/lsm-tree/internal/run"
)

// AutotuneFilters implements MONKEY: given a total bit budget M, it
// reallocates bits across every run's Bloom filter to minimize the
// global expected false-positive cost, then resizes and repopulates each
// filter from its run file.
//
// It holds the levels-vector write lock and every level's write lock for
// its whole duration, so gets, ranges and flushes that reach the levels
// wait for it. Operations served entirely by the buffer are not blocked,
// and the "monkey" operator command takes no further lock.
func (t *Tree) AutotuneFilters(M uint64) error {
	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()
	for _, l := range t.levels {
		l.Lock()
	}
	defer func() {
		for _, l := range t.levels {
			l.Unlock()
		}
	}()

	var runs []*run.Run
	for _, l := range t.levels {
		runs = append(runs, l.Runs()...)
	}
	if len(runs) == 0 {
		return nil
	}

	bits := make([]uint64, len(runs))
	entries := make([]uint64, len(runs))
	for i, r := range runs {
		entries[i] = uint64(r.Size())
	}
	bits[0] = M

	cost := func() float64 {
		r := float64(len(runs) - 1)
		for i := range runs {
			r += filter.TheoreticalFPR(bits[i], orOne(entries[i]))
		}
		return r
	}

	delta := M
	for delta >= 1 {
		improved := false
		before := cost()
		for i := range runs {
			for j := range runs {
				if i == j {
					continue
				}
				if bits[j] <= delta {
					continue
				}
				bits[j] -= delta
				bits[i] += delta
				after := cost()
				if after < before {
					before = after
					improved = true
				} else {
					bits[j] += delta
					bits[i] -= delta
				}
			}
		}
		if !improved {
			delta /= 2
		}
	}

	for i, r := range runs {
		r.Bloom().Resize(bits[i], orOne(entries[i]))
		recs, err := r.Scan()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			r.Bloom().AddKey(rec.Key)
		}
	}
	return nil
}

func orOne(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}
