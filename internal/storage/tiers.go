// Package storage holds the static disk-tier table used for I/O-penalty
// reporting. It is deliberately not a real storage backend: the tree
// always reads and writes through the OS file system, and a tier's
// penalty multiplier is only ever used to weight a measured duration for
// the stats report.
package storage

// Tier names a storage medium and its I/O penalty multiplier relative to
// an SSD.
type Tier struct {
	Name      string
	Penalty   int
}

// Tiers is the fixed 5-entry table from the spec: level L uses
// Tiers[min(L,5)-1].
var Tiers = []Tier{
	{Name: "SSD", Penalty: 1},
	{Name: "HDD1", Penalty: 5},
	{Name: "HDD2", Penalty: 15},
	{Name: "HDD3", Penalty: 45},
	{Name: "HDD4", Penalty: 135},
}

// ForLevel returns the tier assigned to the given 1-based level number,
// clamped at the last tier.
func ForLevel(levelNum int) Tier {
	idx := levelNum
	if idx < 1 {
		idx = 1
	}
	if idx > len(Tiers) {
		idx = len(Tiers)
	}
	return Tiers[idx-1]
}
