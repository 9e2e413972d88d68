package level

import (
	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/run"
)

// Manifest is the JSON-friendly snapshot of a level's state.
type Manifest struct {
	LevelNum    int            `json:"level_num"`
	Policy      string         `json:"policy"`
	BufferCap   int            `json:"buffer_cap"`
	Fanout      int            `json:"fanout"`
	MaxRecords  int            `json:"max_records"`
	RecordCount int            `json:"record_count"`
	DiskName    string         `json:"disk_name"`
	Runs        []run.Manifest `json:"runs"`
}

// ToManifest captures the level's current state, newest run first.
func (l *Level) ToManifest() Manifest {
	runs := make([]run.Manifest, len(l.runs))
	for i, r := range l.runs {
		runs[i] = r.ToManifest()
	}
	return Manifest{
		LevelNum:    l.levelNum,
		Policy:      l.policy.String(),
		BufferCap:   l.bufferCap,
		Fanout:      l.fanout,
		MaxRecords:  l.maxRecords,
		RecordCount: l.recordCount,
		DiskName:    l.tier.Name,
		Runs:        runs,
	}
}

// FromManifest restores a level, re-linking every run's tree handle.
func FromManifest(m Manifest, tree coretypes.TreeHandle) *Level {
	policy, _ := coretypes.ParsePolicy(m.Policy)
	l := New(m.LevelNum, policy, m.BufferCap, m.Fanout)
	l.maxRecords = m.MaxRecords
	l.recordCount = m.RecordCount
	l.runs = make([]*run.Run, len(m.Runs))
	for i, rm := range m.Runs {
		r := run.FromManifest(rm, tree)
		r.SetLevelNum(m.LevelNum)
		l.runs[i] = r
	}
	return l
}
