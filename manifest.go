package lsmtree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/level"
	"github.com/iankelk/lsm-tree/internal/logging"
	"github.com/iankelk/lsm-tree/internal/memtable"
)

const manifestFileName = "lsm-tree.json"

func (t *Tree) manifestPath() string {
	return filepath.Join(t.dataDir, manifestFileName)
}

// manifestDoc is the JSON document persisted on checkpoint/shutdown.
type manifestDoc struct {
	BloomErrorRate       float64         `json:"bloom_error_rate"`
	Fanout               int             `json:"fanout"`
	Policy               string          `json:"policy"`
	CompactionPercentage float64         `json:"compaction_percentage"`
	CommandCount         int64           `json:"command_count"`
	GetHits              int64           `json:"get_hits"`
	GetMisses            int64           `json:"get_misses"`
	IOCounts             map[int]int64   `json:"io_counts"`
	IOMicros             map[int]int64   `json:"io_micros"`
	BufferCapacity       int             `json:"buffer_capacity"`
	BufferRecords        []recordDoc     `json:"buffer_records"`
	Levels               []level.Manifest `json:"levels"`
}

type recordDoc struct {
	Key   coretypes.Key   `json:"key"`
	Value coretypes.Value `json:"value"`
}

// saveManifest serializes the whole tree to <data_dir>/lsm-tree.json.
func (t *Tree) saveManifest() error {
	t.bufferMu.RLock()
	snap := t.buffer.Snapshot()
	bufCap := t.buffer.Capacity()
	t.bufferMu.RUnlock()

	bufRecords := make([]recordDoc, len(snap))
	for i, r := range snap {
		bufRecords[i] = recordDoc{Key: r.Key, Value: r.Value}
	}

	t.levelsMu.RLock()
	levels := make([]level.Manifest, len(t.levels))
	for i, l := range t.levels {
		l.RLock()
		levels[i] = l.ToManifest()
		l.RUnlock()
	}
	t.levelsMu.RUnlock()

	t.ioMu.Lock()
	ioCounts := make(map[int]int64, len(t.ioCounts))
	ioMicros := make(map[int]int64, len(t.ioMicros))
	for k, v := range t.ioCounts {
		ioCounts[k] = v
	}
	for k, v := range t.ioMicros {
		ioMicros[k] = v
	}
	t.ioMu.Unlock()

	doc := manifestDoc{
		BloomErrorRate:       t.cfg.BloomErrorRate,
		Fanout:               t.cfg.Fanout,
		Policy:               t.cfg.LevelPolicy.String(),
		CompactionPercentage: t.cfg.CompactionPercentage,
		CommandCount:         t.cmdCount.Load(),
		GetHits:              t.getHits.Load(),
		GetMisses:            t.getMisses.Load(),
		IOCounts:             ioCounts,
		IOMicros:             ioMicros,
		BufferCapacity:       bufCap,
		BufferRecords:        bufRecords,
		Levels:               levels,
	}

	if err := os.MkdirAll(t.dataDir, 0o755); err != nil {
		return fmt.Errorf("manifest: mkdir %s: %w", t.dataDir, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	tmp := t.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, t.manifestPath()); err != nil {
		return fmt.Errorf("manifest: rename %s: %w", tmp, err)
	}
	t.logger.Infof("%scheckpoint written to %s", logging.NSManifest, t.manifestPath())
	return nil
}

// loadManifest restores the tree from the manifest file if present.
// Returns ErrManifestNotFound (non-fatal) if it does not exist.
func (t *Tree) loadManifest() error {
	data, err := os.ReadFile(t.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrManifestNotFound
		}
		return fmt.Errorf("manifest: read %s: %w", t.manifestPath(), err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("manifest: unmarshal %s: %w", t.manifestPath(), err)
	}

	policy, ok := coretypes.ParsePolicy(doc.Policy)
	if !ok {
		policy = t.cfg.LevelPolicy
	}
	t.cfg.BloomErrorRate = doc.BloomErrorRate
	t.cfg.Fanout = doc.Fanout
	t.cfg.LevelPolicy = policy
	t.cfg.CompactionPercentage = doc.CompactionPercentage

	t.cmdCount.Store(doc.CommandCount)
	t.getHits.Store(doc.GetHits)
	t.getMisses.Store(doc.GetMisses)
	t.ioCounts = doc.IOCounts
	t.ioMicros = doc.IOMicros
	if t.ioCounts == nil {
		t.ioCounts = make(map[int]int64)
	}
	if t.ioMicros == nil {
		t.ioMicros = make(map[int]int64)
	}

	t.buffer = memtable.New(doc.BufferCapacity)
	bufRecords := make([]coretypes.Record, len(doc.BufferRecords))
	for i, r := range doc.BufferRecords {
		bufRecords[i] = coretypes.Record{Key: r.Key, Value: r.Value}
	}
	t.buffer.LoadSnapshot(bufRecords)

	t.levels = make([]*level.Level, len(doc.Levels))
	for i, lm := range doc.Levels {
		t.levels[i] = level.FromManifest(lm, t)
	}
	t.logger.Infof("%srestored tree from %s (%d levels)", logging.NSManifest, t.manifestPath(), len(t.levels))
	return nil
}
