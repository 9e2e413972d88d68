package lsmtree

import (
	"strings"
	"testing"
)

func TestInfoReportsConfiguredPolicy(t *testing.T) {
	tree := newTestTree(t, Tiered, 1, 2)
	info := tree.Info()
	if !strings.Contains(info, "TIERED") {
		t.Fatalf("Info() = %q, want it to mention TIERED", info)
	}
}

func TestStatsIncludesEachLevel(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	for i := int32(0); i < 4; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tree.Put(4, 4); err != nil { // forces a flush into level 1
		t.Fatalf("Put(4): %v", err)
	}
	stats := tree.Stats(0)
	if !strings.Contains(stats, "LVL1") {
		t.Fatalf("Stats() = %q, want it to mention LVL1", stats)
	}
}

func TestBloomFilterSummaryHasOneRowPerRun(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	for i := int32(0); i < 8; i++ {
		if err := tree.Put(i, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	summary := tree.BloomFilterSummary()
	if !strings.Contains(summary, "bits") {
		t.Fatalf("BloomFilterSummary() = %q, want a header row", summary)
	}
	runs := 0
	for _, l := range tree.levels {
		runs += l.NumRuns()
	}
	if rows := strings.Count(summary, "\n") - 1; rows != runs {
		t.Fatalf("BloomFilterSummary() has %d run rows, want %d: %q", rows, runs, summary)
	}
}

func TestMissesReportIncludesCounters(t *testing.T) {
	tree := newTestTree(t, Leveled, 1, 2)
	if _, _, err := tree.Get(1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	report := tree.MissesReport()
	if !strings.Contains(report, "get_misses=1") {
		t.Fatalf("MissesReport() = %q, want get_misses=1", report)
	}
}
