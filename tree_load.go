package lsmtree

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/logging"
)

// Load bulk-loads a binary file of packed (key,value) records — the same
// run file format described for on-disk runs — by replaying each pair
// through Put.
func (t *Tree) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("lsmtree: load %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var buf [8]byte
	count := 0
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("lsmtree: load %s: %w", path, err)
		}
		key := int32(binary.LittleEndian.Uint32(buf[0:4]))
		val := int32(binary.LittleEndian.Uint32(buf[4:8]))
		if err := t.Put(key, val); err != nil {
			return fmt.Errorf("lsmtree: load %s: record %d: %w", path, count, err)
		}
		count++
	}
	t.logger.Infof("%sload: %s: %d records", logging.NSTree, path, count)
	return nil
}

// BenchmarkReport summarizes a replayed text workload.
type BenchmarkReport struct {
	Commands int
	Elapsed  time.Duration
	IOCount  int64
}

// Benchmark replays a text workload file (one command per line: "p K V",
// "d K", "g K", "r L H") through the tree, measuring elapsed time and the
// I/O count accrued along the way. When verbose, a progress line is
// logged every verboseFrequency commands.
func (t *Tree) Benchmark(path string, verbose bool, verboseFrequency int) (BenchmarkReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: %w", path, err)
	}
	defer f.Close()

	if verboseFrequency <= 0 {
		verboseFrequency = t.cfg.VerboseBenchmarkFrequency
	}

	startIO := t.totalIOCount()
	start := time.Now()
	scanner := bufio.NewScanner(f)
	ctx := context.Background()
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "p":
			if len(fields) != 3 {
				return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: malformed put at line %d", path, count+1)
			}
			k, v, err := parseKV(fields[1], fields[2])
			if err != nil {
				return BenchmarkReport{}, err
			}
			if err := t.Put(k, v); err != nil {
				return BenchmarkReport{}, err
			}
		case "d":
			if len(fields) != 2 {
				return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: malformed del at line %d", path, count+1)
			}
			k, err := parseKey(fields[1])
			if err != nil {
				return BenchmarkReport{}, err
			}
			if err := t.Del(k); err != nil {
				return BenchmarkReport{}, err
			}
		case "g":
			if len(fields) != 2 {
				return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: malformed get at line %d", path, count+1)
			}
			k, err := parseKey(fields[1])
			if err != nil {
				return BenchmarkReport{}, err
			}
			if _, _, err := t.Get(k); err != nil {
				return BenchmarkReport{}, err
			}
		case "r":
			if len(fields) != 3 {
				return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: malformed range at line %d", path, count+1)
			}
			lo, hi, err := parseKV(fields[1], fields[2])
			if err != nil {
				return BenchmarkReport{}, err
			}
			if _, err := t.Range(ctx, lo, hi); err != nil {
				return BenchmarkReport{}, err
			}
		default:
			return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: invalid command code %q at line %d", path, fields[0], count+1)
		}
		count++
		if verbose && count%verboseFrequency == 0 {
			t.logger.Infof("%sbenchmark: %d commands executed, %s elapsed", logging.NSTree, count, time.Since(start))
		}
	}
	if err := scanner.Err(); err != nil {
		return BenchmarkReport{}, fmt.Errorf("lsmtree: benchmark %s: %w", path, err)
	}

	report := BenchmarkReport{
		Commands: count,
		Elapsed:  time.Since(start),
		IOCount:  t.totalIOCount() - startIO,
	}
	t.logger.Infof("%sbenchmark: %s took %s and %d I/O operations", logging.NSTree, path, report.Elapsed, report.IOCount)
	return report, nil
}

func (t *Tree) totalIOCount() int64 {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()
	var total int64
	for _, c := range t.ioCounts {
		total += c
	}
	return total
}

func parseKey(s string) (coretypes.Key, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lsmtree: invalid key %q: %w", s, err)
	}
	if !ValidKey(n) {
		return 0, ErrKeyOutOfRange
	}
	return coretypes.Key(n), nil
}

func parseKV(ks, vs string) (coretypes.Key, coretypes.Value, error) {
	k, err := parseKey(ks)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lsmtree: invalid value %q: %w", vs, err)
	}
	if !ValidValue(v) {
		return 0, 0, ErrValueOutOfRange
	}
	return k, coretypes.Value(v), nil
}
