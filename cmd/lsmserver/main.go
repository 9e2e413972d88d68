// Command lsmserver listens for the command/response protocol over TCP
// and a separate operator control channel on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	lsmtree "github.com/iankelk/lsm-tree"
	"github.com/iankelk/lsm-tree/internal/coretypes"
	"github.com/iankelk/lsm-tree/internal/logging"
)

const endOfMessage = "\x00"

func main() {
	cmd := &cli.Command{
		Name:  "lsmserver",
		Usage: "serve an LSM tree over the command/response protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: ".", Usage: "directory holding run files and the manifest"},
			&cli.StringFlag{Name: "listen", Value: ":7070", Usage: "TCP listen address"},
			&cli.IntFlag{Name: "buffer-pages", Value: 1, Usage: "memtable capacity in pages"},
			&cli.IntFlag{Name: "fanout", Value: 2, Usage: "level capacity ratio T (>=2)"},
			&cli.StringFlag{Name: "policy", Value: "LEVELED", Usage: "TIERED|LEVELED|LAZY_LEVELED|PARTIAL"},
			&cli.Float64Flag{Name: "bloom-fpr", Value: 1e-5, Usage: "target Bloom filter false-positive rate"},
			&cli.IntFlag{Name: "executor-width", Value: 4, Usage: "max concurrent tasks"},
			&cli.Float64Flag{Name: "compaction-pct", Value: 0.5, Usage: "PARTIAL policy window-size fraction"},
			&cli.BoolFlag{Name: "throughput-reporting", Value: false, Usage: "log periodic commands/sec"},
			&cli.IntFlag{Name: "throughput-frequency", Value: 1000, Usage: "commands between throughput reports"},
			&cli.IntFlag{Name: "verbose-benchmark-frequency", Value: 1000, Usage: "commands between benchmark progress lines"},
			&cli.BoolFlag{Name: "quiet", Value: false, Usage: "discard all tree diagnostic logging"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	var logger lsmtree.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	if c.Bool("quiet") {
		logger = logging.Discard
	}

	policy, ok := coretypes.ParsePolicy(strings.ToUpper(c.String("policy")))
	if !ok {
		return fmt.Errorf("lsmserver: invalid policy %q", c.String("policy"))
	}

	cfg := lsmtree.Config{
		DataDir:                   c.String("data-dir"),
		BufferPages:               int(c.Int("buffer-pages")),
		Fanout:                    int(c.Int("fanout")),
		LevelPolicy:               policy,
		BloomErrorRate:            c.Float64("bloom-fpr"),
		ExecutorWidth:             int(c.Int("executor-width")),
		CompactionPercentage:      c.Float64("compaction-pct"),
		ThroughputReporting:       c.Bool("throughput-reporting"),
		ThroughputFrequency:       int(c.Int("throughput-frequency")),
		VerboseBenchmarkFrequency: int(c.Int("verbose-benchmark-frequency")),
		Logger:                    logger,
	}

	tree, err := lsmtree.New(cfg)
	if err != nil {
		return fmt.Errorf("lsmserver: %w", err)
	}

	listener, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return fmt.Errorf("lsmserver: listen %s: %w", c.String("listen"), err)
	}
	logger.Infof("%slistening on %s", logging.NSServer, c.String("listen"))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := make(chan struct{})
	go runOperatorConsole(tree, logger, shutdown)

	go func() {
		<-sigCtx.Done()
		logger.Infof("%ssignal received, checkpointing", logging.NSServer)
		listener.Close()
	}()

	go func() {
		<-shutdown
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		go handleClient(conn, tree, logger, shutdown)
	}

	if err := tree.Close(); err != nil {
		return fmt.Errorf("lsmserver: checkpoint on shutdown: %w", err)
	}
	return nil
}

func handleClient(conn net.Conn, tree *lsmtree.Tree, logger lsmtree.Logger, shutdown chan<- struct{}) {
	defer conn.Close()
	logger.Infof("%sclient connected: %s", logging.NSServer, conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response := dispatch(tree, line)
		if _, err := fmt.Fprint(conn, response, endOfMessage); err != nil {
			logger.Warnf("%swrite to %s: %v", logging.NSServer, conn.RemoteAddr(), err)
			return
		}
		if line == "q" {
			closeOnce(shutdown)
			return
		}
	}
	logger.Infof("%sclient disconnected: %s", logging.NSServer, conn.RemoteAddr())
}

// closeOnce closes shutdown, tolerating a channel already closed by a
// concurrent caller (another client's "q" or the operator console's
// "quit"/"qs").
func closeOnce(shutdown chan<- struct{}) {
	defer func() { recover() }()
	close(shutdown)
}

// dispatch parses one protocol line and returns the response string,
// implementing the p/g/r/d/l/b/s/i/q command table. The TCP "q" command
// checkpoints and shuts down the whole server, matching the protocol
// table; it is not a per-connection close.
func dispatch(tree *lsmtree.Tree, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return help()
	}
	switch fields[0] {
	case "p":
		if len(fields) != 3 {
			return help()
		}
		k, kerr := strconv.ParseInt(fields[1], 10, 64)
		v, verr := strconv.ParseInt(fields[2], 10, 64)
		if kerr != nil || verr != nil || !lsmtree.ValidKey(k) {
			return help()
		}
		if !lsmtree.ValidValue(v) {
			return fmt.Sprintf("ERROR: value %d out of range", v)
		}
		if err := tree.Put(int32(k), int32(v)); err != nil {
			return "ERROR: " + err.Error()
		}
		return "<OK>"
	case "g":
		if len(fields) != 2 {
			return help()
		}
		k, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || !lsmtree.ValidKey(k) {
			return help()
		}
		v, ok, err := tree.Get(int32(k))
		if err != nil {
			return "ERROR: " + err.Error()
		}
		if !ok {
			return "<NO_VALUE>"
		}
		return strconv.FormatInt(int64(v), 10)
	case "r":
		if len(fields) != 3 {
			return help()
		}
		lo, loerr := strconv.ParseInt(fields[1], 10, 64)
		hi, hierr := strconv.ParseInt(fields[2], 10, 64)
		if loerr != nil || hierr != nil || !lsmtree.ValidKey(lo) || !lsmtree.ValidKey(hi) {
			return help()
		}
		recs, err := tree.Range(context.Background(), int32(lo), int32(hi))
		if err != nil {
			return "ERROR: " + err.Error()
		}
		if len(recs) == 0 {
			return "<NO_VALUE>"
		}
		var sb strings.Builder
		for i, r := range recs {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d:%d", r.Key, r.Value)
		}
		return sb.String()
	case "d":
		if len(fields) != 2 {
			return help()
		}
		k, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || !lsmtree.ValidKey(k) {
			return help()
		}
		if err := tree.Del(int32(k)); err != nil {
			return "ERROR: " + err.Error()
		}
		return "<OK>"
	case "l":
		if len(fields) != 2 {
			return help()
		}
		path := strings.Trim(fields[1], "\"")
		if err := tree.Load(path); err != nil {
			return "ERROR: " + err.Error()
		}
		return "<OK>"
	case "b":
		if len(fields) != 2 {
			return help()
		}
		path := strings.Trim(fields[1], "\"")
		if _, err := tree.Benchmark(path, false, 0); err != nil {
			return "ERROR: " + err.Error()
		}
		return "<OK>"
	case "s":
		n := 0
		if len(fields) == 2 {
			parsed, err := strconv.Atoi(fields[1])
			if err != nil || parsed <= 0 {
				return "For printing stats, the number of key-value pairs to print must be positive."
			}
			n = parsed
		}
		return tree.Stats(n)
	case "i":
		return tree.Info()
	case "q":
		if err := tree.Checkpoint(); err != nil {
			return "ERROR: " + err.Error()
		}
		return "<OK>"
	default:
		return help()
	}
}

func help() string {
	return "usage: p K V | g K | r L H | d K | l \"path\" | b \"path\" | s [N] | i | q"
}

// runOperatorConsole reads bloom/monkey/misses/io/quit/qs/help lines from
// stdin, distinct from the TCP client protocol.
func runOperatorConsole(tree *lsmtree.Tree, logger lsmtree.Logger, shutdown chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "bloom":
			fmt.Println(tree.BloomFilterSummary())
		case "monkey":
			logger.Infof("%sMONKEY Bloom filter optimization starting", logging.NSServer)
			if err := tree.AutotuneFilters(1 << 20); err != nil {
				logger.Errorf("%smonkey: %v", logging.NSServer, err)
			} else {
				logger.Infof("%sMONKEY Bloom filter optimization complete", logging.NSServer)
			}
		case "misses":
			fmt.Println(tree.MissesReport())
		case "io":
			fmt.Println(tree.LevelIOReport())
		case "quit":
			closeOnce(shutdown)
			return
		case "qs":
			if err := tree.Checkpoint(); err != nil {
				logger.Errorf("%sqs: %v", logging.NSServer, err)
			}
			closeOnce(shutdown)
			return
		case "help":
			fmt.Println("bloom: print Bloom filter summary")
			fmt.Println("monkey: optimize Bloom filters using MONKEY")
			fmt.Println("misses: print hits and misses stats")
			fmt.Println("io: print level IO count")
			fmt.Println("quit: quit server")
			fmt.Println("qs: save server to disk and quit")
			fmt.Println("help: print this help message")
		default:
			fmt.Println("invalid command, use \"help\" for the list of available commands")
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warnf("%soperator console: %v", logging.NSServer, err)
	}
}
