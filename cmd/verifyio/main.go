package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/verifyio/internal/commtable"
	"github.com/standardbeagle/verifyio/internal/conflicts"
	"github.com/standardbeagle/verifyio/internal/config"
	"github.com/standardbeagle/verifyio/internal/debug"
	"github.com/standardbeagle/verifyio/internal/hbgraph"
	"github.com/standardbeagle/verifyio/internal/intervals"
	"github.com/standardbeagle/verifyio/internal/mpimatch"
	"github.com/standardbeagle/verifyio/internal/semantics"
	"github.com/standardbeagle/verifyio/internal/trace"
	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/version"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

func main() {
	app := &cli.App{
		Name:                   "verifyio",
		Usage:                  "verify happens-before synchronization of parallel file I/O traces",
		Version:                version.Version,
		UseShortOptionHandling: true,
		ArgsUsage:              "<trace-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "conflicts",
				Usage: "conflict pair list to verify (required to produce verdicts)",
			},
			&cli.StringFlag{
				Name:  "semantics",
				Usage: "consistency semantics: posix|mpi-io|session|commit",
				Value: "mpi-io",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "KDL config file (default <trace-dir>/.verifyio.kdl if present)",
			},
			&cli.BoolFlag{
				Name:  "sync-only-collectives",
				Usage: "force the sync-only classification set regardless of semantics",
			},
			&cli.BoolFlag{
				Name:  "no-remote-segments",
				Usage: "disable opening a new segment for other ranks on close/fsync",
			},
			&cli.BoolFlag{
				Name:  "drop-same-rank-pairs",
				Usage: "drop same-rank peers from loaded conflict pairs",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging to stderr",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("missing trace directory argument", 2)
	}
	dir := c.Args().Get(0)

	if c.Bool("verbose") {
		os.Setenv("VERIFYIO_DEBUG", "1")
		debug.SetOutput(os.Stderr)
	}

	cfg, err := loadConfig(c, dir)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	applyFlagOverrides(c, cfg)

	semName := c.String("semantics")
	if !c.IsSet("semantics") {
		semName = cfg.Semantics
	}
	sem, err := semantics.Parse(semName)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if sem == semantics.MPIIO {
		cfg.SyncOnlyCollectives = true
	}

	warnings := vioerrors.NewWarningCollector()

	tr, err := trace.DecodeTraceDir(context.Background(), dir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("decode: %v", err), 2)
	}

	comm := commtable.Build(tr)
	_ = intervals.Build(tr, cfg, warnings)

	matcher := mpimatch.New(cfg, comm, warnings, tr.Global.Funcs)
	edges := matcher.Match(tr)

	rankNodes := buildRankNodes(tr)
	g := hbgraph.Build(tr.Global.TotalRanks, rankNodes, edges)
	if !g.Acyclic() {
		return cli.Exit("internal error: constructed graph is not acyclic", 2)
	}

	conflictsPath := c.String("conflicts")
	if conflictsPath == "" {
		fmt.Printf("decoded %d ranks, %d synchronization edges\n", tr.Global.TotalRanks, len(edges))
		printWarnings(warnings)
		return nil
	}

	_, pairs, err := conflicts.Load(conflictsPath, cfg.DropSameRankPairs, warnings)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load conflicts: %v", err), 2)
	}

	allOrdered := true
	for _, p := range pairs {
		result, err := semantics.CheckPair(g, sem, g.NodeIndex, semantics.Pair{N1: p.N1, N2: p.N2})
		if err != nil {
			warnings.Add(vioerrors.KindBadConflictLine, &vioerrors.BadConflictLineError{Underlying: err})
			continue
		}
		for _, v := range result.Verdicts {
			printVerdict(v)
			if !v.Ordered {
				allOrdered = false
			}
		}
	}

	printWarnings(warnings)

	if allOrdered {
		fmt.Printf("properly synchronized under %s\n", sem)
		return nil
	}
	return cli.Exit(fmt.Sprintf("not properly synchronized under %s", sem), 1)
}

func loadConfig(c *cli.Context, dir string) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		path = filepath.Join(dir, ".verifyio.kdl")
	}
	return config.Load(path)
}

func applyFlagOverrides(c *cli.Context, cfg *config.Config) {
	if c.Bool("sync-only-collectives") {
		cfg.SyncOnlyCollectives = true
	}
	if c.Bool("no-remote-segments") {
		cfg.RemoteSegmentsOnClose = false
	}
	if c.Bool("drop-same-rank-pairs") {
		cfg.DropSameRankPairs = true
	}
}

func printVerdict(v semantics.Verdict) {
	status := "unordered"
	if v.Ordered {
		status = "ordered"
	}
	if v.Witness != nil && len(v.Witness.Path) > 0 {
		fmt.Printf("%s -> %s: %s (%s) [%s]\n", v.N1, v.N2, status, v.Witness.Note, rankTransitionPath(v.Witness.Path))
		return
	}
	fmt.Printf("%s -> %s: %s\n", v.N1, v.N2, status)
}

// rankTransitionPath collapses a shortest-path witness down to the nodes
// where the path crosses from one rank to another (plus its endpoints),
// so a witness spanning dozens of same-rank nodes prints as the handful
// of cross-rank hops that actually explain the ordering.
func rankTransitionPath(path []types.NodeKey) string {
	if len(path) == 0 {
		return ""
	}
	kept := []types.NodeKey{path[0]}
	for _, k := range path[1:] {
		if k.Rank != kept[len(kept)-1].Rank {
			kept = append(kept, k)
		}
	}
	if last := path[len(path)-1]; kept[len(kept)-1] != last {
		kept = append(kept, last)
	}

	parts := make([]string, len(kept))
	for i, k := range kept {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}

func printWarnings(w *vioerrors.WarningCollector) {
	lines := w.Summary()
	if len(lines) == 0 {
		return
	}
	fmt.Println("warnings:")
	for _, l := range lines {
		fmt.Printf("  %s\n", l)
	}
}

// buildRankNodes converts every decoded record into a graph node, in
// program order, per rank: every retained operation becomes a node.
func buildRankNodes(tr *trace.Trace) map[types.Rank][]types.Node {
	out := make(map[types.Rank][]types.Node, len(tr.Records))
	for rank, records := range tr.Records {
		nodes := make([]types.Node, 0, len(records))
		for seq, rec := range records {
			name, ok := tr.FuncName(rec.FuncID)
			if !ok {
				continue
			}
			nodes = append(nodes, types.Node{
				NodeKey: types.NodeKey{Rank: types.Rank(rank), Seq: types.SeqIndex(seq), Func: name},
			})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
		out[types.Rank(rank)] = nodes
	}
	return out
}
