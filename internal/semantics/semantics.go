// Package semantics implements the four consistency checks as queries
// over an hbgraph.Graph: POSIX, Session, MPI-IO, and Commit.
package semantics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/standardbeagle/verifyio/internal/hbgraph"
	"github.com/standardbeagle/verifyio/internal/types"
)

// Semantics selects one of the four consistency checks.
type Semantics int

const (
	POSIX Semantics = iota
	Session
	MPIIO
	Commit
)

func (s Semantics) String() string {
	switch s {
	case POSIX:
		return "POSIX"
	case Session:
		return "Session"
	case MPIIO:
		return "MPI-IO"
	case Commit:
		return "Commit"
	default:
		return "unknown"
	}
}

// Parse maps a CLI flag value (case-insensitive) to a Semantics.
func Parse(s string) (Semantics, error) {
	switch strings.ToLower(s) {
	case "posix":
		return POSIX, nil
	case "session":
		return Session, nil
	case "mpi-io", "mpiio":
		return MPIIO, nil
	case "commit":
		return Commit, nil
	default:
		return 0, fmt.Errorf("unknown semantics %q", s)
	}
}

var sessionCloseNames = map[string]bool{"close": true, "fclose": true}
var sessionOpenNames = map[string]bool{"open": true, "fopen": true}
var mpiioCloseNames = map[string]bool{"MPI_File_sync": true, "MPI_File_close": true}
var mpiioOpenNames = map[string]bool{"MPI_File_sync": true, "MPI_File_open": true}
var commitNames = map[string]bool{"fsync": true, "close": true}

// Witness records why a pair was found ordered: either a concrete path
// through the graph, or (for Commit) the rank whose commit point
// mediated the order.
type Witness struct {
	Path []types.NodeKey
	Rank types.Rank
	Note string
}

// Verdict is the per-pair result.
type Verdict struct {
	N1      types.NodeKey
	N2      types.NodeKey
	Ordered bool
	Witness *Witness
}

// Check evaluates n1 against n2 under sem, returning the verdict.
func Check(g *hbgraph.Graph, sem Semantics, n1, n2 int) Verdict {
	v := Verdict{N1: g.Node(n1).NodeKey, N2: g.Node(n2).NodeKey}
	switch sem {
	case POSIX:
		v.Ordered, v.Witness = checkPOSIX(g, n1, n2)
	case Session:
		v.Ordered, v.Witness = checkBracketed(g, n1, n2, sessionCloseNames, sessionOpenNames)
	case MPIIO:
		v.Ordered, v.Witness = checkBracketed(g, n1, n2, mpiioCloseNames, mpiioOpenNames)
	case Commit:
		v.Ordered, v.Witness = checkCommit(g, n1, n2)
	}
	return v
}

func checkPOSIX(g *hbgraph.Graph, n1, n2 int) (bool, *Witness) {
	if g.HasPath(n1, n2) {
		return true, &Witness{Path: g.ShortestPathKeys(n1, n2), Note: "n1 happens-before n2"}
	}
	if g.HasPath(n2, n1) {
		return true, &Witness{Path: g.ShortestPathKeys(n2, n1), Note: "n2 happens-before n1"}
	}
	return false, nil
}

// checkBracketed implements the shared shape of Session and MPI-IO:
// ordered iff n1's next program-order close-class node can reach n2's
// previous program-order open-class node.
func checkBracketed(g *hbgraph.Graph, n1, n2 int, closeNames, openNames map[string]bool) (bool, *Witness) {
	a, aok := g.NextPO(n1, closeNames)
	b, bok := g.PrevPO(n2, openNames)
	if aok && bok && g.HasPath(a, b) {
		return true, &Witness{Path: g.ShortestPathKeys(a, b), Note: "bracketed by " + g.Node(a).Func + " .. " + g.Node(b).Func}
	}

	// symmetric: n2 may be the writer being bracketed against n1.
	a2, aok2 := g.NextPO(n2, closeNames)
	b2, bok2 := g.PrevPO(n1, openNames)
	if aok2 && bok2 && g.HasPath(a2, b2) {
		return true, &Witness{Path: g.ShortestPathKeys(a2, b2), Note: "bracketed by " + g.Node(a2).Func + " .. " + g.Node(b2).Func}
	}
	return false, nil
}

func checkCommit(g *hbgraph.Graph, n1, n2 int) (bool, *Witness) {
	if ordered, w := checkCommitDirected(g, n1, n2); ordered {
		return true, w
	}
	return checkCommitDirected(g, n2, n1)
}

func checkCommitDirected(g *hbgraph.Graph, from, to int) (bool, *Witness) {
	for r := types.Rank(0); int(r) < g.RankCount(); r++ {
		c, ok := g.NextHB(from, commitNames, r)
		if !ok {
			continue
		}
		if g.HasPath(c, to) {
			return true, &Witness{Path: g.ShortestPathKeys(c, to), Rank: r, Note: "committed on rank"}
		}
	}
	return false, nil
}

// Pair is one (n1, ordered-list-of-n2) conflict tuple to verify.
type Pair struct {
	N1 types.NodeKey
	N2 []types.NodeKey
}

// PairResult is the outcome of checking one Pair: one Verdict per n2,
// in the same order as Pair.N2.
type PairResult struct {
	N1       types.NodeKey
	Verdicts []Verdict
}

// CheckPair evaluates every n2 in pair.N2 against pair.N1, applying a
// batch shortcut under POSIX: within a single rank's sorted n2 sublist,
// when n1 → first holds, n1 → all of that rank's n2 holds, and when
// last → n1 holds, all of that rank's n2 → n1 holds. The shortcut is scoped per rank — reachability into one
// rank's sequence says nothing about another rank's — so n2 entries are
// grouped by rank before it's applied. Verdicts come back in the same
// order as pair.N2.
func CheckPair(g *hbgraph.Graph, sem Semantics, nodeIdx func(types.NodeKey) (int, bool), pair Pair) (PairResult, error) {
	n1idx, ok := nodeIdx(pair.N1)
	if !ok {
		return PairResult{}, fmt.Errorf("n1 %s not found in graph", pair.N1)
	}
	n2idx := make([]int, len(pair.N2))
	for i, key := range pair.N2 {
		idx, ok := nodeIdx(key)
		if !ok {
			return PairResult{}, fmt.Errorf("n2 %s not found in graph", key)
		}
		n2idx[i] = idx
	}

	result := PairResult{N1: pair.N1, Verdicts: make([]Verdict, len(pair.N2))}
	known := make([]bool, len(pair.N2))

	if sem == POSIX {
		byRank := make(map[types.Rank][]int)
		for i, key := range pair.N2 {
			byRank[key.Rank] = append(byRank[key.Rank], i)
		}
		for _, positions := range byRank {
			sort.Slice(positions, func(a, b int) bool {
				return pair.N2[positions[a]].Seq < pair.N2[positions[b]].Seq
			})
			first, last := positions[0], positions[len(positions)-1]
			switch {
			case g.HasPath(n1idx, n2idx[first]):
				for _, pos := range positions {
					result.Verdicts[pos] = forwardVerdict(g, pair.N1, pair.N2[pos], n1idx)
					known[pos] = true
				}
			case g.HasPath(n2idx[last], n1idx):
				for _, pos := range positions {
					result.Verdicts[pos] = Verdict{N1: pair.N1, N2: pair.N2[pos], Ordered: true,
						Witness: &Witness{Path: g.ShortestPathKeys(n2idx[pos], n1idx), Note: "n2 happens-before n1"}}
					known[pos] = true
				}
			}
		}
	}

	for i, idx := range n2idx {
		if known[i] {
			continue
		}
		result.Verdicts[i] = Check(g, sem, n1idx, idx)
	}
	return result, nil
}

func forwardVerdict(g *hbgraph.Graph, n1, n2 types.NodeKey, n1idx int) Verdict {
	n2idx, _ := g.NodeIndex(n2)
	return Verdict{
		N1:      n1,
		N2:      n2,
		Ordered: true,
		Witness: &Witness{Path: g.ShortestPathKeys(n1idx, n2idx), Note: "n1 happens-before n2"},
	}
}

// AllOrdered reports whether every verdict in results is ordered.
func AllOrdered(results []PairResult) bool {
	for _, r := range results {
		for _, v := range r.Verdicts {
			if !v.Ordered {
				return false
			}
		}
	}
	return true
}
