package semantics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/verifyio/internal/hbgraph"
	"github.com/standardbeagle/verifyio/internal/types"
)

func node(rank types.Rank, seq int, fn string) types.Node {
	return types.Node{NodeKey: types.NodeKey{Rank: rank, Seq: types.SeqIndex(seq), Func: fn}}
}

// write/send/recv/read with no sync bracketing.
func TestScenario1_WriteSendRecvRead(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "open"), node(0, 1, "write"), node(0, 2, "MPI_Send")},
		1: {node(1, 0, "open"), node(1, 1, "MPI_Recv"), node(1, 2, "read")},
	}
	edges := []types.SyncEdge{
		{Kind: types.PointToPoint, Heads: []types.Node{node(0, 2, "MPI_Send")}, Tails: []types.Node{node(1, 1, "MPI_Recv")}},
	}
	g := hbgraph.Build(2, rankNodes, edges)

	write, _ := g.NodeIndex(node(0, 1, "write").NodeKey)
	read, _ := g.NodeIndex(node(1, 2, "read").NodeKey)

	posix := Check(g, POSIX, write, read)
	assert.True(t, posix.Ordered)

	mpiio := Check(g, MPIIO, write, read)
	assert.False(t, mpiio.Ordered)

	session := Check(g, Session, write, read)
	assert.False(t, session.Ordered)

	commit := Check(g, Commit, write, read)
	assert.False(t, commit.Ordered)
}

// Scenario 2: same as 1 but bracketed by MPI_File_sync on both sides.
func TestScenario2_MPIIOVerdictTrueWithFileSync(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "open"), node(0, 1, "write"), node(0, 2, "MPI_File_sync"), node(0, 3, "MPI_Send")},
		1: {node(1, 0, "open"), node(1, 1, "MPI_Recv"), node(1, 2, "MPI_File_sync"), node(1, 3, "read")},
	}
	edges := []types.SyncEdge{
		{Kind: types.PointToPoint, Heads: []types.Node{node(0, 3, "MPI_Send")}, Tails: []types.Node{node(1, 1, "MPI_Recv")}},
	}
	g := hbgraph.Build(2, rankNodes, edges)

	write, _ := g.NodeIndex(node(0, 1, "write").NodeKey)
	read, _ := g.NodeIndex(node(1, 3, "read").NodeKey)

	mpiio := Check(g, MPIIO, write, read)
	require.True(t, mpiio.Ordered)
	require.NotNil(t, mpiio.Witness)
}

// Scenario 3: barrier between write (rank 0) and read (rank 1).
func TestScenario3_POSIXTrueViaBarrierGhost(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "write"), node(0, 1, "MPI_Barrier")},
		1: {node(1, 0, "MPI_Barrier"), node(1, 1, "read")},
	}
	edges := []types.SyncEdge{
		{Kind: types.AllToAll, Heads: []types.Node{node(0, 1, "MPI_Barrier"), node(1, 0, "MPI_Barrier")}, Tails: []types.Node{node(0, 1, "MPI_Barrier"), node(1, 0, "MPI_Barrier")}},
	}
	g := hbgraph.Build(2, rankNodes, edges)

	write, _ := g.NodeIndex(node(0, 0, "write").NodeKey)
	read, _ := g.NodeIndex(node(1, 1, "read").NodeKey)

	posix := Check(g, POSIX, write, read)
	assert.True(t, posix.Ordered)
}

// Scenario 4: isend/wait on rank 0, irecv/waitall on rank 1; the synchronizing
// edge runs wait -> waitall, not isend -> irecv.
func TestScenario4_NonblockingPairingResolvesToCompletionNodes(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "MPI_Isend"), node(0, 1, "MPI_Wait")},
		1: {node(1, 0, "MPI_Irecv"), node(1, 1, "MPI_Waitall")},
	}
	edges := []types.SyncEdge{
		{Kind: types.PointToPoint, Heads: []types.Node{node(0, 1, "MPI_Wait")}, Tails: []types.Node{node(1, 1, "MPI_Waitall")}},
	}
	g := hbgraph.Build(2, rankNodes, edges)

	isend, _ := g.NodeIndex(node(0, 0, "MPI_Isend").NodeKey)
	irecv, _ := g.NodeIndex(node(1, 0, "MPI_Irecv").NodeKey)
	wait, _ := g.NodeIndex(node(0, 1, "MPI_Wait").NodeKey)
	waitall, _ := g.NodeIndex(node(1, 1, "MPI_Waitall").NodeKey)

	assert.False(t, g.HasPath(isend, irecv))
	assert.True(t, g.HasPath(wait, waitall))
}

func TestCheckPair_BatchShortcutMatchesPerPairResult(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "write"), node(0, 1, "MPI_Send")},
		1: {node(1, 0, "MPI_Recv"), node(1, 1, "read1"), node(1, 2, "read2")},
	}
	edges := []types.SyncEdge{
		{Kind: types.PointToPoint, Heads: []types.Node{node(0, 1, "MPI_Send")}, Tails: []types.Node{node(1, 0, "MPI_Recv")}},
	}
	g := hbgraph.Build(2, rankNodes, edges)

	pair := Pair{
		N1: node(0, 0, "write").NodeKey,
		N2: []types.NodeKey{node(1, 1, "read1").NodeKey, node(1, 2, "read2").NodeKey},
	}
	result, err := CheckPair(g, POSIX, g.NodeIndex, pair)
	require.NoError(t, err)
	require.Len(t, result.Verdicts, 2)
	assert.True(t, result.Verdicts[0].Ordered)
	assert.True(t, result.Verdicts[1].Ordered)
}

// A flat N2 spanning two ranks must not let one rank's reachability leak
// into the other: rank 1's read is ordered via the send/recv edge, but
// rank 2's access has no synchronization with n1 at all.
func TestCheckPair_ShortcutIsScopedPerRank(t *testing.T) {
	rankNodes := map[types.Rank][]types.Node{
		0: {node(0, 0, "write"), node(0, 1, "MPI_Send")},
		1: {node(1, 0, "MPI_Recv"), node(1, 1, "read1")},
		2: {node(2, 0, "unrelated_read")},
	}
	edges := []types.SyncEdge{
		{Kind: types.PointToPoint, Heads: []types.Node{node(0, 1, "MPI_Send")}, Tails: []types.Node{node(1, 0, "MPI_Recv")}},
	}
	g := hbgraph.Build(3, rankNodes, edges)

	pair := Pair{
		N1: node(0, 0, "write").NodeKey,
		N2: []types.NodeKey{node(1, 1, "read1").NodeKey, node(2, 0, "unrelated_read").NodeKey},
	}
	result, err := CheckPair(g, POSIX, g.NodeIndex, pair)
	require.NoError(t, err)
	require.Len(t, result.Verdicts, 2)
	assert.True(t, result.Verdicts[0].Ordered, "rank 1's read is reachable from n1 via send/recv")
	assert.False(t, result.Verdicts[1].Ordered, "rank 2's access has no path to or from n1")
}

func TestAllOrdered(t *testing.T) {
	results := []PairResult{
		{Verdicts: []Verdict{{Ordered: true}, {Ordered: true}}},
	}
	assert.True(t, AllOrdered(results))
	results = append(results, PairResult{Verdicts: []Verdict{{Ordered: false}}})
	assert.False(t, AllOrdered(results))
}
