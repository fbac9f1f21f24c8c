package mpimatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/verifyio/internal/commtable"
	"github.com/standardbeagle/verifyio/internal/config"
	"github.com/standardbeagle/verifyio/internal/trace"
	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

func rec(funcID int, args ...string) trace.Record {
	return trace.Record{FuncID: types.FuncID(funcID), Args: args}
}

func TestMatch_SendRecv(t *testing.T) {
	funcs := []string{"MPI_Send", "MPI_Recv"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "1", "7", "MPI_COMM_WORLD")}, // rank 0 sends to rank 1
			{rec(1, "x", "x", "x", "0", "7", "MPI_COMM_WORLD")}, // rank 1 recvs from rank 0
		},
	}

	tbl := commtable.New(2)
	warn := vioerrors.NewWarningCollector()
	m := New(config.Default(), tbl, warn, nil)
	edges := m.Match(tr)

	require.Len(t, edges, 1)
	assert.Equal(t, types.PointToPoint, edges[0].Kind)
	assert.Equal(t, types.Rank(0), edges[0].Heads[0].Rank)
	assert.Equal(t, types.Rank(1), edges[0].Tails[0].Rank)
	assert.Zero(t, warn.Total())
}

func TestMatch_Barrier(t *testing.T) {
	funcs := []string{"MPI_Barrier"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 3, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "MPI_COMM_WORLD")},
			{rec(0, "MPI_COMM_WORLD")},
			{rec(0, "MPI_COMM_WORLD")},
		},
	}

	m := New(config.Default(), commtable.New(3), nil, nil)
	edges := m.Match(tr)

	require.Len(t, edges, 1)
	assert.Equal(t, types.AllToAll, edges[0].Kind)
	assert.Len(t, edges[0].Heads, 3)
	assert.Len(t, edges[0].Tails, 3)
}

func TestMatch_NonblockingIsendWaitIrecvWaitall(t *testing.T) {
	// rank 0: MPI_Isend(req=r0), MPI_Wait(r0)
	// rank 1: MPI_Irecv(req=r1), MPI_Waitall([r1])
	funcs := []string{"MPI_Isend", "MPI_Wait", "MPI_Irecv", "MPI_Waitall"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{
				rec(0, "x", "x", "x", "1", "5", "MPI_COMM_WORLD", "r0"),
				rec(1, "r0", "[0_0]"),
			},
			{
				rec(2, "x", "x", "x", "0", "5", "MPI_COMM_WORLD", "r1"),
				rec(3, "1", "[r1]"),
			},
		},
	}

	m := New(config.Default(), commtable.New(2), nil, nil)
	edges := m.Match(tr)

	require.Len(t, edges, 1)
	// The edge must run wait -> waitall, not isend -> irecv.
	assert.Equal(t, "MPI_Wait", edges[0].Heads[0].Func)
	assert.Equal(t, "MPI_Waitall", edges[0].Tails[0].Func)
}

func TestMatch_AnySourceRecvMatchesSend(t *testing.T) {
	funcs := []string{"MPI_Send", "MPI_Recv"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "1", "7", "MPI_COMM_WORLD")},          // rank 0 sends to rank 1
			{rec(1, "x", "x", "x", "-2", "-1", "MPI_COMM_WORLD")},       // rank 1 recvs ANY_SOURCE/ANY_TAG
		},
	}

	warn := vioerrors.NewWarningCollector()
	m := New(config.Default(), commtable.New(2), warn, nil)
	edges := m.Match(tr)

	require.Len(t, edges, 1)
	assert.Equal(t, types.PointToPoint, edges[0].Kind)
	assert.Equal(t, types.Rank(0), edges[0].Heads[0].Rank)
	assert.Equal(t, types.Rank(1), edges[0].Tails[0].Rank)
	assert.Zero(t, warn.Total())
}

func TestMatch_AnySourceAndConcreteRecv_EarlierSeqWins(t *testing.T) {
	funcs := []string{"MPI_Send", "MPI_Recv"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "1", "7", "MPI_COMM_WORLD")}, // rank 0 sends to rank 1
			{
				rec(1, "x", "x", "x", "0", "7", "MPI_COMM_WORLD"),  // seq 0: concrete recv from rank 0
				rec(1, "x", "x", "x", "-2", "-1", "MPI_COMM_WORLD"), // seq 1: ANY_SOURCE recv
			},
		},
	}

	m := New(config.Default(), commtable.New(2), nil, nil)
	edges := m.Match(tr)

	require.Len(t, edges, 1)
	assert.Equal(t, types.SeqIndex(0), edges[0].Tails[0].Seq)

	// With the order reversed, the ANY_SOURCE receive is the earlier one
	// and should be the one that gets matched.
	tr2 := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "1", "7", "MPI_COMM_WORLD")},
			{
				rec(1, "x", "x", "x", "-2", "-1", "MPI_COMM_WORLD"), // seq 0: ANY_SOURCE recv
				rec(1, "x", "x", "x", "0", "7", "MPI_COMM_WORLD"),   // seq 1: concrete recv from rank 0
			},
		},
	}
	m2 := New(config.Default(), commtable.New(2), nil, nil)
	edges2 := m2.Match(tr2)

	require.Len(t, edges2, 1)
	assert.Equal(t, types.SeqIndex(0), edges2[0].Tails[0].Seq)
}

func TestMatch_UnmatchedAnySourceRecvEmitsWarning(t *testing.T) {
	funcs := []string{"MPI_Recv"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 1, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "-2", "-1", "MPI_COMM_WORLD")},
		},
	}

	warn := vioerrors.NewWarningCollector()
	m := New(config.Default(), commtable.New(1), warn, nil)
	edges := m.Match(tr)

	assert.Empty(t, edges)
	assert.Equal(t, 1, warn.Count(vioerrors.KindUnmatchedSend))
}

func TestMatch_UnmatchedSendEmitsWarning(t *testing.T) {
	funcs := []string{"MPI_Send"}
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: funcs},
		Records: [][]trace.Record{
			{rec(0, "x", "x", "x", "1", "7", "MPI_COMM_WORLD")},
			{},
		},
	}

	warn := vioerrors.NewWarningCollector()
	m := New(config.Default(), commtable.New(2), warn, nil)
	edges := m.Match(tr)

	assert.Empty(t, edges)
	assert.Equal(t, 1, warn.Count(vioerrors.KindUnmatchedSend))
}
