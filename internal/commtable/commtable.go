// Package commtable builds the communicator-translation table: a mapping
// from (communicator id, local rank within that communicator) to the
// owning process's world rank.
package commtable

import (
	"strconv"

	"github.com/standardbeagle/verifyio/internal/trace"
	"github.com/standardbeagle/verifyio/internal/types"
)

// WorldComm is the identity communicator every trace implicitly has.
const WorldComm = "MPI_COMM_WORLD"

// AnySource maps to itself under translation.
const AnySource = -2

// creatingCall describes where a communicator-creation call's returned
// comm id and local-rank-within-new-communicator arguments live.
type creatingCall struct {
	commArgIdx  int
	localArgIdx int
}

var creatingCalls = map[string]creatingCall{
	"MPI_Comm_split":      {commArgIdx: 3, localArgIdx: 4},
	"MPI_Comm_split_type": {commArgIdx: 4, localArgIdx: 5},
	"MPI_Comm_dup":        {commArgIdx: 1, localArgIdx: 2},
	"MPI_Cart_create":     {commArgIdx: 5, localArgIdx: 6},
	"MPI_Comm_create":     {commArgIdx: 2, localArgIdx: 3},
	"MPI_Cart_sub":        {commArgIdx: 2, localArgIdx: 3},
}

// Table maps communicator id -> (local rank -> world rank). Built once by
// Build, then read-only for the remainder of analysis.
type Table struct {
	comms map[string][]types.Rank
}

// New returns a table seeded only with the world communicator, sized for
// totalRanks processes.
func New(totalRanks int) *Table {
	world := make([]types.Rank, totalRanks)
	for i := range world {
		world[i] = types.Rank(i)
	}
	return &Table{comms: map[string][]types.Rank{WorldComm: world}}
}

// Set records that localRank within commID is owned by worldRank,
// growing the communicator's entry list if this is its first sighting.
func (t *Table) Set(totalRanks int, commID string, localRank int, worldRank types.Rank) {
	entries, ok := t.comms[commID]
	if !ok {
		entries = make([]types.Rank, totalRanks)
		for i := range entries {
			entries[i] = types.Rank(i)
		}
		t.comms[commID] = entries
	}
	if localRank >= 0 && localRank < len(entries) {
		entries[localRank] = worldRank
	}
}

// Lookup translates a (commID, localRank) pair to a world rank.
// AnySource (and any other negative local rank) maps to itself. Unknown
// comm ids fall back to identity.
func (t *Table) Lookup(commID string, localRank int) types.Rank {
	if localRank < 0 {
		return types.Rank(localRank)
	}
	if entries, ok := t.comms[commID]; ok && localRank < len(entries) {
		return entries[localRank]
	}
	return types.Rank(localRank)
}

// Build scans every rank's decoded records for communicator-creation calls
// and populates a translation table.
func Build(tr *trace.Trace) *Table {
	totalRanks := tr.Global.TotalRanks
	t := New(totalRanks)

	for rank := 0; rank < len(tr.Records); rank++ {
		for _, rec := range tr.Records[rank] {
			name, ok := tr.FuncName(rec.FuncID)
			if !ok {
				continue
			}
			cc, ok := creatingCalls[name]
			if !ok {
				continue
			}
			if cc.commArgIdx >= len(rec.Args) || cc.localArgIdx >= len(rec.Args) {
				continue
			}
			commID := rec.Args[cc.commArgIdx]
			localRank, err := strconv.Atoi(rec.Args[cc.localArgIdx])
			if err != nil {
				continue
			}
			t.Set(totalRanks, commID, localRank, types.Rank(rank))
		}
	}
	return t
}
