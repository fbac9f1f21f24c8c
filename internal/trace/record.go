package trace

import (
	"github.com/standardbeagle/verifyio/internal/types"
)

// Record is one fully decoded trace call.
type Record struct {
	Status int8
	TStart types.Tick
	TEnd   types.Tick
	FuncID types.FuncID
	Result int32
	Args   []string
}

// recordHeaderSize is the width of the fixed fields before args begin:
// status 1 + tstart 4 + tend 4 + result 4 + func_id 1 = 14.
const recordHeaderSize = 14

// frameMinLookahead is how far into a record the framing scan must
// advance before it is allowed to treat a newline byte as the record
// terminator: not on the first newline, since the status byte and the
// two binary timestamp deltas in a record's first ten bytes may
// themselves contain a newline byte.
const frameMinLookahead = 10
