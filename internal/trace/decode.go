package trace

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/verifyio/internal/debug"
	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

// Trace is a fully decoded trace directory.
type Trace struct {
	Global *GlobalMetadata
	Ranks  []*RankMetadata
	// Records[r] is rank r's decoded call sequence, in emission order.
	Records [][]Record
}

// splitFrames breaks a raw record-stream file into the byte ranges of
// each record: a record ends at the first newline found at or after
// frameMinLookahead bytes past its start, not at the first newline
// encountered.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	start := 0
	for start+frameMinLookahead <= len(data) {
		rel := bytes.IndexByte(data[start+frameMinLookahead:], '\n')
		if rel == -1 {
			break
		}
		end := start + frameMinLookahead + rel
		frames = append(frames, data[start:end])
		start = end + 1
	}
	return frames
}

// rawFrame is one frame's fixed fields and raw (still possibly
// compressed) arg list as read by parseFrame, without resolving deltas
// or back-references.
type rawFrame struct {
	status       int8
	deltaTStart  int32
	deltaTEnd    int32
	result       int32
	funcOrRefID  uint8
	storedArgs   []string
}

func parseFrame(rank int, seq int, frame []byte) (rawFrame, error) {
	if len(frame) < recordHeaderSize {
		return rawFrame{}, &vioerrors.MalformedRecordError{
			Rank: rank, RecordSeq: seq,
			Underlying: fmt.Errorf("frame too short: %d bytes", len(frame)),
		}
	}
	var rf rawFrame
	rf.status = int8(frame[0])
	rf.deltaTStart = int32(binary.LittleEndian.Uint32(frame[1:5]))
	rf.deltaTEnd = int32(binary.LittleEndian.Uint32(frame[5:9]))
	rf.result = int32(binary.LittleEndian.Uint32(frame[9:13]))
	rf.funcOrRefID = frame[13]

	argBytes := frame[recordHeaderSize:]
	if len(argBytes) > 0 {
		rf.storedArgs = strings.Split(string(argBytes), " ")
	}
	return rf, nil
}

// DecodeRankStream decodes one rank's complete record stream: framing,
// delta-timestamp accumulation, and back-reference decompression, in
// that order.
func DecodeRankStream(rank int, data []byte) ([]Record, error) {
	frames := splitFrames(data)
	records := make([]Record, 0, len(frames))

	var prevTStart, prevTEnd types.Tick
	for i, frame := range frames {
		rf, err := parseFrame(rank, i, frame)
		if err != nil {
			return nil, err
		}

		tstart := prevTStart + types.Tick(rf.deltaTStart)
		tend := prevTEnd + types.Tick(rf.deltaTEnd)
		prevTStart, prevTEnd = tstart, tend

		rec := Record{
			Status: rf.status,
			TStart: tstart,
			TEnd:   tend,
			Result: rf.result,
		}

		if rf.status == 0 {
			rec.FuncID = types.FuncID(rf.funcOrRefID)
			rec.Args = rf.storedArgs
		} else {
			refDistance := int(rf.funcOrRefID)
			backIdx := i - 1 - refDistance
			if backIdx < 0 {
				return nil, &vioerrors.MalformedRecordError{
					Rank: rank, RecordSeq: i,
					Underlying: fmt.Errorf("back-reference distance %d exceeds current index %d", refDistance, i),
				}
			}
			ref := records[backIdx]

			bitmask := uint8(rf.status) & 0x7F
			ones := bits.OnesCount8(bitmask)
			if ones < len(rf.storedArgs) {
				return nil, &vioerrors.MalformedRecordError{
					Rank: rank, RecordSeq: i,
					Underlying: fmt.Errorf("bitmask has %d one-bits but %d stored args", ones, len(rf.storedArgs)),
				}
			}

			args := make([]string, len(ref.Args))
			copy(args, ref.Args)
			stored := 0
			for pos := 0; pos < len(args) && stored < len(rf.storedArgs); pos++ {
				if bitmask&(1<<uint(pos)) != 0 {
					args[pos] = rf.storedArgs[stored]
					stored++
				}
			}
			rec.FuncID = ref.FuncID
			rec.Args = args
		}

		records = append(records, rec)
	}

	debug.Log("trace", "rank %d: decoded %d records", rank, len(records))
	return records, nil
}

// DecodeTraceDir decodes an entire trace directory: the global metadata,
// every rank's metadata, and every rank's record stream. Per-rank decode
// work is independent and is fanned out with errgroup; the caller sees a
// single ordered pass.
func DecodeTraceDir(ctx context.Context, dir string) (*Trace, error) {
	gm, err := ReadGlobalMetadata(filepath.Join(dir, "recorder.mt"))
	if err != nil {
		return nil, err
	}

	t := &Trace{
		Global:  gm,
		Ranks:   make([]*RankMetadata, gm.TotalRanks),
		Records: make([][]Record, gm.TotalRanks),
	}

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < gm.TotalRanks; r++ {
		r := r
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			rm, err := ReadRankMetadata(filepath.Join(dir, strconv.Itoa(r)+".mt"))
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}

			data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(r)+".itf"))
			if err != nil {
				return fmt.Errorf("rank %d: read record stream: %w", r, err)
			}

			records, err := DecodeRankStream(r, data)
			if err != nil {
				return err
			}

			t.Ranks[r] = rm
			t.Records[r] = records
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

// FuncName resolves a FuncID to its canonicalized name, or "" if out of
// range (the caller should treat this as an unknown-function-id warning).
func (t *Trace) FuncName(id types.FuncID) (string, bool) {
	i := int(id)
	if i < 0 || i >= len(t.Global.Funcs) {
		return "", false
	}
	return t.Global.Funcs[i], true
}
