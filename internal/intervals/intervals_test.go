package intervals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/verifyio/internal/config"
	"github.com/standardbeagle/verifyio/internal/trace"
)

func rankFiles(id int32, path string) []trace.FileInfo {
	return []trace.FileInfo{{ID: id, Path: path}}
}

func TestBuild_OpenThenWrite(t *testing.T) {
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 1, Funcs: []string{"open", "write"}},
		Ranks:  []*trace.RankMetadata{{Files: rankFiles(0, "f")}},
		Records: [][]trace.Record{
			{
				{FuncID: 0, TStart: 1, Args: []string{"0"}},
				{FuncID: 1, TStart: 2, Args: []string{"0", "0", "10"}},
			},
		},
	}

	ivs := Build(tr, config.Default(), nil)
	require.Len(t, ivs, 1)
	assert.Equal(t, "f", ivs[0].Path)
	assert.EqualValues(t, 0, ivs[0].Offset)
	assert.EqualValues(t, 10, ivs[0].Length)
	assert.False(t, ivs[0].IsRead)
}

func TestBuild_AppendOpenReadsCommitMap(t *testing.T) {
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 2, Funcs: []string{"open", "write", "close"}},
		Ranks: []*trace.RankMetadata{
			{Files: rankFiles(0, "f")},
			{Files: rankFiles(0, "f")},
		},
		Records: [][]trace.Record{
			{ // rank 0: open, write 100 bytes, close
				{FuncID: 0, TStart: 1, Args: []string{"0"}},
				{FuncID: 1, TStart: 2, Args: []string{"0", "0", "100"}},
				{FuncID: 2, TStart: 3, Args: []string{"0"}},
			},
			{ // rank 1: append-open after rank 0 closed
				{FuncID: 0, TStart: 4, Args: []string{"0", "1024"}}, // O_APPEND bit set
			},
		},
	}

	ivs := Build(tr, config.Default(), nil)
	// Only rank 0's write call yields a data interval; rank 1's open is
	// metadata-only, so its post-open position must be asserted via a
	// subsequent data call to observe it end to end.
	require.Len(t, ivs, 1)

	tr.Records[1] = append(tr.Records[1], trace.Record{FuncID: 1, TStart: 5, Args: []string{"0", "0", "5"}})
	tr.Global.Funcs = append(tr.Global.Funcs, "write")
	ivs = Build(tr, config.Default(), nil)
	require.Len(t, ivs, 2)
	assert.EqualValues(t, 100, ivs[1].Offset)
}

func TestBuild_FprintfTreatedAsSizeTimesCount(t *testing.T) {
	tr := &trace.Trace{
		Global: &trace.GlobalMetadata{TotalRanks: 1, Funcs: []string{"fopen", "fprintf"}},
		Ranks:  []*trace.RankMetadata{{Files: rankFiles(0, "f")}},
		Records: [][]trace.Record{
			{
				{FuncID: 0, TStart: 1, Args: []string{"0", "w"}},
				// fprintf args mirror fwrite/fread: [fmt, size, count, fd]
				{FuncID: 1, TStart: 2, Args: []string{"%d", "1", "20", "0"}},
			},
		},
	}

	ivs := Build(tr, config.Default(), nil)
	require.Len(t, ivs, 1)
	assert.Equal(t, "f", ivs[0].Path)
	assert.EqualValues(t, 0, ivs[0].Offset)
	assert.EqualValues(t, 20, ivs[0].Length)
	assert.False(t, ivs[0].IsRead)
}

func TestExcluded_BuiltinPolicyAndGlobs(t *testing.T) {
	assert.True(t, excluded("/dev/null", nil))
	assert.True(t, excluded("/proc/self/status", nil))
	assert.True(t, excluded("/sys/kernel/foo", nil))
	assert.True(t, excluded("/etc/hosts", nil))
	assert.True(t, excluded("stdout", nil))
	assert.True(t, excluded("pipe:[12345]", nil))
	assert.False(t, excluded("/home/user/data.bin", nil))
	assert.True(t, excluded("/scratch/tmp.dat", []string{"/scratch/**"}))
}
