package mpimatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Send(t *testing.T) {
	pc, ok := extract(0, 3, "MPI_Send", []string{"a", "b", "c", "1", "7", "WORLD"})
	require.True(t, ok)
	assert.Equal(t, 1, pc.Dst)
	assert.Equal(t, 7, pc.STag)
	assert.Equal(t, "WORLD", pc.Comm)
}

func TestExtract_RecvAnySourceAnyTag(t *testing.T) {
	pc, ok := extract(1, 2, "MPI_Recv", []string{"a", "b", "c", "-2", "-1", "WORLD", "[0_7]"})
	require.True(t, ok)
	assert.Equal(t, 0, pc.Src)
	assert.Equal(t, 7, pc.RTag)
}

func TestExtract_TestWithFalseFlagIsSkipped(t *testing.T) {
	_, ok := extract(0, 0, "MPI_Test", []string{"r1", "0", "[0_0]"})
	assert.False(t, ok)
}

func TestExtract_Waitall(t *testing.T) {
	pc, ok := extract(0, 0, "MPI_Waitall", []string{"2", "[r1,r2]"})
	require.True(t, ok)
	assert.Equal(t, []string{"r1", "r2"}, pc.Req)
}

func TestExtract_UnknownCallIsSkipped(t *testing.T) {
	_, ok := extract(0, 0, "MPI_Frobnicate", nil)
	assert.False(t, ok)
}

func TestExtract_Barrier(t *testing.T) {
	pc, ok := extract(0, 0, "MPI_Barrier", []string{"WORLD"})
	require.True(t, ok)
	assert.Equal(t, "WORLD", pc.Comm)
}

func TestKey_IncludesFuncCommAndHandle(t *testing.T) {
	pc := &ParsedCall{Func: "MPI_File_open", Comm: "WORLD", Req: []string{"fh1"}}
	assert.Equal(t, "MPI_File_open|WORLD|fh1", pc.Key())
}
