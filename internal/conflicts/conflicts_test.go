package conflicts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

func TestParse_BindingsAndPairs(t *testing.T) {
	text := strings.Join([]string{
		"# header, ignored",
		"#1:/data/f",
		"0,1,write:1,3,read 1,4,read",
	}, "\n")
	warnings := vioerrors.NewWarningCollector()
	bindings, pairs, err := Parse(strings.NewReader(text), false, warnings)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, int32(1), bindings[0].FileID)
	assert.Equal(t, "/data/f", bindings[0].Path)

	require.Len(t, pairs, 1)
	assert.Equal(t, types.NodeKey{Rank: 0, Seq: 1, Func: "write"}, pairs[0].N1)
	require.Len(t, pairs[0].N2, 2)
	assert.Equal(t, types.NodeKey{Rank: 1, Seq: 3, Func: "read"}, pairs[0].N2[0])
	assert.Equal(t, 0, warnings.Total())
}

func TestParse_DuplicatePeersAreDeduplicated(t *testing.T) {
	text := "header\n0,1,write:1,3,read 1,3,read"
	bindings, pairs, err := Parse(strings.NewReader(text), false, nil)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	require.Len(t, pairs, 1)
	assert.Len(t, pairs[0].N2, 1)
}

func TestParse_DropSameRankPairs(t *testing.T) {
	text := "header\n0,1,write:0,2,read 1,3,read"
	_, pairs, err := Parse(strings.NewReader(text), true, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Len(t, pairs[0].N2, 1)
	assert.Equal(t, types.Rank(1), pairs[0].N2[0].Rank)
}

func TestParse_MalformedLineIsSkippedAndWarned(t *testing.T) {
	text := "header\nnot-a-valid-line\n0,1,write:1,3,read"
	warnings := vioerrors.NewWarningCollector()
	_, pairs, err := Parse(strings.NewReader(text), false, warnings)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, 1, warnings.Count(vioerrors.KindBadConflictLine))
}
