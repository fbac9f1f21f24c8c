// Package conflicts parses the external conflict-pair list
// ("conflicts.txt").
package conflicts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

// FileBinding is a "#"-prefixed header line: `#<fileId>:<path>`.
type FileBinding struct {
	FileID int32
	Path   string
}

// Pair is one conflict pair: n1 is the writer, N2 the candidate
// conflicting accesses in the order they were declared in. Same-rank
// peers are kept unless the same-rank drop policy is applied.
type Pair struct {
	N1 types.NodeKey
	N2 []types.NodeKey
}

// Load reads and parses a conflict list file, applying de-duplication
// and the optional same-rank drop policy. Malformed lines are skipped
// and reported via warnings rather than aborting the load.
func Load(path string, dropSameRank bool, warnings *vioerrors.WarningCollector) ([]FileBinding, []Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open conflict list: %w", err)
	}
	defer f.Close()
	return Parse(f, dropSameRank, warnings)
}

// Parse reads the conflict-list format from r (split out from Load for
// testability without touching the filesystem).
func Parse(r io.Reader, dropSameRank bool, warnings *vioerrors.WarningCollector) ([]FileBinding, []Pair, error) {
	scanner := bufio.NewScanner(r)
	var bindings []FileBinding
	var pairs []Pair

	lineNo := 0
	headerSkipped := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !headerSkipped {
			headerSkipped = true
			continue
		}
		if strings.HasPrefix(line, "#") {
			b, err := parseBinding(line)
			if err != nil {
				reportBad(warnings, lineNo, line, err)
				continue
			}
			bindings = append(bindings, b)
			continue
		}

		pair, err := parseDataLine(line, dropSameRank)
		if err != nil {
			reportBad(warnings, lineNo, line, err)
			continue
		}
		pairs = append(pairs, pair)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read conflict list: %w", err)
	}
	return bindings, pairs, nil
}

func reportBad(warnings *vioerrors.WarningCollector, line int, text string, err error) {
	if warnings == nil {
		return
	}
	warnings.Add(vioerrors.KindBadConflictLine, &vioerrors.BadConflictLineError{Line: line, Text: text, Underlying: err})
}

// parseBinding parses `#<fileId>:<path>`.
func parseBinding(line string) (FileBinding, error) {
	body := strings.TrimPrefix(line, "#")
	idx := strings.Index(body, ":")
	if idx < 0 {
		return FileBinding{}, fmt.Errorf("missing ':' in file binding")
	}
	id, err := strconv.ParseInt(body[:idx], 10, 32)
	if err != nil {
		return FileBinding{}, fmt.Errorf("bad file id: %w", err)
	}
	return FileBinding{FileID: int32(id), Path: body[idx+1:]}, nil
}

// parseDataLine parses `<rank>,<seq>,<func>:<peer> <peer>…`.
func parseDataLine(line string, dropSameRank bool) (Pair, error) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return Pair{}, fmt.Errorf("missing ':' separating n1 from peers")
	}
	n1, err := parseNodeKey(line[:idx])
	if err != nil {
		return Pair{}, fmt.Errorf("bad n1: %w", err)
	}

	peersRaw := strings.Fields(line[idx+1:])
	seen := make(map[types.NodeKey]bool)
	var peers []types.NodeKey
	for _, p := range peersRaw {
		key, err := parseNodeKey(p)
		if err != nil {
			return Pair{}, fmt.Errorf("bad peer %q: %w", p, err)
		}
		if dropSameRank && key.Rank == n1.Rank {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		peers = append(peers, key)
	}
	return Pair{N1: n1, N2: peers}, nil
}

func parseNodeKey(s string) (types.NodeKey, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return types.NodeKey{}, fmt.Errorf("expected rank,seq,func")
	}
	rank, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.NodeKey{}, fmt.Errorf("bad rank: %w", err)
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil {
		return types.NodeKey{}, fmt.Errorf("bad seq: %w", err)
	}
	return types.NodeKey{Rank: types.Rank(rank), Seq: types.SeqIndex(seq), Func: parts[2]}, nil
}
