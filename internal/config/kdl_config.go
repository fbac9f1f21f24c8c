package config

import (
	"fmt"
	"os"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// Load reads path (typically "<trace-dir>/.verifyio.kdl") and merges it
// over Default(). A missing file is not an error — it returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parse(string(content))
}

func parse(content string) (*Config, error) {
	cfg := Default()

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "semantics":
			if s, ok := firstStringArg(n); ok {
				cfg.Semantics = s
			}
		case "remote_segments_on_close":
			if b, ok := firstBoolArg(n); ok {
				cfg.RemoteSegmentsOnClose = b
			}
		case "drop_same_rank_pairs":
			if b, ok := firstBoolArg(n); ok {
				cfg.DropSameRankPairs = b
			}
		case "sync_only_collectives":
			if b, ok := firstBoolArg(n); ok {
				cfg.SyncOnlyCollectives = b
			}
		case "exclude":
			cfg.ExcludePatterns = append(cfg.ExcludePatterns, collectStringArgs(n)...)
		}
	}

	return cfg, nil
}

// --- small kdl-go document helpers used for every node/argument access. ---

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
