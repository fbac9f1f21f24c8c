// Package hbgraph builds and queries the happens-before graph: a DAG of
// program-order plus synchronization edges over the retained operations
// of a trace.
package hbgraph

import (
	"sort"

	"github.com/standardbeagle/verifyio/internal/types"
)

// Graph is a built happens-before DAG. Zero value is not usable; build
// one with Build.
type Graph struct {
	nodes []types.Node
	index map[types.NodeKey]int

	adj  [][]int // successors, after all-to-all ghost redirection
	pred [][]int // predecessors, mirrors adj

	rankSeq map[types.Rank][]int // real-rank nodes only, in program order

	topo     []int
	topoPos  map[int]int
	vc       [][]int64
	dims     int // N real ranks + 1 ghost dimension
	computed bool
}

func dimOf(rank types.Rank, dims int) int {
	if rank == types.GhostRank {
		return dims - 1
	}
	return int(rank)
}

// Build constructs the graph: program-order edges within rankNodes (each
// rank's retained operations, already in sequence order), the
// synchronization edges from the MPI matcher, and ghost-node encoding of
// every all-to-all edge.
func Build(totalRanks int, rankNodes map[types.Rank][]types.Node, edges []types.SyncEdge) *Graph {
	g := &Graph{
		index:   make(map[types.NodeKey]int),
		rankSeq: make(map[types.Rank][]int),
		dims:    totalRanks + 1,
	}

	addNode := func(n types.Node) int {
		if idx, ok := g.index[n.NodeKey]; ok {
			return idx
		}
		idx := len(g.nodes)
		g.nodes = append(g.nodes, n)
		g.index[n.NodeKey] = idx
		g.adj = append(g.adj, nil)
		g.pred = append(g.pred, nil)
		return idx
	}

	for rank, nodes := range rankNodes {
		sorted := append([]types.Node(nil), nodes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
		idxs := make([]int, len(sorted))
		for i, n := range sorted {
			idxs[i] = addNode(n)
		}
		g.rankSeq[rank] = idxs
	}

	poSucc := make(map[int]int)
	for _, idxs := range g.rankSeq {
		for i := 0; i < len(idxs); i++ {
			if i+1 < len(idxs) {
				poSucc[idxs[i]] = idxs[i+1]
				g.addEdge(idxs[i], idxs[i+1])
			} else {
				poSucc[idxs[i]] = -1
			}
		}
	}

	ghostSeq := 0
	for _, e := range edges {
		switch e.Kind {
		case types.PointToPoint:
			if len(e.Heads) == 1 && len(e.Tails) == 1 {
				h := addNode(e.Heads[0])
				t := addNode(e.Tails[0])
				g.addEdge(h, t)
			}
		case types.OneToMany:
			if len(e.Heads) != 1 {
				continue
			}
			h := addNode(e.Heads[0])
			for _, tn := range e.Tails {
				g.addEdge(h, addNode(tn))
			}
		case types.ManyToOne:
			if len(e.Tails) != 1 {
				continue
			}
			t := addNode(e.Tails[0])
			for _, hn := range e.Heads {
				g.addEdge(addNode(hn), t)
			}
		case types.AllToAll:
			ghostKey := types.NodeKey{Rank: types.GhostRank, Seq: types.SeqIndex(ghostSeq), Func: "ghost"}
			ghostSeq++
			ghostIdx := addNode(types.Node{NodeKey: ghostKey})
			for _, pn := range e.Heads {
				pIdx := addNode(pn)
				g.addEdge(pIdx, ghostIdx)
				if s, ok := poSucc[pIdx]; ok && s != -1 {
					g.removeEdge(pIdx, s)
					g.addEdge(ghostIdx, s)
				}
			}
		}
	}

	return g
}

func (g *Graph) addEdge(u, v int) {
	for _, x := range g.adj[u] {
		if x == v {
			return
		}
	}
	g.adj[u] = append(g.adj[u], v)
	g.pred[v] = append(g.pred[v], u)
}

func (g *Graph) removeEdge(u, v int) {
	for i, x := range g.adj[u] {
		if x == v {
			g.adj[u] = append(g.adj[u][:i:i], g.adj[u][i+1:]...)
			break
		}
	}
	for i, x := range g.pred[v] {
		if x == u {
			g.pred[v] = append(g.pred[v][:i:i], g.pred[v][i+1:]...)
			break
		}
	}
}

// NodeIndex returns the index of a node by key, if it is in the graph.
func (g *Graph) NodeIndex(key types.NodeKey) (int, bool) {
	idx, ok := g.index[key]
	return idx, ok
}

// Node returns the node at idx.
func (g *Graph) Node(idx int) types.Node { return g.nodes[idx] }

// Len returns the number of nodes in the graph, including ghosts.
func (g *Graph) Len() int { return len(g.nodes) }

// HasPath reports whether v is reachable from u, including u == v
// (reachability is treated as reflexive).
func (g *Graph) HasPath(u, v int) bool {
	if u == v {
		return true
	}
	visited := make([]bool, len(g.nodes))
	queue := []int{u}
	visited[u] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.adj[cur] {
			if next == v {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// ShortestPath returns any minimal-hop path from u to v (inclusive), or
// nil if v is unreachable.
func (g *Graph) ShortestPath(u, v int) []int {
	if u == v {
		return []int{u}
	}
	prev := make(map[int]int)
	visited := make([]bool, len(g.nodes))
	visited[u] = true
	queue := []int{u}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.adj[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			prev[next] = cur
			if next == v {
				path := []int{v}
				for path[0] != u {
					path = append([]int{prev[path[0]]}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// ShortestPathKeys returns ShortestPath(u, v) as node keys, for use as a
// witness in caller packages that don't track graph indices.
func (g *Graph) ShortestPathKeys(u, v int) []types.NodeKey {
	path := g.ShortestPath(u, v)
	keys := make([]types.NodeKey, len(path))
	for i, idx := range path {
		keys[i] = g.nodes[idx].NodeKey
	}
	return keys
}

// RankCount returns the number of real (non-ghost) rank dimensions the
// graph was built with.
func (g *Graph) RankCount() int { return g.dims - 1 }

// NextPO returns the nearest node of a function name in names on u's
// rank strictly after u in program order.
func (g *Graph) NextPO(u int, names map[string]bool) (int, bool) {
	n := g.nodes[u]
	seq := g.rankSeq[n.Rank]
	pos := indexOfInt(seq, u)
	if pos == -1 {
		return 0, false
	}
	for i := pos + 1; i < len(seq); i++ {
		if names[g.nodes[seq[i]].Func] {
			return seq[i], true
		}
	}
	return 0, false
}

// PrevPO returns the nearest node of a function name in names on u's
// rank strictly before u in program order.
func (g *Graph) PrevPO(u int, names map[string]bool) (int, bool) {
	n := g.nodes[u]
	seq := g.rankSeq[n.Rank]
	pos := indexOfInt(seq, u)
	if pos == -1 {
		return 0, false
	}
	for i := pos - 1; i >= 0; i-- {
		if names[g.nodes[seq[i]].Func] {
			return seq[i], true
		}
	}
	return 0, false
}

func indexOfInt(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// NextHB returns the nearest (by BFS distance) node of a function name
// in names on targetRank reachable from u.
func (g *Graph) NextHB(u int, names map[string]bool, targetRank types.Rank) (int, bool) {
	visited := make([]bool, len(g.nodes))
	visited[u] = true
	queue := []int{u}
	var best = -1
	bestSeq := types.SeqIndex(0)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.adj[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			n := g.nodes[next]
			if n.Rank == targetRank && names[n.Func] {
				if best == -1 || n.Seq < bestSeq {
					best, bestSeq = next, n.Seq
				}
				continue
			}
			queue = append(queue, next)
		}
		if best != -1 {
			break
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// Acyclic reports whether the graph admits a topological sort.
func (g *Graph) Acyclic() bool {
	_, ok := g.toposort()
	return ok
}

func (g *Graph) toposort() ([]int, bool) {
	indeg := make([]int, len(g.nodes))
	for u := range g.adj {
		for _, v := range g.adj[u] {
			indeg[v]++
		}
	}
	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	var order []int
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order = append(order, u)
		for _, v := range g.adj[u] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	return order, len(order) == len(g.nodes)
}

// VectorClock returns the vector clock of node u, computing and caching
// the full graph's clocks on first use.
func (g *Graph) VectorClock(u int) []int64 {
	g.ensureVectorClocks()
	out := make([]int64, len(g.vc[u]))
	copy(out, g.vc[u])
	return out
}

func (g *Graph) ensureVectorClocks() {
	if g.computed {
		return
	}
	order, _ := g.toposort()
	g.vc = make([][]int64, len(g.nodes))
	for i := range g.vc {
		g.vc[i] = make([]int64, g.dims)
	}
	for _, v := range order {
		selfBumped := false
		vRank := g.nodes[v].Rank
		for _, p := range g.pred[v] {
			bumped := append([]int64(nil), g.vc[p]...)
			bumped[dimOf(g.nodes[p].Rank, g.dims)]++
			for d := 0; d < g.dims; d++ {
				if bumped[d] > g.vc[v][d] {
					g.vc[v][d] = bumped[d]
				}
			}
			if g.nodes[p].Rank == vRank {
				selfBumped = true
			}
		}
		if !selfBumped {
			g.vc[v][dimOf(vRank, g.dims)]++
		}
	}
	g.computed = true
}

// HappensBefore tests "u happens-before v" via the vector-clock
// shortcut: vc(u)[rank(u)] < vc(v)[rank(u)].
func (g *Graph) HappensBefore(u, v int) bool {
	uRank := g.nodes[u].Rank
	vcU := g.VectorClock(u)
	vcV := g.VectorClock(v)
	d := dimOf(uRank, g.dims)
	return vcU[d] < vcV[d]
}
