package mpimatch

import (
	"strconv"

	"github.com/hbollon/go-edlib"

	"github.com/standardbeagle/verifyio/internal/commtable"
	"github.com/standardbeagle/verifyio/internal/config"
	"github.com/standardbeagle/verifyio/internal/trace"
	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

func toNode(pc *ParsedCall) types.Node {
	return types.Node{NodeKey: types.NodeKey{
		Rank: types.Rank(pc.Rank), Seq: types.SeqIndex(pc.Seq), Func: pc.Func,
	}}
}

// pending is one still-outstanding wait/test call on a rank, its
// remaining request set and (for any/some variants) acceptable index
// positions into that set.
type pending struct {
	call *ParsedCall
}

func removeStr(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}

func indexOfStr(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func containsStr(s []string, v string) bool {
	return indexOfStr(s, v) >= 0
}

// findWaitTest resolves req against rank's outstanding wait/test calls,
// mutating the matched call's remaining request/index sets and removing
// it from the pending list once exhausted.
func findWaitTest(list *[]*pending, req string, needMatchSrcTag bool, src, tag int) *ParsedCall {
	for i, p := range *list {
		wc := p.call
		switch wc.Func {
		case "MPI_Wait", "MPI_Waitall", "MPI_Test", "MPI_Testall":
			if !containsStr(wc.Req, req) {
				continue
			}
			if needMatchSrcTag && !(wc.Src == src && wc.RTag == tag) {
				continue
			}
			wc.Req = removeStr(wc.Req, req)
			if len(wc.Req) == 0 {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
			}
			return wc

		case "MPI_Waitany", "MPI_Testany":
			pos := indexOfStr(wc.Req, req)
			if pos < 0 || !containsStr(wc.TIndx, itoa(pos)) {
				continue
			}
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return wc

		case "MPI_Waitsome", "MPI_Testsome":
			pos := indexOfStr(wc.Req, req)
			if pos < 0 || !containsStr(wc.TIndx, itoa(pos)) {
				continue
			}
			wc.Req = removeStr(wc.Req, req)
			wc.TIndx = removeStr(wc.TIndx, itoa(pos))
			if len(wc.TIndx) == 0 {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
			}
			return wc
		}
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// Matcher runs the single merge pass that pairs matching MPI calls into
// synchronization edges.
type Matcher struct {
	cfg      *config.Config
	comm     *commtable.Table
	class    classification
	warnings *vioerrors.WarningCollector

	calls        [][]*ParsedCall
	collQueues   []map[uint64][]*collBucket
	recvQueues   [][][]*ParsedCall // recvQueues[dstRank][srcRank]
	recvAnyQueue [][]*ParsedCall   // recvAnyQueue[dstRank], ANY_SOURCE receives
	waitTest     [][]*pending

	Edges        []types.SyncEdge
	knownMPINames []string
}

// collBucket is one collective-matching-key's FIFO, alongside its
// original string so a hash collision (two distinct keys hashing to the
// same uint64) is detected rather than silently merging two different
// collective instances.
type collBucket struct {
	key   string
	queue []*ParsedCall
}

func (m *Matcher) collPush(rank int, pc *ParsedCall) {
	h := pc.KeyHash()
	key := pc.Key()
	for _, b := range m.collQueues[rank][h] {
		if b.key == key {
			b.queue = append(b.queue, pc)
			return
		}
	}
	m.collQueues[rank][h] = append(m.collQueues[rank][h], &collBucket{key: key, queue: []*ParsedCall{pc}})
}

func (m *Matcher) collPop(rank int, key string, hash uint64) (*ParsedCall, bool) {
	buckets := m.collQueues[rank][hash]
	for i, b := range buckets {
		if b.key != key || len(b.queue) == 0 {
			continue
		}
		other := b.queue[0]
		b.queue = b.queue[1:]
		if len(b.queue) == 0 {
			m.collQueues[rank][hash] = append(buckets[:i:i], buckets[i+1:]...)
			if len(m.collQueues[rank][hash]) == 0 {
				delete(m.collQueues[rank], hash)
			}
		}
		return other, true
	}
	return nil, false
}

// New constructs a matcher for a decoded trace. knownMPINames is used to
// suggest corrections for unrecognized MPI-prefixed calls.
func New(cfg *config.Config, comm *commtable.Table, warnings *vioerrors.WarningCollector, knownMPINames []string) *Matcher {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Matcher{
		cfg:           cfg,
		comm:          comm,
		class:         newClassification(cfg.SyncOnlyCollectives),
		warnings:      warnings,
		knownMPINames: knownMPINames,
	}
}

// Match runs the full matching pass over a decoded trace and returns the
// synchronization edges it produced.
func (m *Matcher) Match(tr *trace.Trace) []types.SyncEdge {
	n := tr.Global.TotalRanks
	m.calls = make([][]*ParsedCall, n)
	m.collQueues = make([]map[uint64][]*collBucket, n)
	m.recvQueues = make([][][]*ParsedCall, n)
	m.recvAnyQueue = make([][]*ParsedCall, n)
	m.waitTest = make([][]*pending, n)
	for r := 0; r < n; r++ {
		m.collQueues[r] = make(map[uint64][]*collBucket)
		m.recvQueues[r] = make([][]*ParsedCall, n)
	}

	m.generateCalls(tr)

	for rank := 0; rank < n; rank++ {
		for _, pc := range m.calls[rank] {
			if pc == nil {
				continue
			}
			switch {
			case m.class.isCollective(pc.Func):
				m.matchCollective(pc)
			case m.class.isSend(pc.Func):
				m.matchSend(pc)
			}
		}
	}

	m.reportUnmatched(n)
	return m.Edges
}

func (m *Matcher) generateCalls(tr *trace.Trace) {
	ignoredSuggested := map[string]bool{}

	for rank := 0; rank < len(tr.Records); rank++ {
		for seq, rec := range tr.Records[rank] {
			name, ok := tr.FuncName(rec.FuncID)
			if !ok {
				if m.warnings != nil {
					m.warnings.Add(vioerrors.KindUnknownFunctionID, &vioerrors.UnknownFunctionIDError{Rank: rank, FuncID: uint8(rec.FuncID)})
				}
				continue
			}

			pc, ok := extract(rank, seq, name, rec.Args)
			if !ok {
				if len(name) >= 4 && name[:4] == "MPI_" && !m.class.isCollective(name) &&
					!m.class.isSend(name) && !m.class.isRecv(name) && !isWaitOrTest(name) && !ignoredSuggested[name] {
					ignoredSuggested[name] = true
					m.suggest(name)
				}
				continue
			}

			m.calls[rank] = append(m.calls[rank], pc)

			if m.class.isCollective(pc.Func) {
				m.collPush(rank, pc)
			}
			if m.class.isRecv(pc.Func) {
				globalSrc := int(m.comm.Lookup(pc.Comm, pc.Src))
				switch {
				case globalSrc == AnySource:
					m.recvAnyQueue[rank] = append(m.recvAnyQueue[rank], pc)
				case globalSrc >= 0 && globalSrc < len(m.recvQueues[rank]):
					m.recvQueues[rank][globalSrc] = append(m.recvQueues[rank][globalSrc], pc)
				}
			}
			if isWaitOrTest(pc.Func) {
				m.waitTest[rank] = append(m.waitTest[rank], &pending{call: pc})
			}
		}
	}
}

// suggest emits a fuzzy-matched hint for an unrecognized MPI_-prefixed
// call, picking the known function name with the highest Jaro-Winkler
// similarity.
func (m *Matcher) suggest(name string) {
	if m.warnings == nil || len(m.knownMPINames) == 0 {
		return
	}
	var best string
	var bestScore float32
	for _, candidate := range m.knownMPINames {
		score, err := edlib.StringsSimilarity(name, candidate, edlib.JaroWinkler)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	msg := "unrecognized call " + name
	if best != "" && bestScore >= suggestionThreshold {
		msg += " (did you mean " + best + "?)"
	}
	m.warnings.Add(vioerrors.KindUnknownFunctionID, &suggestionErr{msg: msg})
}

// suggestionThreshold is the minimum similarity score before a guess is
// worth printing.
const suggestionThreshold = 0.75

type suggestionErr struct{ msg string }

func (e *suggestionErr) Error() string { return e.msg }

func (m *Matcher) resolveCompletion(rank int, req string) *ParsedCall {
	return findWaitTest(&m.waitTest[rank], req, false, 0, 0)
}

func (m *Matcher) resolveCompletionMatchingSrcTag(rank int, req string, src, tag int) *ParsedCall {
	return findWaitTest(&m.waitTest[rank], req, true, src, tag)
}

// matchCollective pops one FIFO entry per participating rank for pc's
// key and builds the synchronization edge whose shape depends on pc's
// classification.
func (m *Matcher) matchCollective(pc *ParsedCall) {
	key := pc.Key()
	hash := pc.KeyHash()
	isAllToAll := m.class.isAllToAll(pc.Func)
	isOneToMany := m.class.isOneToMany(pc.Func)

	var heads, tails []types.Node
	for rank := 0; rank < len(m.collQueues); rank++ {
		other, ok := m.collPop(rank, key, hash)
		if !ok {
			continue
		}

		node := toNode(other)
		if !other.Blocking {
			if wc := m.resolveCompletion(rank, other.Req[0]); wc != nil {
				node = toNode(wc)
			} else if m.warnings != nil {
				m.warnings.Add(vioerrors.KindUnmatchedCollective, &vioerrors.UnmatchedCollectiveError{Func: other.Func, Key: key, Rank: rank})
			}
		}

		switch {
		case isAllToAll:
			heads = append(heads, node)
			tails = append(tails, node)
		case isOneToMany:
			if other.HasRoot && other.Root == other.Rank {
				heads = append(heads, node)
			} else {
				tails = append(tails, node)
			}
		default: // many-to-one
			if other.HasRoot && other.Root == other.Rank {
				tails = append(tails, node)
			} else {
				heads = append(heads, node)
			}
		}
	}

	if len(heads) == 0 && len(tails) == 0 {
		return
	}

	kind := types.AllToAll
	if isOneToMany {
		kind = types.OneToMany
	} else if !isAllToAll {
		kind = types.ManyToOne
	}
	m.Edges = append(m.Edges, types.SyncEdge{Kind: kind, Heads: heads, Tails: tails})
}

// matchSend resolves a send against the receiver's pending-receive
// index, honoring ANY_SOURCE/ANY_TAG wildcards.
func (m *Matcher) matchSend(send *ParsedCall) {
	globalDst := int(m.comm.Lookup(send.Comm, send.Dst))
	globalSrc := send.Rank

	headNode := toNode(send)
	if !send.Blocking && len(send.Req) > 0 {
		if wc := m.resolveCompletion(send.Rank, send.Req[0]); wc != nil {
			headNode = toNode(wc)
		}
	}

	if globalDst < 0 || globalDst >= len(m.recvQueues) {
		if m.warnings != nil {
			m.warnings.Add(vioerrors.KindUnmatchedSend, &vioerrors.UnmatchedSendError{Rank: send.Rank, Seq: send.Seq, Func: send.Func})
		}
		return
	}

	// A concrete-source receive and an ANY_SOURCE receive on the same
	// destination rank both stand ready for this send; whichever was
	// posted first (lowest Seq) gets it.
	concreteQueue := m.recvQueues[globalDst][globalSrc]
	anyQueue := m.recvAnyQueue[globalDst]
	ci := findMatchingRecv(concreteQueue, send)
	ai := findMatchingRecv(anyQueue, send)

	var recv *ParsedCall
	fromAny := false
	switch {
	case ci >= 0 && ai >= 0:
		if anyQueue[ai].Seq < concreteQueue[ci].Seq {
			recv, fromAny = anyQueue[ai], true
		} else {
			recv = concreteQueue[ci]
		}
	case ci >= 0:
		recv = concreteQueue[ci]
	case ai >= 0:
		recv, fromAny = anyQueue[ai], true
	}

	if recv != nil {
		var tailNode types.Node
		matched := false
		if recv.Blocking {
			tailNode = toNode(recv)
			matched = true
		} else {
			var wc *ParsedCall
			if recv.RTag == AnyTag || fromAny {
				wc = m.resolveCompletionMatchingSrcTag(globalDst, recv.Req[0], send.Rank, send.STag)
			} else {
				wc = m.resolveCompletion(globalDst, recv.Req[0])
			}
			if wc != nil {
				tailNode = toNode(wc)
				matched = true
			}
		}

		if matched {
			if fromAny {
				m.recvAnyQueue[globalDst] = append(anyQueue[:ai:ai], anyQueue[ai+1:]...)
			} else {
				m.recvQueues[globalDst][globalSrc] = append(concreteQueue[:ci:ci], concreteQueue[ci+1:]...)
			}
			m.Edges = append(m.Edges, types.SyncEdge{
				Kind:  types.PointToPoint,
				Heads: []types.Node{headNode},
				Tails: []types.Node{tailNode},
			})
			return
		}
	}

	if m.warnings != nil {
		m.warnings.Add(vioerrors.KindUnmatchedSend, &vioerrors.UnmatchedSendError{Rank: send.Rank, Seq: send.Seq, Func: send.Func})
	}
}

// findMatchingRecv returns the index of the first entry in queue whose
// communicator and tag are compatible with send, or -1.
func findMatchingRecv(queue []*ParsedCall, send *ParsedCall) int {
	for i, recv := range queue {
		if recv.Comm != send.Comm {
			continue
		}
		if recv.RTag != send.STag && recv.RTag != AnyTag {
			continue
		}
		return i
	}
	return -1
}

// reportUnmatched emits warnings for collective FIFO entries and pending
// receives still outstanding after the merge pass, without aborting
// analysis. Leftover wait/test calls are not reported.
func (m *Matcher) reportUnmatched(n int) {
	if m.warnings == nil {
		return
	}
	for rank := 0; rank < n; rank++ {
		for _, buckets := range m.collQueues[rank] {
			for _, b := range buckets {
				if len(b.queue) == 0 {
					continue
				}
				m.warnings.Add(vioerrors.KindUnmatchedCollective, &vioerrors.UnmatchedCollectiveError{Func: b.key, Key: b.key, Rank: rank})
			}
		}
		for src, q := range m.recvQueues[rank] {
			for range q {
				m.warnings.Add(vioerrors.KindUnmatchedSend, &vioerrors.UnmatchedSendError{Rank: src, Seq: -1, Func: "MPI_Recv"})
			}
		}
		for range m.recvAnyQueue[rank] {
			m.warnings.Add(vioerrors.KindUnmatchedSend, &vioerrors.UnmatchedSendError{Rank: rank, Seq: -1, Func: "MPI_Recv(ANY_SOURCE)"})
		}
	}
}
