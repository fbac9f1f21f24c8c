// Package mpimatch classifies decoded MPI calls, extracts their matching
// fields, and pairs them into synchronization edges.
package mpimatch

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ANY_SOURCE / ANY_TAG are MPI wildcard sentinel values.
const (
	AnySource = -2
	AnyTag    = -1
)

// classification holds the function-name sets that define each call
// shape. The "sync-only" variant narrows collectives to the
// order-inducing subset used for MPI-IO consistency reasoning; which
// variant is active is chosen by the caller's config.
type classification struct {
	send, recv, bcast, redgat, alltoall map[string]bool
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func newClassification(syncOnly bool) classification {
	c := classification{
		send:  set("MPI_Send", "MPI_Ssend", "MPI_Isend", "MPI_Sendrecv"),
		recv:  set("MPI_Recv", "MPI_Irecv", "MPI_Sendrecv"),
		bcast: set("MPI_Bcast", "MPI_Ibcast"),
		redgat: set("MPI_Reduce", "MPI_Ireduce", "MPI_Gather", "MPI_Igather",
			"MPI_Gatherv", "MPI_Igatherv"),
		alltoall: set(
			"MPI_Barrier", "MPI_Allreduce", "MPI_Allgather", "MPI_Allgatherv",
			"MPI_Alltoall", "MPI_Alltoallv", "MPI_Alltoallw", "MPI_Reduce_scatter",
			"MPI_File_open", "MPI_File_close", "MPI_File_read_all", "MPI_File_read_at_all",
			"MPI_File_read_ordered", "MPI_File_write_all", "MPI_File_write_at_all",
			"MPI_File_write_ordered", "MPI_File_set_size", "MPI_File_set_view", "MPI_File_sync",
			"MPI_Comm_dup", "MPI_Comm_split", "MPI_Comm_split_type", "MPI_Cart_create", "MPI_Cart_sub",
		),
	}
	if syncOnly {
		c.bcast = set()
		c.redgat = set("MPI_Reduce_scatter", "MPI_Reduce_scatter_block")
		c.alltoall = set("MPI_Barrier", "MPI_Allgather", "MPI_Alltoall", "MPI_Alltoallv",
			"MPI_Alltoallw", "MPI_Allreduce")
	}
	return c
}

func (c classification) isSend(name string) bool  { return c.send[name] }
func (c classification) isRecv(name string) bool  { return c.recv[name] }
func (c classification) isCollective(name string) bool {
	return c.alltoall[name] || c.bcast[name] || c.redgat[name]
}
func (c classification) isAllToAll(name string) bool { return c.alltoall[name] }
func (c classification) isOneToMany(name string) bool { return c.bcast[name] }
func (c classification) isManyToOne(name string) bool { return c.redgat[name] }

func isWaitOrTest(name string) bool {
	return strings.HasPrefix(name, "MPI_Wait") || strings.HasPrefix(name, "MPI_Test")
}

// ParsedCall is one decoded call's extracted matching fields.
type ParsedCall struct {
	Rank     int
	Seq      int
	Func     string
	Src, Dst int // AnySource/unset distinguished via the has* flags below
	HasSrc, HasDst bool
	STag, RTag     int
	HasSTag, HasRTag bool
	Root    int
	HasRoot bool
	Comm    string
	Req     []string
	TIndx   []string
	ReqFlag bool
	Blocking bool
}

// Key is the FIFO matching key for collectives: (function, communicator,
// file-handle-or-request). See DESIGN.md for why the request/file-handle
// component is needed alongside the communicator.
func (p *ParsedCall) Key() string {
	fh := ""
	if len(p.Req) > 0 {
		fh = p.Req[0]
	}
	return p.Func + "|" + p.Comm + "|" + fh
}

// KeyHash is Key() reduced to a uint64 via xxhash, used as the FIFO
// map's actual key; collQueues keeps the string alongside each bucket
// so a hash collision is detected rather than silently merging two
// distinct collective instances.
func (p *ParsedCall) KeyHash() uint64 {
	return xxhash.Sum64String(p.Key())
}

func trimBracket(s string) string {
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

func splitBracketList(s string) []string {
	inner := trimBracket(s)
	if inner == "" {
		return nil
	}
	return strings.Split(inner, ",")
}

func atoiOr(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// statusToSrcTag decodes the bracketed "[src_tag]" MPI_Status encoding
// used when ANY_SOURCE/ANY_TAG is resolved after the fact, or (0, 0) for
// MPI_STATUS_IGNORE.
func statusToSrcTag(s string) (int, int) {
	if strings.HasPrefix(s, "[") {
		parts := strings.Split(trimBracket(s), "_")
		if len(parts) == 2 {
			return atoiOr(parts[0], 0), atoiOr(parts[1], 0)
		}
	}
	return 0, 0
}

// extract parses one decoded call's arguments into a ParsedCall, or
// returns ok=false if the call is unrecognized or a false completion
// flag makes it a no-op.
func extract(rank, seq int, name string, args []string) (*ParsedCall, bool) {
	get := func(i int) (string, bool) {
		if i < 0 || i >= len(args) {
			return "", false
		}
		return args[i], true
	}
	pc := &ParsedCall{Rank: rank, Seq: seq, Func: name, ReqFlag: true,
		Blocking: !strings.HasPrefix(name, "MPI_I")}

	switch name {
	case "MPI_Send", "MPI_Ssend", "MPI_Isend":
		dst, _ := get(3)
		stag, _ := get(4)
		comm, _ := get(5)
		pc.Dst, pc.HasDst = atoiOr(dst, 0), true
		pc.STag, pc.HasSTag = atoiOr(stag, 0), true
		pc.Comm = comm
		// Isend's request id lives at the same argument position as
		// Irecv's (the trailing &request out-parameter), needed to
		// resolve its completion call as the edge's true head: the edge
		// must run wait -> waitall, not isend -> irecv.
		if name == "MPI_Isend" {
			if req, ok := get(6); ok {
				pc.Req = []string{req}
			}
		}

	case "MPI_Recv":
		src, _ := get(3)
		rtag, _ := get(4)
		comm, _ := get(5)
		status, hasStatus := get(6)
		pc.Src, pc.HasSrc = atoiOr(src, 0), true
		pc.RTag, pc.HasRTag = atoiOr(rtag, 0), true
		pc.Comm = comm
		if pc.Src == AnySource && hasStatus {
			resolvedSrc, resolvedTag := statusToSrcTag(status)
			pc.Src = resolvedSrc
			if pc.RTag == AnyTag {
				pc.RTag = resolvedTag
			}
		}

	case "MPI_Sendrecv":
		src, _ := get(8)
		dst, _ := get(3)
		stag, _ := get(4)
		rtag, _ := get(9)
		comm, _ := get(10)
		pc.Src, pc.HasSrc = atoiOr(src, 0), true
		pc.Dst, pc.HasDst = atoiOr(dst, 0), true
		pc.STag, pc.HasSTag = atoiOr(stag, 0), true
		pc.RTag, pc.HasRTag = atoiOr(rtag, 0), true
		pc.Comm = comm

	case "MPI_Irecv":
		src, _ := get(3)
		rtag, _ := get(4)
		comm, _ := get(5)
		req, _ := get(6)
		pc.Src, pc.HasSrc = atoiOr(src, 0), true
		pc.RTag, pc.HasRTag = atoiOr(rtag, 0), true
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Wait":
		req, _ := get(0)
		status, _ := get(1)
		pc.Req = []string{req}
		pc.Src, pc.RTag = statusToSrcTag(status)
		pc.HasSrc, pc.HasRTag = true, true

	case "MPI_Waitall":
		reqs, _ := get(1)
		pc.Req = splitBracketList(reqs)

	case "MPI_Waitany":
		reqs, _ := get(1)
		tindx, _ := get(2)
		pc.Req = splitBracketList(reqs)
		pc.TIndx = []string{tindx}

	case "MPI_Waitsome":
		reqs, _ := get(1)
		tindx, _ := get(3)
		pc.Req = splitBracketList(reqs)
		pc.TIndx = splitBracketList(tindx)

	case "MPI_Test":
		req, _ := get(0)
		flag, _ := get(1)
		status, _ := get(2)
		pc.Req = []string{req}
		pc.ReqFlag = atoiOr(flag, 1) != 0
		pc.Src, pc.RTag = statusToSrcTag(status)
		pc.HasSrc, pc.HasRTag = true, true

	case "MPI_Testall":
		reqs, _ := get(1)
		flag, _ := get(2)
		pc.Req = splitBracketList(reqs)
		pc.ReqFlag = atoiOr(flag, 1) != 0

	case "MPI_Testany":
		reqs, _ := get(1)
		tindx, _ := get(2)
		flag, _ := get(3)
		pc.Req = splitBracketList(reqs)
		pc.TIndx = []string{tindx}
		pc.ReqFlag = atoiOr(flag, 1) != 0

	case "MPI_Testsome":
		reqs, _ := get(1)
		flag, _ := get(2)
		tindx, _ := get(3)
		pc.Req = splitBracketList(reqs)
		pc.TIndx = splitBracketList(tindx)
		pc.ReqFlag = atoiOr(flag, 1) != 0

	case "MPI_Bcast":
		root, _ := get(3)
		comm, _ := get(4)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm

	case "MPI_Ibcast":
		root, _ := get(3)
		comm, _ := get(4)
		req, _ := get(5)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Reduce":
		root, _ := get(5)
		comm, _ := get(6)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm

	case "MPI_Ireduce":
		root, _ := get(5)
		comm, _ := get(6)
		req, _ := get(7)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Gather":
		root, _ := get(6)
		comm, _ := get(7)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm

	case "MPI_Igather":
		root, _ := get(6)
		comm, _ := get(7)
		req, _ := get(8)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Gatherv":
		root, _ := get(7)
		comm, _ := get(8)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm

	case "MPI_Igatherv":
		root, _ := get(7)
		comm, _ := get(8)
		req, _ := get(9)
		pc.Root, pc.HasRoot = atoiOr(root, 0), true
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Barrier":
		comm, _ := get(0)
		pc.Comm = comm

	case "MPI_Alltoall", "MPI_Alltoallv", "MPI_Alltoallw":
		comm, _ := get(6)
		pc.Comm = comm

	case "MPI_Allreduce":
		comm, _ := get(5)
		pc.Comm = comm

	case "MPI_Allgather", "MPI_Allgatherv":
		comm, _ := get(7)
		pc.Comm = comm

	case "MPI_Reduce_scatter", "MPI_Reduce_scatter_block":
		comm, _ := get(5)
		pc.Comm = comm

	case "MPI_File_open":
		comm, _ := get(0)
		req, _ := get(1)
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_File_close", "MPI_File_set_size", "MPI_File_sync",
		"MPI_File_read_all", "MPI_File_read_ordered",
		"MPI_File_write_all", "MPI_File_write_ordered":
		req, _ := get(0)
		pc.Req = []string{req}

	case "MPI_File_read_at_all", "MPI_File_write_at_all":
		req, _ := get(0)
		pc.Req = []string{req}

	case "MPI_File_set_view":
		comm, _ := get(0)
		req, _ := get(2)
		pc.Comm = comm
		pc.Req = []string{req}

	case "MPI_Comm_dup":
		comm, _ := get(1)
		pc.Comm = comm

	case "MPI_Comm_split":
		comm, _ := get(3)
		pc.Comm = comm

	case "MPI_Comm_split_type":
		comm, _ := get(4)
		pc.Comm = comm

	case "MPI_Cart_create":
		comm, _ := get(5)
		pc.Comm = comm

	case "MPI_Cart_sub":
		comm, _ := get(2)
		pc.Comm = comm

	default:
		return nil, false
	}

	if !pc.ReqFlag {
		return nil, false
	}
	return pc, true
}
