// Package intervals reconstructs per-(rank,file) byte-offset intervals
// and open/close segments from a decoded trace.
package intervals

import (
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/standardbeagle/verifyio/internal/config"
	"github.com/standardbeagle/verifyio/internal/trace"
	"github.com/standardbeagle/verifyio/internal/types"
	"github.com/standardbeagle/verifyio/internal/vioerrors"
)

// Interval is one data call's reconstructed byte range.
type Interval struct {
	Rank    types.Rank
	Seq     types.SeqIndex
	Func    string
	Path    string
	Offset  int64
	Length  int64
	IsRead  bool
	Segment int
}

// Segment is a per-(rank,file) open/close lifetime.
type Segment struct {
	ID     int
	Rank   types.Rank
	Path   string
	Open   bool
}

type fdKey struct {
	rank   types.Rank
	fileID int
}

// Reconstructor holds the mutable state of the single reconstruction
// pass: per-(rank,fd) position/EOF, a global commit map keyed by path,
// and the currently open segment per (rank,fd).
type Reconstructor struct {
	cfg *config.Config

	position map[fdKey]int64
	localEOF map[fdKey]int64
	fdPath   map[fdKey]string
	append_  map[fdKey]bool

	commit map[string]int64

	openSeg  map[fdKey]*Segment
	segments []*Segment
	nextSeg  int

	warnings *vioerrors.WarningCollector

	Intervals []Interval
}

// New returns a reconstructor; cfg controls the "new segment on remote
// close" policy (default ON) and extra exclude globs.
func New(cfg *config.Config, warnings *vioerrors.WarningCollector) *Reconstructor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Reconstructor{
		cfg:      cfg,
		position: make(map[fdKey]int64),
		localEOF: make(map[fdKey]int64),
		fdPath:   make(map[fdKey]string),
		append_:  make(map[fdKey]bool),
		commit:   make(map[string]int64),
		openSeg:  make(map[fdKey]*Segment),
		warnings: warnings,
	}
}

type taggedRecord struct {
	rank types.Rank
	seq  types.SeqIndex
	rec  trace.Record
	name string
}

// Build runs the full reconstruction pass over every rank's decoded
// records, merged in non-decreasing tstart order with (rank, seq) as a
// tiebreak, and returns the retained data-call intervals.
func Build(tr *trace.Trace, cfg *config.Config, warnings *vioerrors.WarningCollector) []Interval {
	r := New(cfg, warnings)

	fileMaps := make([]map[int]string, len(tr.Ranks))
	for rank, rm := range tr.Ranks {
		if rm == nil {
			continue
		}
		m := make(map[int]string, len(rm.Files))
		for _, fi := range rm.Files {
			m[int(fi.ID)] = fi.Path
		}
		fileMaps[rank] = m
	}

	var merged []taggedRecord
	for rank, recs := range tr.Records {
		for seq, rec := range recs {
			name, ok := tr.FuncName(rec.FuncID)
			if !ok {
				continue
			}
			merged = append(merged, taggedRecord{rank: types.Rank(rank), seq: types.SeqIndex(seq), rec: rec, name: name})
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].rec.TStart < merged[j].rec.TStart
	})

	for _, tr := range merged {
		if strings.Contains(tr.name, "MPI") || strings.Contains(tr.name, "H5") {
			continue
		}
		fm := fileMaps[tr.rank]
		r.handleMetadata(tr, fm)
		if iv, ok := r.handleData(tr, fm); ok {
			r.Intervals = append(r.Intervals, iv)
		}
	}
	return r.Intervals
}

func atoiOr(s string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func (r *Reconstructor) resolvePath(fm map[int]string, idStr string) (string, int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil {
		return "", 0, false
	}
	path, ok := fm[id]
	if !ok {
		return "", 0, false
	}
	return path, id, true
}

func isAppendFlagSet(flagArg string) bool {
	if strings.ContainsAny(flagArg, "aA") && len(flagArg) <= 3 {
		return true // fopen-style mode string, e.g. "a", "a+"
	}
	v := atoiOr(flagArg, 0)
	const oAppend = 0x400
	return v&oAppend != 0
}

func (r *Reconstructor) handleMetadata(t taggedRecord, fm map[int]string) {
	name, args := t.name, t.rec.Args
	switch {
	case strings.Contains(name, "fopen"), strings.Contains(name, "fdopen"), strings.Contains(name, "open"):
		if len(args) < 1 {
			return
		}
		path, id, ok := r.resolvePath(fm, args[0])
		if !ok {
			return
		}
		key := fdKey{rank: t.rank, fileID: id}
		r.fdPath[key] = path

		appendMode := len(args) > 1 && isAppendFlagSet(args[1])
		r.append_[key] = appendMode
		if appendMode {
			start := r.localEOF[key]
			if c := r.commit[path]; c > start {
				start = c
			}
			r.position[key] = start
		} else {
			r.position[key] = 0
		}
		r.openSegment(t.rank, path, key)

	case strings.Contains(name, "seek"):
		if len(args) < 3 {
			return
		}
		path, id, ok := r.resolvePath(fm, args[0])
		if !ok {
			return
		}
		key := fdKey{rank: t.rank, fileID: id}
		offset := atoiOr(args[1], 0)
		whence := atoiOr(args[2], 0)
		switch whence {
		case 0: // SEEK_SET
			r.position[key] = offset
		case 1: // SEEK_CUR
			r.position[key] += offset
		case 2: // SEEK_END
			end := r.localEOF[key]
			if c := r.commit[path]; c > end {
				end = c
			}
			r.position[key] = end + offset
		}

	case strings.Contains(name, "fclose"), strings.Contains(name, "close"), strings.Contains(name, "fsync"):
		if len(args) < 1 {
			return
		}
		path, id, ok := r.resolvePath(fm, args[0])
		if !ok {
			if r.warnings != nil {
				fdNum := int(atoiOr(args[0], -1))
				r.warnings.Add(vioerrors.KindUnknownFD, &vioerrors.UnknownFDError{Rank: int(t.rank), FD: fdNum, Func: name})
			}
			return
		}
		key := fdKey{rank: t.rank, fileID: id}
		if eof := r.localEOF[key]; eof > r.commit[path] {
			r.commit[path] = eof
		}
		r.closeSegment(t.rank, path)
		if r.cfg.RemoteSegmentsOnClose {
			r.reopenRemoteSegments(path, t.rank)
		}
	}
}

func (r *Reconstructor) openSegment(rank types.Rank, path string, key fdKey) {
	seg := &Segment{ID: r.nextSeg, Rank: rank, Path: path, Open: true}
	r.nextSeg++
	r.openSeg[key] = seg
	r.segments = append(r.segments, seg)
}

func (r *Reconstructor) closeSegment(rank types.Rank, path string) {
	for key, seg := range r.openSeg {
		if key.rank == rank && seg.Path == path && seg.Open {
			seg.Open = false
			delete(r.openSeg, key)
		}
	}
}

// reopenRemoteSegments starts a fresh segment for every other rank that
// still has path open, broadening session visibility.
func (r *Reconstructor) reopenRemoteSegments(path string, closingRank types.Rank) {
	for key := range r.openSeg {
		if key.rank != closingRank && r.fdPath[key] == path {
			r.openSegment(key.rank, path, key)
		}
	}
}

func (r *Reconstructor) handleData(t taggedRecord, fm map[int]string) (Interval, bool) {
	name, args := t.name, t.rec.Args
	var id int
	var ok bool
	var offset, length int64
	isRead := strings.Contains(name, "read")

	switch {
	case strings.Contains(name, "writev"), strings.Contains(name, "readv"):
		if len(args) < 2 {
			return Interval{}, false
		}
		_, id, ok = r.resolvePath(fm, args[0])
		length = atoiOr(args[1], 0)
	case strings.Contains(name, "fwrite"), strings.Contains(name, "fread"), strings.Contains(name, "fprintf"):
		if len(args) < 4 {
			return Interval{}, false
		}
		_, id, ok = r.resolvePath(fm, args[3])
		size := atoiOr(args[1], 0)
		count := atoiOr(args[2], 0)
		length = size * count
	case strings.Contains(name, "pwrite"), strings.Contains(name, "pread"):
		if len(args) < 4 {
			return Interval{}, false
		}
		_, id, ok = r.resolvePath(fm, args[0])
		length = atoiOr(args[2], 0)
		offset = atoiOr(args[3], 0)
	case strings.Contains(name, "write"), strings.Contains(name, "read"):
		if len(args) < 3 {
			return Interval{}, false
		}
		_, id, ok = r.resolvePath(fm, args[0])
		length = atoiOr(args[2], 0)
	default:
		return Interval{}, false
	}

	if !ok {
		if r.warnings != nil {
			fdNum := 0
			if len(args) > 0 {
				fdNum = int(atoiOr(args[0], -1))
			}
			r.warnings.Add(vioerrors.KindUnknownFD, &vioerrors.UnknownFDError{Rank: int(t.rank), FD: fdNum, Func: name})
		}
		return Interval{}, false
	}

	key := fdKey{rank: t.rank, fileID: id}
	path := r.fdPath[key]
	if path == "" {
		path = fm[id]
	}
	if excluded(path, r.cfg.ExcludePatterns) {
		return Interval{}, false
	}

	switch {
	case strings.Contains(name, "pwrite"), strings.Contains(name, "pread"):
		// offset/length already resolved from args; position is untouched.
	default:
		offset = r.position[key]
		r.position[key] += length
	}

	if end := offset + length; end > r.localEOF[key] {
		r.localEOF[key] = end
	}

	seg := -1
	if s, ok := r.openSeg[key]; ok {
		seg = s.ID
	}

	return Interval{
		Rank:    t.rank,
		Seq:     t.seq,
		Func:    name,
		Path:    path,
		Offset:  offset,
		Length:  length,
		IsRead:  isRead,
		Segment: seg,
	}, true
}

var standardStreams = map[string]bool{"stdin": true, "stdout": true, "stderr": true}

// excluded implements the built-in path-filtering policy (/sys, /dev,
// /proc, /etc, and pipe: paths), extended with caller-supplied
// doublestar glob patterns.
func excluded(path string, patterns []string) bool {
	if path == "" {
		return true
	}
	if standardStreams[path] {
		return true
	}
	if strings.HasPrefix(path, "/sys/") || strings.HasPrefix(path, "/dev") ||
		strings.HasPrefix(path, "/proc") || strings.HasPrefix(path, "/etc/") {
		return true
	}
	if strings.Contains(path, "pipe:") {
		return true
	}
	for _, pat := range patterns {
		if match, err := doublestar.Match(pat, path); err == nil && match {
			return true
		}
	}
	return false
}
