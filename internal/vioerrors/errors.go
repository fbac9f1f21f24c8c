// Package vioerrors defines the typed error/warning kinds raised during
// decode, matching, and verification, plus a collector for the warning
// counts the CLI prints in its trailing summary line.
package vioerrors

import (
	"fmt"
	"sync"
)

// Kind identifies one of the error/warning categories below.
type Kind string

const (
	KindMalformedRecord     Kind = "malformed_record"
	KindUnknownFunctionID   Kind = "unknown_function_id"
	KindUnknownCommunicator Kind = "unknown_communicator"
	KindUnmatchedSend       Kind = "unmatched_send"
	KindUnmatchedCollective Kind = "unmatched_collective"
	KindUnknownFD           Kind = "unknown_fd"
	KindBadConflictLine     Kind = "bad_conflict_line"
)

// MalformedRecordError stops decoding of the rank it occurred on.
// DecodeTraceDir returns it as the error for the whole trace, so no
// rank's records are returned.
type MalformedRecordError struct {
	Rank       int
	RecordSeq  int
	Underlying error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record in rank %d at seq %d: %v", e.Rank, e.RecordSeq, e.Underlying)
}

func (e *MalformedRecordError) Unwrap() error { return e.Underlying }

// UnknownFunctionIDError is a warning: the offending call is ignored.
type UnknownFunctionIDError struct {
	Rank   int
	FuncID uint8
}

func (e *UnknownFunctionIDError) Error() string {
	return fmt.Sprintf("rank %d: unknown function id %d", e.Rank, e.FuncID)
}

// UnknownCommunicatorError is a warning: lookups fall back to identity.
type UnknownCommunicatorError struct {
	CommID string
}

func (e *UnknownCommunicatorError) Error() string {
	return fmt.Sprintf("unknown communicator %q, falling back to identity mapping", e.CommID)
}

// UnmatchedSendError is a warning: no synchronization edge is added.
// Rank is a plain int here (rather than types.Rank) to keep this
// package free of a dependency on internal/types.
type UnmatchedSendError struct {
	Rank int
	Seq  int
	Func string
}

func (e *UnmatchedSendError) Error() string {
	return fmt.Sprintf("rank %d: %s at seq %d has no matching receive", e.Rank, e.Func, e.Seq)
}

// UnmatchedCollectiveError is a warning: no synchronization edge is added
// for the stranded participant.
type UnmatchedCollectiveError struct {
	Func string
	Key  string
	Rank int
}

func (e *UnmatchedCollectiveError) Error() string {
	return fmt.Sprintf("rank %d: %s (key %s) never matched by all participants", e.Rank, e.Func, e.Key)
}

// UnknownFDError drops the single offending data record.
type UnknownFDError struct {
	Rank int
	FD   int
	Func string
}

func (e *UnknownFDError) Error() string {
	return fmt.Sprintf("rank %d: %s references unopened fd %d", e.Rank, e.Func, e.FD)
}

// BadConflictLineError skips the offending line of the conflict list.
type BadConflictLineError struct {
	Line       int
	Text       string
	Underlying error
}

func (e *BadConflictLineError) Error() string {
	return fmt.Sprintf("bad conflict line %d (%q): %v", e.Line, e.Text, e.Underlying)
}

func (e *BadConflictLineError) Unwrap() error { return e.Underlying }

// WarningCollector accumulates non-fatal diagnostics by kind, keeping a
// running set of ignored/failed calls instead of discarding them
// silently, for the CLI's trailing summary.
type WarningCollector struct {
	mu       sync.Mutex
	counts   map[Kind]int
	examples map[Kind][]string
}

// NewWarningCollector returns an empty collector.
func NewWarningCollector() *WarningCollector {
	return &WarningCollector{
		counts:   make(map[Kind]int),
		examples: make(map[Kind][]string),
	}
}

// maxExamples bounds how many example messages are kept per kind.
const maxExamples = 5

// Add records one occurrence of kind, keeping a small sample of messages.
func (w *WarningCollector) Add(kind Kind, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts[kind]++
	if len(w.examples[kind]) < maxExamples {
		w.examples[kind] = append(w.examples[kind], err.Error())
	}
}

// Count returns how many warnings of kind were recorded.
func (w *WarningCollector) Count(kind Kind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[kind]
}

// Total returns the total number of warnings across all kinds.
func (w *WarningCollector) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, c := range w.counts {
		total += c
	}
	return total
}

// Summary returns a stable, human-readable per-kind breakdown.
func (w *WarningCollector) Summary() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	order := []Kind{
		KindMalformedRecord, KindUnknownFunctionID, KindUnknownCommunicator,
		KindUnmatchedSend, KindUnmatchedCollective, KindUnknownFD, KindBadConflictLine,
	}
	var lines []string
	for _, k := range order {
		if c := w.counts[k]; c > 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", k, c))
		}
	}
	return lines
}

// Examples returns the sampled messages recorded for kind.
func (w *WarningCollector) Examples(kind Kind) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.examples[kind]))
	copy(out, w.examples[kind])
	return out
}
