package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// GlobalMetadata is the trace directory's recorder.mt.
type GlobalMetadata struct {
	TimeResolution  float64
	TotalRanks      int
	CompressionMode int
	WindowSize      int
	// Funcs is indexed by FuncID. Names whose prefix is "PMPI" are
	// canonicalized to "MPI" on load.
	Funcs []string
}

// globalHeaderSize is the on-disk header before the function name list:
// 8 (double) + 4 + 4 + 4 = 20 meaningful bytes, padded to 24.
const globalHeaderSize = 24

// ReadGlobalMetadata reads and parses recorder.mt.
func ReadGlobalMetadata(path string) (*GlobalMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read global metadata: %w", err)
	}
	if len(data) < globalHeaderSize {
		return nil, fmt.Errorf("global metadata %s too short: %d bytes", path, len(data))
	}

	gm := &GlobalMetadata{}
	gm.TimeResolution = math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))
	gm.TotalRanks = int(int32(binary.LittleEndian.Uint32(data[8:12])))
	gm.CompressionMode = int(int32(binary.LittleEndian.Uint32(data[12:16])))
	gm.WindowSize = int(int32(binary.LittleEndian.Uint32(data[16:20])))

	names := strings.Split(string(data[globalHeaderSize:]), "\n")
	gm.Funcs = make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimRight(n, "\r")
		if n == "" {
			continue
		}
		gm.Funcs = append(gm.Funcs, canonicalizeFuncName(n))
	}
	return gm, nil
}

func canonicalizeFuncName(name string) string {
	if strings.HasPrefix(name, "PMPI") {
		return "MPI" + name[len("PMPI"):]
	}
	return name
}

// FileInfo describes one file a rank accessed, from its metadata record.
type FileInfo struct {
	ID   int32
	Size int64
	Path string
}

// RankMetadata is one rank's <r>.mt file.
type RankMetadata struct {
	TStart, TEnd   float64
	NumFiles       int32
	TotalRecords   int32
	FunctionCounts [256]int32
	Files          []FileInfo
}

func ReadRankMetadata(path string) (*RankMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read rank metadata: %w", err)
	}
	defer f.Close()

	rm := &RankMetadata{}
	var header [16 + 8 + 16 + 256*4]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("read rank metadata header %s: %w", path, err)
	}

	rm.TStart = math.Float64frombits(binary.LittleEndian.Uint64(header[0:8]))
	rm.TEnd = math.Float64frombits(binary.LittleEndian.Uint64(header[8:16]))
	rm.NumFiles = int32(binary.LittleEndian.Uint32(header[16:20]))
	rm.TotalRecords = int32(binary.LittleEndian.Uint32(header[20:24]))
	// header[24:40] is the skipped legacy pointer pair.
	countsOff := 40
	for i := 0; i < 256; i++ {
		off := countsOff + i*4
		rm.FunctionCounts[i] = int32(binary.LittleEndian.Uint32(header[off : off+4]))
	}

	rm.Files = make([]FileInfo, 0, rm.NumFiles)
	for i := int32(0); i < rm.NumFiles; i++ {
		var entryHdr [4 + 8 + 4]byte
		if _, err := io.ReadFull(f, entryHdr[:]); err != nil {
			return nil, fmt.Errorf("read file map entry %d of %s: %w", i, path, err)
		}
		id := int32(binary.LittleEndian.Uint32(entryHdr[0:4]))
		size := int64(binary.LittleEndian.Uint64(entryHdr[4:12]))
		nameLen := int32(binary.LittleEndian.Uint32(entryHdr[12:16]))
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(f, nameBuf); err != nil {
			return nil, fmt.Errorf("read file map name %d of %s: %w", i, path, err)
		}
		rm.Files = append(rm.Files, FileInfo{ID: id, Size: size, Path: string(nameBuf)})
	}
	return rm, nil
}
