// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tysonmote/gommap"
)

const segmentDataSuffix = ".ilog"
const segmentIndexSuffix = ".index"

// sealedDataName returns the filename of a sealed (RO) segment's data file:
// "<baseSeq>-<lastSeq>_<createdTS>.ilog".
func sealedDataName(baseSeq, lastSeq uint64, createdTS time.Time) string {
	return fmt.Sprintf("%020d-%020d_%d%s", baseSeq, lastSeq, createdTS.UnixNano(), segmentDataSuffix)
}

// activeDataName returns the filename of the active segment's data file:
// "<baseSeq>.ilog".
func activeDataName(baseSeq uint64) string {
	return fmt.Sprintf("%020d%s", baseSeq, segmentDataSuffix)
}

func indexName(baseSeq uint64) string {
	return fmt.Sprintf("%020d%s", baseSeq, segmentIndexSuffix)
}

func wideIndexName(baseSeq uint64) string {
	return fmt.Sprintf("%020d%s", baseSeq, wideIndexSuffix)
}

// parseSealedDataName extracts baseSeq/lastSeq/createdTS from a sealed
// segment's file name, or ok=false if name does not match that form.
func parseSealedDataName(name string) (baseSeq, lastSeq uint64, createdTS time.Time, ok bool) {
	if !strings.HasSuffix(name, segmentDataSuffix) {
		return 0, 0, time.Time{}, false
	}
	stem := strings.TrimSuffix(name, segmentDataSuffix)
	parts := strings.SplitN(stem, "_", 2)
	if len(parts) != 2 {
		return 0, 0, time.Time{}, false
	}
	rangePart, tsPart := parts[0], parts[1]
	rangeFields := strings.SplitN(rangePart, "-", 2)
	if len(rangeFields) != 2 {
		return 0, 0, time.Time{}, false
	}
	base, err := strconv.ParseUint(rangeFields[0], 10, 64)
	if err != nil {
		return 0, 0, time.Time{}, false
	}
	last, err := strconv.ParseUint(rangeFields[1], 10, 64)
	if err != nil {
		return 0, 0, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, time.Time{}, false
	}
	return base, last, time.Unix(0, nanos), true
}

// ROSegment is an immutable, fully-written segment: its data, its index,
// and the [baseSeq, lastSeq] range it covers.
type ROSegment struct {
	dir       string
	baseSeq   uint64
	lastSeq   uint64
	createdTS time.Time
	dataPath  string
	indexPath string

	dataFD   *fdHandle
	dataMM   gommap.MMap
	fileSize int64

	index *roIndex
}

// openROSegment opens an already-sealed segment's files, mmaps its data
// (advice MADV_DONTDUMP) and its index, rebuilding the index from the data
// file if it is missing or zero-length, as happens after a crash between
// writing the data and flushing its index.
func openROSegment(dir string, baseSeq, lastSeq uint64, createdTS time.Time, indexIntervalBytes int64) (*ROSegment, error) {
	dataPath := filepath.Join(dir, sealedDataName(baseSeq, lastSeq, createdTS))
	indexPath := filepath.Join(dir, indexName(baseSeq))
	widePath := filepath.Join(dir, wideIndexName(baseSeq))

	if _, err := os.Stat(widePath); err == nil {
		return nil, rangeViolation("wide-index", widePath+": "+ErrWideIndexUnsupported.Error())
	}

	f, err := safeOpen(dataPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, ioError("open", dataPath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat", dataPath, err)
	}
	fileSize := fi.Size()

	var mm gommap.MMap
	if fileSize > 0 {
		mm, err = gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, ioError("mmap", dataPath, err)
		}
		adviseDontDump(mm)
	}

	seg := &ROSegment{
		dir:       dir,
		baseSeq:   baseSeq,
		lastSeq:   lastSeq,
		createdTS: createdTS,
		dataPath:  dataPath,
		indexPath: indexPath,
		dataFD:    newFdHandle(f),
		dataMM:    mm,
		fileSize:  fileSize,
	}

	if err := seg.loadOrRebuildIndex(indexIntervalBytes); err != nil {
		seg.Close()
		return nil, err
	}
	return seg, nil
}

func (s *ROSegment) loadOrRebuildIndex(indexIntervalBytes int64) error {
	fi, statErr := os.Stat(s.indexPath)
	needsRebuild := statErr != nil || fi.Size() == 0
	if !needsRebuild {
		idx, err := openROIndex(s.indexPath, s.baseSeq)
		if err != nil {
			return err
		}
		s.index = idx
		return nil
	}

	entries, lastSeq, err := rebuildIndex(s.dataPath, s.baseSeq, indexIntervalBytes)
	if err != nil {
		return err
	}
	if lastSeq != 0 && lastSeq != s.lastSeq && s.fileSize > 0 {
		return rangeViolation("I5", fmt.Sprintf("rebuilt lastSeq %d does not match filename lastSeq %d", lastSeq, s.lastSeq))
	}
	if err := writeIndexFile(s.indexPath, entries); err != nil {
		return err
	}
	idx, err := openROIndex(s.indexPath, s.baseSeq)
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}

func writeIndexFile(path string, entries []IndexEntry) error {
	buf := make([]byte, 0, len(entries)*indexEntrySize)
	for _, e := range entries {
		var tmp [indexEntrySize]byte
		putIndexEntry(tmp[:], e)
		buf = append(buf, tmp[:]...)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return ioError("write", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ioError("rename", path, err)
	}
	return nil
}

func putIndexEntry(dst []byte, e IndexEntry) {
	dst[0] = byte(e.RelSeq)
	dst[1] = byte(e.RelSeq >> 8)
	dst[2] = byte(e.RelSeq >> 16)
	dst[3] = byte(e.RelSeq >> 24)
	dst[4] = byte(e.AbsPhysical)
	dst[5] = byte(e.AbsPhysical >> 8)
	dst[6] = byte(e.AbsPhysical >> 16)
	dst[7] = byte(e.AbsPhysical >> 24)
}

// BaseSeq, LastSeq and FileSize expose the segment's immutable range and
// size to the owning PartitionLog.
func (s *ROSegment) BaseSeq() uint64  { return s.baseSeq }
func (s *ROSegment) LastSeq() uint64  { return s.lastSeq }
func (s *ROSegment) FileSize() int64 { return s.fileSize }

// Close releases the segment's mmap'd regions and file descriptor.
func (s *ROSegment) Close() error {
	var firstErr error
	if s.index != nil {
		if err := s.index.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.dataMM != nil {
		if err := s.dataMM.UnsafeUnmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.dataFD.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Find locates the bundle whose range contains targetSeq: a binary search
// over the sparse index narrows to a starting offset, then a linear scan
// forward over bundles lands on the exact one. Returns the bundle's
// absolute byte offset.
func (s *ROSegment) Find(targetSeq uint64) (int64, error) {
	if targetSeq < s.baseSeq || targetSeq > s.lastSeq {
		return 0, ErrOffsetOutOfRange
	}
	pos := int64(0)
	expectSeq := s.baseSeq
	if s.index != nil {
		entry := s.index.find(targetSeq)
		pos = int64(entry.AbsPhysical)
		expectSeq = s.baseSeq + uint64(entry.RelSeq)
	}
	for pos < s.fileSize {
		bundle, n, err := decodeBundle(s.dataMM[pos:], expectSeq)
		if err != nil {
			return 0, err
		}
		if targetSeq >= bundle.FirstSeq && targetSeq <= bundle.LastSeq {
			return pos, nil
		}
		expectSeq = bundle.LastSeq + 1
		pos += int64(n)
	}
	return 0, ErrOffsetOutOfRange
}

// ForEachMsg scans the segment sequentially, advising MADV_SEQUENTIAL for
// the duration of the scan, invoking visit for every message in order.
// Returns true if the visitor requested a stop.
func (s *ROSegment) ForEachMsg(visit func(Message) bool) (bool, error) {
	if s.fileSize == 0 {
		return false, nil
	}
	adviseSequential(s.dataMM)
	defer adviseDontDump(s.dataMM)

	pos := int64(0)
	expectSeq := s.baseSeq
	for pos < s.fileSize {
		bundle, n, err := decodeBundle(s.dataMM[pos:], expectSeq)
		if err != nil {
			return false, err
		}
		for _, m := range bundle.Messages {
			if !visit(m) {
				return true, nil
			}
		}
		expectSeq = bundle.LastSeq + 1
		pos += int64(n)
	}
	return false, nil
}
