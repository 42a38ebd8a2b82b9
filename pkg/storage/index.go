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
	"encoding/binary"
	"os"
	"sort"
	"strings"

	"github.com/tysonmote/gommap"
)

// wideIndexSuffix names the reserved 64-bit index form. It is rejected
// outright rather than partially supported.
const wideIndexSuffix = "_64.index"

func isWideIndexPath(path string) bool {
	return strings.HasSuffix(path, wideIndexSuffix)
}

// indexWriter is the active segment's in-process, file-backed sparse index.
// Unlike a sealed segment's index it is never mmap'd — it is only safe to
// map an index read-only once writing to it has finished.
type indexWriter struct {
	file            *os.File
	baseSeq         uint64
	intervalBytes   int64
	size            int64
	bytesSinceEntry int64
	last            IndexEntry
	hasLast         bool
}

func newIndexWriter(f *os.File, baseSeq uint64, intervalBytes int64) (*indexWriter, error) {
	if intervalBytes <= 0 {
		intervalBytes = 1
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, ioError("stat", f.Name(), err)
	}
	w := &indexWriter{file: f, baseSeq: baseSeq, intervalBytes: intervalBytes, size: fi.Size()}
	if fi.Size() > 0 {
		entries, err := readIndexEntries(f, fi.Size())
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			w.last = entries[len(entries)-1]
			w.hasLast = true
		}
	}
	return w, nil
}

// maybeAdd records bytesWritten bytes as having been appended to the data
// file at absPhysical for seq, and appends a new sparse index entry once
// intervalBytes have accumulated since the last one (or this is the very
// first bundle in the segment).
func (w *indexWriter) maybeAdd(seq uint64, absPhysical int64, bytesWritten int64) error {
	w.bytesSinceEntry += bytesWritten
	if w.hasLast && w.bytesSinceEntry < w.intervalBytes {
		return nil
	}
	entry := IndexEntry{RelSeq: uint32(seq - w.baseSeq), AbsPhysical: uint32(absPhysical)}
	var buf [indexEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], entry.RelSeq)
	binary.LittleEndian.PutUint32(buf[4:8], entry.AbsPhysical)
	if _, err := w.file.Write(buf[:]); err != nil {
		return ioError("write", w.file.Name(), err)
	}
	w.size += indexEntrySize
	w.last = entry
	w.hasLast = true
	w.bytesSinceEntry = 0
	return nil
}

func (w *indexWriter) sizeBytes() int64 { return w.size }

func (w *indexWriter) lastRecorded() (IndexEntry, bool) { return w.last, w.hasLast }

func (w *indexWriter) close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// roIndex is a sealed segment's sparse index, memory-mapped read-only.
type roIndex struct {
	file    *os.File
	mm      gommap.MMap
	baseSeq uint64
	entries []IndexEntry
	last    IndexEntry
	hasLast bool
}

// openROIndex mmaps path (already-written, fixed-size) as a read-only
// index for the segment based at baseSeq.
func openROIndex(path string, baseSeq uint64) (*roIndex, error) {
	if isWideIndexPath(path) {
		return nil, rangeViolation("wide-index", path+": "+ErrWideIndexUnsupported.Error())
	}
	f, err := safeOpen(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat", path, err)
	}
	idx := &roIndex{file: f, baseSeq: baseSeq}
	if fi.Size() == 0 {
		// A missing or zero-length index is rebuilt by the caller before
		// openROIndex is used; an already-zero file here is treated as an
		// empty index rather than an error.
		return idx, nil
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ioError("mmap", path, err)
	}
	adviseDontDump(mm)
	idx.mm = mm
	entries, err := decodeIndexEntries(mm)
	if err != nil {
		mm.UnsafeUnmap()
		f.Close()
		return nil, err
	}
	idx.entries = entries
	if len(entries) > 0 {
		idx.last = entries[len(entries)-1]
		idx.hasLast = true
	}
	return idx, nil
}

func (idx *roIndex) close() error {
	if idx.mm != nil {
		if err := idx.mm.UnsafeUnmap(); err != nil {
			idx.file.Close()
			return ioError("munmap", idx.file.Name(), err)
		}
	}
	return idx.file.Close()
}

func (idx *roIndex) lastRecorded() (IndexEntry, bool) { return idx.last, idx.hasLast }

// find returns the index entry with the largest absPhysical whose relSeq is
// <= targetSeq-baseSeq. If targetSeq precedes every entry (or there are
// none), it returns the zero entry — callers fall back to scanning from the
// start of the data file.
func (idx *roIndex) find(targetSeq uint64) IndexEntry {
	if len(idx.entries) == 0 || targetSeq < idx.baseSeq {
		return IndexEntry{}
	}
	rel := uint32(targetSeq - idx.baseSeq)
	entries := idx.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].RelSeq > rel })
	if i == 0 {
		return IndexEntry{}
	}
	return entries[i-1]
}

func decodeIndexEntries(buf []byte) ([]IndexEntry, error) {
	if len(buf)%indexEntrySize != 0 {
		return nil, rangeViolation("I3", "index file size is not a multiple of entry width")
	}
	n := len(buf) / indexEntrySize
	entries := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		off := i * indexEntrySize
		entries[i] = IndexEntry{
			RelSeq:      binary.LittleEndian.Uint32(buf[off : off+4]),
			AbsPhysical: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
	}
	return entries, nil
}

func readIndexEntries(f *os.File, size int64) ([]IndexEntry, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, ioError("read", f.Name(), err)
	}
	return decodeIndexEntries(buf)
}

// rebuildIndex scans a data file's bundles from scratch and returns the
// sparse index entries that would have been produced had the index not
// been lost, emitting an entry at every intervalBytes of data. It also
// returns the last sequence number observed, needed by the caller to
// re-derive the segment's range.
func rebuildIndex(dataPath string, baseSeq uint64, intervalBytes int64) ([]IndexEntry, uint64, error) {
	if intervalBytes <= 0 {
		intervalBytes = 1
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, baseSeq, ioError("read", dataPath, err)
	}
	if len(data) == 0 {
		// A present-but-empty data file has no bundles to rebuild from yet.
		return nil, baseSeq, nil
	}

	var entries []IndexEntry
	var bytesSinceEntry int64
	pos := 0
	lastSeq := baseSeq
	expectSeq := baseSeq
	for pos < len(data) {
		bundle, n, err := decodeBundle(data[pos:], expectSeq)
		if err != nil {
			return nil, 0, err
		}
		if bundle.FirstSeq != expectSeq {
			return nil, 0, rangeViolation("I2", "bundle firstSeq does not follow prior bundle")
		}
		bytesSinceEntry += int64(n)
		if len(entries) == 0 || bytesSinceEntry >= intervalBytes {
			entries = append(entries, IndexEntry{
				RelSeq:      uint32(bundle.FirstSeq - baseSeq),
				AbsPhysical: uint32(pos),
			})
			bytesSinceEntry = 0
		}
		lastSeq = bundle.LastSeq
		expectSeq = bundle.LastSeq + 1
		pos += n
	}
	return entries, lastSeq, nil
}
