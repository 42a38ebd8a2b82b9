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
	"os"
	"path/filepath"
	"time"
)

// ActiveSegment is the single writable tail of a partition: it grows until
// a roll condition fires.
type ActiveSegment struct {
	dir       string
	baseSeq   uint64
	lastSeq   uint64
	hasLast   bool
	createdTS time.Time
	jitter    time.Duration

	dataPath string
	dataFile *os.File
	fileSize int64

	indexPath string
	indexW    *indexWriter

	maxSegmentSize     int64
	curSegmentMaxAge   time.Duration
	maxIndexSize       int64
	indexIntervalBytes int64
}

// createActiveSegment creates or reopens the active segment based at
// baseSeq. jitter is the partition-stable roll jitter computed once by the
// owning PartitionLog.
func createActiveSegment(dir string, baseSeq uint64, createdTS time.Time, jitter time.Duration, cfg PartitionConfig) (*ActiveSegment, error) {
	dataPath := filepath.Join(dir, activeDataName(baseSeq))
	indexPath := filepath.Join(dir, indexName(baseSeq))

	df, err := safeOpen(dataPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ioError("open", dataPath, err)
	}
	fi, err := df.Stat()
	if err != nil {
		df.Close()
		return nil, ioError("stat", dataPath, err)
	}

	idxFile, err := safeOpen(indexPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		df.Close()
		return nil, ioError("open", indexPath, err)
	}
	indexW, err := newIndexWriter(idxFile, baseSeq, cfg.IndexIntervalBytes)
	if err != nil {
		df.Close()
		idxFile.Close()
		return nil, err
	}

	return &ActiveSegment{
		dir:                dir,
		baseSeq:            baseSeq,
		createdTS:          createdTS,
		jitter:             jitter,
		dataPath:           dataPath,
		dataFile:           df,
		fileSize:           fi.Size(),
		indexPath:          indexPath,
		indexW:             indexW,
		maxSegmentSize:     cfg.MaxSegmentSize,
		curSegmentMaxAge:   cfg.CurSegmentMaxAge,
		maxIndexSize:       cfg.MaxIndexSize,
		indexIntervalBytes: cfg.IndexIntervalBytes,
	}, nil
}

// WouldRoll reports whether appending a bundle of nextBundleLen bytes at
// "now" should instead first roll this segment: the segment byte size
// would exceed its cap, its age (plus jitter) would exceed the max, or its
// index would grow past its cap.
func (a *ActiveSegment) WouldRoll(now time.Time, nextBundleLen int64) bool {
	if a.fileSize+nextBundleLen > a.maxSegmentSize {
		return true
	}
	if a.curSegmentMaxAge > 0 && now.Sub(a.createdTS) >= a.curSegmentMaxAge+a.jitter {
		return true
	}
	if a.indexW.sizeBytes()+indexEntrySize > a.maxIndexSize {
		return true
	}
	return false
}

// Append serializes msgs into one bundle and writes it to the data file,
// adding a sparse index entry when due. It returns the bundle's
// [firstSeq, lastSeq] range.
func (a *ActiveSegment) Append(msgs []Message, codec Codec, sparse bool, basePrevTs uint64) (firstSeq, lastSeq uint64, err error) {
	encoded, err := encodeBundle(msgs, codec, sparse, basePrevTs)
	if err != nil {
		return 0, 0, err
	}
	first := msgs[0].SeqNum
	last := msgs[len(msgs)-1].SeqNum
	if err := a.appendEncoded(first, last, encoded); err != nil {
		return 0, 0, err
	}
	return first, last, nil
}

// appendEncoded writes an already-framed bundle (the caller has already run
// encodeBundle, typically to learn its length before deciding whether to
// roll) and records its index entry.
func (a *ActiveSegment) appendEncoded(first, last uint64, encoded []byte) error {
	pos := a.fileSize
	if _, err := a.dataFile.Write(encoded); err != nil {
		return ioError("write", a.dataPath, err)
	}
	if err := a.indexW.maybeAdd(first, pos, int64(len(encoded))); err != nil {
		return err
	}
	a.fileSize += int64(len(encoded))
	a.lastSeq = last
	a.hasLast = true
	return nil
}

// Scan reads the active segment's already-written bytes sequentially
// (there is no mmap while the segment is still open for writing) and
// invokes visit for every message in order. Returns true if the visitor
// requested a stop.
func (a *ActiveSegment) Scan(visit func(Message) bool) (bool, error) {
	if a.fileSize == 0 {
		return false, nil
	}
	buf := make([]byte, a.fileSize)
	if _, err := a.dataFile.ReadAt(buf, 0); err != nil {
		return false, ioError("read", a.dataPath, err)
	}
	pos := int64(0)
	expectSeq := a.baseSeq
	for pos < int64(len(buf)) {
		bundle, n, err := decodeBundle(buf[pos:], expectSeq)
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

// FileSize returns the active segment's current data file size.
func (a *ActiveSegment) FileSize() int64 { return a.fileSize }

// BaseSeq returns the first sequence number this segment may hold.
func (a *ActiveSegment) BaseSeq() uint64 { return a.baseSeq }

// LastSeq and HasMessages report the highest sequence number appended so
// far, if any.
func (a *ActiveSegment) LastSeq() uint64     { return a.lastSeq }
func (a *ActiveSegment) HasMessages() bool   { return a.hasLast }
func (a *ActiveSegment) CreatedTS() time.Time { return a.createdTS }

// DataFd and IndexFd expose the raw descriptors the flush worker durably
// flushes.
func (a *ActiveSegment) DataFd() *os.File  { return a.dataFile }
func (a *ActiveSegment) IndexFd() *os.File { return a.indexW.file }

// Seal renames the active data file to its sealed RO form
// ("<baseSeq>-<lastSeq>_<createdTS>.ilog") atomically and closes both
// files, returning the sealed path and the segment's final range. Sealing
// an active segment with no messages written is a programming error.
func (a *ActiveSegment) Seal() (dataPath string, baseSeq, lastSeq uint64, createdTS time.Time, err error) {
	if !a.hasLast {
		return "", 0, 0, time.Time{}, rangeViolation("I5", "sealing an empty active segment")
	}
	sealedPath := filepath.Join(a.dir, sealedDataName(a.baseSeq, a.lastSeq, a.createdTS))
	if err := a.dataFile.Sync(); err != nil {
		return "", 0, 0, time.Time{}, ioError("fsync", a.dataPath, err)
	}
	if err := a.indexW.file.Sync(); err != nil {
		return "", 0, 0, time.Time{}, ioError("fsync", a.indexPath, err)
	}
	if err := os.Rename(a.dataPath, sealedPath); err != nil {
		return "", 0, 0, time.Time{}, ioError("rename", a.dataPath, err)
	}
	closeErr := a.dataFile.Close()
	if err := a.indexW.close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		return "", 0, 0, time.Time{}, closeErr
	}
	return sealedPath, a.baseSeq, a.lastSeq, a.createdTS, nil
}

// Close releases the active segment's file handles without sealing it
// (used when shutting down a partition whose active segment is not yet
// full).
func (a *ActiveSegment) Close() error {
	var firstErr error
	if err := a.dataFile.Close(); err != nil {
		firstErr = err
	}
	if err := a.indexW.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
