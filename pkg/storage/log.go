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
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PartitionLog is the single-threaded owner of one partition's segments: an
// ordered list of sealed RO segments followed by one writable active
// segment. All of its exported methods are meant to be called from the
// partition's event-loop goroutine only; it holds a mutex purely to let the
// passive cache (pkg/cache) and the background flush worker observe its
// state without racing the loop.
type PartitionLog struct {
	mu sync.Mutex

	dir    string
	topic  string
	partID int32
	cfg    PartitionConfig
	logger *slog.Logger

	flusher *FlushWorker
	flush   flushState

	firstAvailableSeqNum uint64
	firstDirtyOffset     uint64
	roSegments           []*ROSegment
	cur                  *ActiveSegment

	jitter     time.Duration
	compacting bool
}

// OpenPartitionLog scans dir for existing segment files, rebuilding any
// missing/zero-length indexes, and opens (or creates) the partition's
// active segment.
func OpenPartitionLog(dir, topic string, partID int32, cfg PartitionConfig, flusher *FlushWorker, now time.Time) (*PartitionLog, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioError("mkdir", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("readdir", dir, err)
	}

	type sealedMeta struct {
		baseSeq, lastSeq uint64
		createdTS        time.Time
	}
	var sealed []sealedMeta
	var activeBaseSeq uint64
	haveActive := false

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if base, last, ts, ok := parseSealedDataName(name); ok {
			sealed = append(sealed, sealedMeta{base, last, ts})
			continue
		}
		if seq, ok := parseActiveDataName(name); ok {
			activeBaseSeq = seq
			haveActive = true
		}
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].baseSeq < sealed[j].baseSeq })

	l := &PartitionLog{
		dir:     dir,
		topic:   topic,
		partID:  partID,
		cfg:     cfg,
		logger:  logger,
		flusher: flusher,
		flush:   newFlushState(now, cfg.FlushIntervalSecs),
		jitter:  stableJitter(topic, partID, cfg.MaxRollJitterSecs),
	}

	for _, m := range sealed {
		seg, err := openROSegment(dir, m.baseSeq, m.lastSeq, m.createdTS, cfg.IndexIntervalBytes)
		if err != nil {
			l.closeSegments()
			return nil, err
		}
		l.roSegments = append(l.roSegments, seg)
	}

	if len(l.roSegments) > 0 {
		l.firstAvailableSeqNum = l.roSegments[0].BaseSeq()
	}

	if haveActive {
		cur, err := reopenActiveSegment(dir, activeBaseSeq, now, l.jitter, cfg)
		if err != nil {
			l.closeSegments()
			return nil, err
		}
		l.cur = cur
	} else {
		nextBase := uint64(0)
		if n := len(l.roSegments); n > 0 {
			nextBase = l.roSegments[n-1].LastSeq() + 1
		}
		cur, err := createActiveSegment(dir, nextBase, now, l.jitter, cfg)
		if err != nil {
			l.closeSegments()
			return nil, err
		}
		l.cur = cur
	}

	if len(l.roSegments) == 0 {
		l.firstAvailableSeqNum = l.cur.BaseSeq()
	}

	return l, nil
}

// parseActiveDataName recognizes the active segment's bare
// "<baseSeq>.ilog" form, as distinct from a sealed segment's
// "<baseSeq>-<lastSeq>_<createdTS>.ilog".
func parseActiveDataName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentDataSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(name, segmentDataSuffix)
	if len(digits) != 20 {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// reopenActiveSegment picks up an active segment left on disk by a prior
// run, preserving its already-written content: its index is rebuilt the
// same way a sealed segment's is on crash recovery, just without a rename.
func reopenActiveSegment(dir string, baseSeq uint64, now time.Time, jitter time.Duration, cfg PartitionConfig) (*ActiveSegment, error) {
	idxPath := filepath.Join(dir, indexName(baseSeq))
	fi, statErr := os.Stat(idxPath)
	if statErr != nil || fi.Size() == 0 {
		dataPath := filepath.Join(dir, activeDataName(baseSeq))
		entries, _, err := rebuildIndex(dataPath, baseSeq, cfg.IndexIntervalBytes)
		if err != nil {
			return nil, err
		}
		if err := writeIndexFile(idxPath, entries); err != nil {
			return nil, err
		}
	}
	a, err := createActiveSegment(dir, baseSeq, now, jitter, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := a.Scan(func(m Message) bool {
		a.lastSeq = m.SeqNum
		a.hasLast = true
		return true
	}); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// stableJitter derives a stable random value in [0, max) from a hash of the
// topic and partition id, so repeated restarts of the same partition don't
// change its roll schedule, and segments across different partitions of
// the same topic don't all roll at once.
func stableJitter(topic string, partID int32, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(topic))
	var p [4]byte
	p[0] = byte(partID)
	p[1] = byte(partID >> 8)
	p[2] = byte(partID >> 16)
	p[3] = byte(partID >> 24)
	h.Write(p[:])
	return time.Duration(h.Sum64() % uint64(max))
}

// FirstAvailableSeqNum returns the lowest sequence number retention has not
// yet removed.
func (l *PartitionLog) FirstAvailableSeqNum() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstAvailableSeqNum
}

// NextSeqNum returns the sequence number the next appended message would
// receive.
func (l *PartitionLog) NextSeqNum() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur.HasMessages() {
		return l.cur.LastSeq() + 1
	}
	return l.cur.BaseSeq()
}

// Append encodes msgs as one bundle, rolling the active segment first if
// required, then schedules a flush if due.
func (l *PartitionLog) Append(now time.Time, msgs []Message, codec Codec, sparse bool) (firstSeq, lastSeq uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(msgs) == 0 {
		return 0, 0, rangeViolation("I1", "cannot append an empty bundle")
	}

	encoded, err := encodeBundle(msgs, codec, sparse, 0)
	if err != nil {
		return 0, 0, err
	}

	if l.cur.WouldRoll(now, int64(len(encoded))) {
		if err := l.roll(now); err != nil {
			return 0, 0, err
		}
	}

	first := msgs[0].SeqNum
	last := msgs[len(msgs)-1].SeqNum
	if err := l.cur.appendEncoded(first, last, encoded); err != nil {
		return 0, 0, err
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ObserveAppend(l.topic, len(encoded))
	}

	if l.flush.due(now, int64(len(msgs)), l.cfg) {
		l.flusher.Enqueue(l.cur.DataFd(), l.cur.IndexFd())
	}

	return first, last, nil
}

// roll seals the current active segment, opens it for read as a new RO
// segment, and starts a fresh active segment. Callers must hold l.mu.
func (l *PartitionLog) roll(now time.Time) error {
	if !l.cur.HasMessages() {
		return nil // nothing written yet; rolling an empty segment is a no-op
	}
	_, baseSeq, lastSeq, createdTS, err := l.cur.Seal()
	if err != nil {
		return err
	}

	ro, err := openROSegment(l.dir, baseSeq, lastSeq, createdTS, l.cfg.IndexIntervalBytes)
	if err != nil {
		return err
	}
	l.roSegments = append(l.roSegments, ro)
	if len(l.roSegments) == 1 {
		l.firstAvailableSeqNum = ro.BaseSeq()
	}

	next, err := createActiveSegment(l.dir, lastSeq+1, now, l.jitter, l.cfg)
	if err != nil {
		return err
	}
	l.cur = next
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ObserveRoll(l.topic)
	}

	if err := l.considerRoSegments(now); err != nil {
		l.logger.Error("retention/compaction pass failed", "error", err)
	}
	return nil
}

// ReadFrom locates the bundle containing targetSeq and scans forward from
// there, invoking visit for each message in sequence order until visit
// returns false or the log is exhausted.
func (l *PartitionLog) ReadFrom(targetSeq uint64, visit func(Message) bool) error {
	l.mu.Lock()
	segs := make([]*ROSegment, len(l.roSegments))
	copy(segs, l.roSegments)
	cur := l.cur
	first := l.firstAvailableSeqNum
	l.mu.Unlock()

	if targetSeq < first {
		return ErrOffsetOutOfRange
	}

	for _, seg := range segs {
		if targetSeq > seg.LastSeq() {
			continue
		}
		stop, err := seg.ForEachMsg(func(m Message) bool {
			if m.SeqNum < targetSeq {
				return true
			}
			return visit(m)
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		targetSeq = seg.LastSeq() + 1
	}

	if cur.HasMessages() && targetSeq <= cur.LastSeq() {
		_, err := cur.Scan(func(m Message) bool {
			if m.SeqNum < targetSeq {
				return true
			}
			return visit(m)
		})
		return err
	}
	if cur.HasMessages() && targetSeq > cur.LastSeq()+1 {
		return ErrOffsetOutOfRange
	}
	return nil
}

// Close releases every open file/mmap handle. An unsealed active segment is
// valid on restart, so Close does not seal it.
func (l *PartitionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeSegments()
}

func (l *PartitionLog) closeSegments() error {
	var firstErr error
	if l.cur != nil {
		if err := l.cur.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, seg := range l.roSegments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
