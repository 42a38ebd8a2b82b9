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
	"time"
)

// ArchiveFunc is an optional hook invoked with a segment's data/index paths
// just before retention would unlink them, letting a caller (pkg/archive)
// copy the bytes off-box first. A nil hook skips archiving.
type ArchiveFunc func(dataPath, indexPath string, baseSeq uint64) error

// considerRoSegments runs after every roll: it evaluates the configured
// cleanup policy against the RO segment list and either deletes segments
// that fall outside the retention window/budget, or — under the "cleanup"
// policy — runs a compaction pass in place once the dirty ratio crosses
// LogCleanRatioMin. Callers must hold l.mu.
func (l *PartitionLog) considerRoSegments(now time.Time) error {
	switch l.cfg.CleanupPolicy {
	case PolicyCleanup:
		return l.considerCompaction(now)
	default:
		return l.considerDeletion(now)
	}
}

// considerDeletion implements the "delete" policy: segments are removed,
// oldest first, once the partition exceeds RoSegmentsCnt, RoSegmentsSize,
// or LastSegmentMaxAge. The active segment itself is never a deletion
// candidate, but this policy places no floor on the number of RO segments
// kept — with RoSegmentsCnt disabled and an aggressive LastSegmentMaxAge,
// every RO segment can be removed, leaving only the active segment.
func (l *PartitionLog) considerDeletion(now time.Time) error {
	for len(l.roSegments) > 0 {
		victim := l.shouldDeleteOldest(now)
		if !victim {
			return nil
		}
		seg := l.roSegments[0]
		if err := l.removeSegment(seg); err != nil {
			return err
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ObserveRetentionRemoval(l.topic)
		}
		l.roSegments = l.roSegments[1:]
		if len(l.roSegments) > 0 {
			l.firstAvailableSeqNum = l.roSegments[0].BaseSeq()
		} else {
			l.firstAvailableSeqNum = l.cur.BaseSeq()
		}
	}
	return nil
}

func (l *PartitionLog) shouldDeleteOldest(now time.Time) bool {
	if len(l.roSegments) == 0 {
		return false
	}
	if l.cfg.RoSegmentsCnt > 0 && int64(len(l.roSegments)) > l.cfg.RoSegmentsCnt {
		return true
	}
	if l.cfg.RoSegmentsSize > 0 && l.totalRoBytes() > l.cfg.RoSegmentsSize {
		return true
	}
	if l.cfg.LastSegmentMaxAge > 0 {
		oldest := l.roSegments[0]
		if now.Sub(oldest.createdTS) > l.cfg.LastSegmentMaxAge {
			return true
		}
	}
	return false
}

func (l *PartitionLog) totalRoBytes() int64 {
	var total int64
	for _, s := range l.roSegments {
		total += s.FileSize()
	}
	return total
}

// removeSegment closes and unlinks a sealed segment's files, data before
// index: a crash between the two unlinks leaves at most an orphaned index
// file, which is harmless, never a data file without its index. If an
// ArchiveFunc is configured
// it runs first; a failed archive aborts the removal so an un-tiered
// segment is never lost.
func (l *PartitionLog) removeSegment(seg *ROSegment) error {
	dataPath, indexPath := seg.dataPath, seg.indexPath
	baseSeq := seg.BaseSeq()

	if l.cfg.Archive != nil {
		if err := l.cfg.Archive(dataPath, indexPath, baseSeq); err != nil {
			return err
		}
	}

	if err := seg.Close(); err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return ioError("remove", dataPath, err)
	}
	if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
		return ioError("remove", indexPath, err)
	}
	l.logger.Info("removed retained-out segment", "topic", l.topic, "partition", l.partID, "base_seq", baseSeq)
	return nil
}

// considerCompaction implements the "cleanup" policy's trigger: dirtyBytes
// is the size of every RO segment at or past firstDirtyOffset; sum is the
// size of all RO segments. Once dirtyBytes/sum reaches LogCleanRatioMin,
// compactSegments runs over the dirty range. It never compacts the active
// segment or a partition already mid-compaction.
func (l *PartitionLog) considerCompaction(now time.Time) error {
	if l.compacting || len(l.roSegments) < 2 {
		return nil
	}
	var dirtyBytes, sum int64
	dirtyFrom := -1
	for i, seg := range l.roSegments {
		sum += seg.FileSize()
		if seg.BaseSeq() >= l.firstDirtyOffset {
			dirtyBytes += seg.FileSize()
			if dirtyFrom == -1 {
				dirtyFrom = i
			}
		}
	}
	if sum == 0 || dirtyFrom == -1 {
		return nil
	}
	if float64(dirtyBytes)/float64(sum) < l.cfg.LogCleanRatioMin {
		return nil
	}

	l.compacting = true
	defer func() { l.compacting = false }()
	return l.compactSegments(now, dirtyFrom)
}
