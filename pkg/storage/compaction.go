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
	"time"
)

// compactSegments runs key-based log cleaning over l.roSegments[dirtyFrom:]:
// for each key, only the message with the highest seqNum survives; keyless
// messages always survive; tombstones
// (empty payload, non-nil key) survive until LastSegmentMaxAge has elapsed
// since their timestamp, then are dropped entirely (a zero LastSegmentMaxAge
// keeps them indefinitely). The result is built in
// a staging directory and only swapped into place once fully written and
// fsynced; any failure leaves the original segments untouched. Callers
// must hold l.mu and have already set l.compacting.
func (l *PartitionLog) compactSegments(now time.Time, dirtyFrom int) (err error) {
	dirty := l.roSegments[dirtyFrom:]
	if len(dirty) == 0 {
		return nil
	}

	if l.cfg.Metrics != nil {
		started := time.Now()
		defer func() {
			result := "ok"
			if err != nil {
				result = "error"
			}
			l.cfg.Metrics.ObserveCompaction(l.topic, result, time.Since(started))
		}()
	}

	survivors, err := collectSurvivors(dirty, now, l.cfg.LastSegmentMaxAge)
	if err != nil {
		return err
	}

	stagingDir := filepath.Join(l.dir, fmt.Sprintf(".compact-%020d-%d", dirty[0].BaseSeq(), now.UnixNano()))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return ioError("mkdir", stagingDir, err)
	}
	defer os.RemoveAll(stagingDir)

	built, err := buildCompactedRun(stagingDir, survivors, now, l.cfg)
	if err != nil {
		return err
	}

	newSegs := make([]*ROSegment, 0, len(built))
	for _, b := range built {
		if err := moveSealedFiles(stagingDir, l.dir, b.baseSeq, b.lastSeq, b.createdTS); err != nil {
			return err
		}
		seg, err := openROSegment(l.dir, b.baseSeq, b.lastSeq, b.createdTS, l.cfg.IndexIntervalBytes)
		if err != nil {
			return err
		}
		newSegs = append(newSegs, seg)
	}

	for _, old := range dirty {
		if err := l.removeSegment(old); err != nil {
			l.logger.Error("failed to remove pre-compaction segment", "error", err)
		}
	}

	l.roSegments = append(append([]*ROSegment{}, l.roSegments[:dirtyFrom]...), newSegs...)
	if len(newSegs) > 0 {
		l.firstDirtyOffset = newSegs[len(newSegs)-1].LastSeq() + 1
	} else {
		l.firstDirtyOffset = l.cur.BaseSeq()
	}
	if len(l.roSegments) > 0 {
		l.firstAvailableSeqNum = l.roSegments[0].BaseSeq()
	} else {
		l.firstAvailableSeqNum = l.cur.BaseSeq()
	}
	return nil
}

// collectSurvivors scans dirty's segments twice: once to learn each key's
// winning (highest) seqNum — later file position wins remaining ties —
// and once to emit the surviving messages in original sequence order.
func collectSurvivors(dirty []*ROSegment, now time.Time, tombstoneGrace time.Duration) ([]Message, error) {
	type win struct {
		seq uint64
		pos int
	}
	winner := make(map[string]win)
	pos := 0
	for _, seg := range dirty {
		if _, err := seg.ForEachMsg(func(m Message) bool {
			if m.Key != nil {
				if w, ok := winner[string(m.Key)]; !ok || m.SeqNum >= w.seq {
					winner[string(m.Key)] = win{seq: m.SeqNum, pos: pos}
				}
			}
			pos++
			return true
		}); err != nil {
			return nil, err
		}
	}

	var survivors []Message
	pos = 0
	for _, seg := range dirty {
		if _, err := seg.ForEachMsg(func(m Message) bool {
			at := pos
			pos++
			if m.Key == nil {
				survivors = append(survivors, m)
				return true
			}
			if winner[string(m.Key)].pos != at {
				return true // superseded by a later message with the same key
			}
			if len(m.Payload) == 0 && tombstoneGrace > 0 {
				age := now.Sub(time.UnixMilli(int64(m.TS)))
				if age >= tombstoneGrace {
					return true // tombstone grace elapsed: drop it
				}
			}
			survivors = append(survivors, m)
			return true
		}); err != nil {
			return nil, err
		}
	}
	return survivors, nil
}

type compactedRun struct {
	baseSeq, lastSeq uint64
	createdTS        time.Time
}

// buildCompactedRun writes survivors into one or more sparse-sequenced
// segments under dir, rolling whenever the active segment's own roll
// conditions would fire, and seals every segment it opens (including the
// final one) so the result is a run of ordinary RO segments.
func buildCompactedRun(dir string, survivors []Message, now time.Time, cfg PartitionConfig) ([]compactedRun, error) {
	if len(survivors) == 0 {
		return nil, nil
	}

	var runs []compactedRun
	cur, err := createActiveSegment(dir, survivors[0].SeqNum, now, 0, cfg)
	if err != nil {
		return nil, err
	}

	seal := func() error {
		if !cur.HasMessages() {
			return cur.Close()
		}
		_, baseSeq, lastSeq, createdTS, err := cur.Seal()
		if err != nil {
			return err
		}
		runs = append(runs, compactedRun{baseSeq: baseSeq, lastSeq: lastSeq, createdTS: createdTS})
		return nil
	}

	for _, m := range survivors {
		encoded, err := encodeBundle([]Message{m}, CodecNone, true, 0)
		if err != nil {
			_ = seal()
			return nil, err
		}
		if cur.WouldRoll(now, int64(len(encoded))) {
			if err := seal(); err != nil {
				return nil, err
			}
			cur, err = createActiveSegment(dir, m.SeqNum, now, 0, cfg)
			if err != nil {
				return nil, err
			}
		}
		if err := cur.appendEncoded(m.SeqNum, m.SeqNum, encoded); err != nil {
			_ = seal()
			return nil, err
		}
	}
	if err := seal(); err != nil {
		return nil, err
	}
	return runs, nil
}

// moveSealedFiles relocates a sealed segment's data and index files from a
// staging directory into their final home, preserving fsync-before-rename
// crash safety: the rename is the only step that can make the new segment
// visible, so a crash before it leaves only the staging directory's
// half-built files behind.
func moveSealedFiles(stagingDir, destDir string, baseSeq, lastSeq uint64, createdTS time.Time) error {
	dataName := sealedDataName(baseSeq, lastSeq, createdTS)
	idxName := indexName(baseSeq)
	if err := os.Rename(filepath.Join(stagingDir, dataName), filepath.Join(destDir, dataName)); err != nil {
		return ioError("rename", dataName, err)
	}
	if err := os.Rename(filepath.Join(stagingDir, idxName), filepath.Join(destDir, idxName)); err != nil {
		return ioError("rename", idxName, err)
	}
	return nil
}
