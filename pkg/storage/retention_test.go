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
	"testing"
	"time"
)

// TestRetentionDeletesOldestBeyondSegmentsCount checks that the delete
// policy keeps at most RoSegmentsCnt RO segments, oldest first.
func TestRetentionDeletesOldestBeyondSegmentsCount(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()
	cfg.RoSegmentsCnt = 2

	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	payload := make([]byte, 64)
	for i := 0; i < 40; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if len(l.roSegments) > int(cfg.RoSegmentsCnt) {
		t.Fatalf("expected at most %d RO segments, got %d", cfg.RoSegmentsCnt, len(l.roSegments))
	}
	if l.firstAvailableSeqNum == 0 {
		t.Fatal("expected firstAvailableSeqNum to advance past the oldest deleted segment")
	}

	// The oldest surviving sequence should no longer be readable from 0.
	if err := l.ReadFrom(0, func(Message) bool { return true }); err != ErrOffsetOutOfRange {
		t.Fatalf("ReadFrom(0) after retention = %v, want ErrOffsetOutOfRange", err)
	}
}

// TestRetentionDeletesBySize checks that RoSegmentsSize bounds total RO
// bytes, independent of segment count.
func TestRetentionDeletesBySize(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()
	cfg.RoSegmentsSize = 300 // at most one 228-byte segment (three 76-byte bundles)

	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	payload := make([]byte, 64)
	for i := 0; i < 40; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if l.totalRoBytes() > cfg.RoSegmentsSize {
		t.Fatalf("totalRoBytes() = %d, want <= %d", l.totalRoBytes(), cfg.RoSegmentsSize)
	}
}

// TestRetentionKeepsSegmentsWithinMaxAge is scenario 3: a segment younger
// than LastSegmentMaxAge is never a deletion candidate.
func TestRetentionKeepsSegmentsWithinMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()
	cfg.LastSegmentMaxAge = time.Hour

	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	payload := make([]byte, 64)
	for i := 0; i < 10; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if len(l.roSegments) == 0 {
		t.Fatal("expected rolled segments to survive while within LastSegmentMaxAge")
	}
}
