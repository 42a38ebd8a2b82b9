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

// sealOneMessageSegment writes a single message into its own sealed RO
// segment under dir, for building hand-crafted compaction inputs.
func sealOneMessageSegment(t *testing.T, dir string, m Message, now time.Time) *ROSegment {
	t.Helper()
	cfg := DefaultPartitionConfig()
	a, err := createActiveSegment(dir, m.SeqNum, now, 0, cfg)
	if err != nil {
		t.Fatalf("createActiveSegment: %v", err)
	}
	if _, _, err := a.Append([]Message{m}, CodecNone, true, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, baseSeq, lastSeq, createdTS, err := a.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	seg, err := openROSegment(dir, baseSeq, lastSeq, createdTS, cfg.IndexIntervalBytes)
	if err != nil {
		t.Fatalf("openROSegment: %v", err)
	}
	return seg
}

func TestCollectSurvivorsKeepsOnlyHighestSeqPerKey(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	seg1 := sealOneMessageSegment(t, dir, Message{SeqNum: 0, TS: 1000, Key: []byte("k"), Payload: []byte("old")}, now)
	seg2 := sealOneMessageSegment(t, dir, Message{SeqNum: 1, TS: 1001, Key: []byte("k"), Payload: []byte("new")}, now)
	defer seg1.Close()
	defer seg2.Close()

	survivors, err := collectSurvivors([]*ROSegment{seg1, seg2}, now, 0)
	if err != nil {
		t.Fatalf("collectSurvivors: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(survivors))
	}
	if string(survivors[0].Payload) != "new" {
		t.Fatalf("survivor payload = %q, want %q", survivors[0].Payload, "new")
	}
}

func TestCollectSurvivorsKeepsKeylessMessages(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	seg1 := sealOneMessageSegment(t, dir, Message{SeqNum: 0, TS: 1000, Payload: []byte("a")}, now)
	seg2 := sealOneMessageSegment(t, dir, Message{SeqNum: 1, TS: 1001, Payload: []byte("b")}, now)
	defer seg1.Close()
	defer seg2.Close()

	survivors, err := collectSurvivors([]*ROSegment{seg1, seg2}, now, 0)
	if err != nil {
		t.Fatalf("collectSurvivors: %v", err)
	}
	if len(survivors) != 2 {
		t.Fatalf("expected both keyless messages to survive, got %d", len(survivors))
	}
}

func TestCollectSurvivorsDropsExpiredTombstone(t *testing.T) {
	dir := t.TempDir()
	base := time.Now()
	tombstoneTS := uint64(base.UnixMilli())

	seg := sealOneMessageSegment(t, dir, Message{SeqNum: 0, TS: tombstoneTS, Key: []byte("k"), Payload: nil}, base)
	defer seg.Close()

	grace := time.Minute
	stillFresh := base.Add(30 * time.Second)
	survivors, err := collectSurvivors([]*ROSegment{seg}, stillFresh, grace)
	if err != nil {
		t.Fatalf("collectSurvivors: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("tombstone within grace period should survive, got %d survivors", len(survivors))
	}

	expired := base.Add(2 * time.Minute)
	survivors, err = collectSurvivors([]*ROSegment{seg}, expired, grace)
	if err != nil {
		t.Fatalf("collectSurvivors: %v", err)
	}
	if len(survivors) != 0 {
		t.Fatalf("expired tombstone should be dropped, got %d survivors", len(survivors))
	}
}

// TestPartitionLogCompactionReducesDuplicateKeys checks that, under the
// cleanup policy, repeatedly overwriting the same key eventually collapses
// down to far fewer stored messages than were appended.
func TestPartitionLogCompactionReducesDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()
	cfg.CleanupPolicy = PolicyCleanup
	cfg.LogCleanRatioMin = 0 // compact as soon as there's anything dirty

	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	payload := make([]byte, 64)
	const writes = 60
	for i := 0; i < writes; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Key: []byte("same-key"), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, true); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var got int
	if err := l.ReadFrom(l.firstAvailableSeqNum, func(Message) bool {
		got++
		return true
	}); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got >= writes {
		t.Fatalf("expected compaction to reduce stored messages below %d writes, got %d", writes, got)
	}
}
