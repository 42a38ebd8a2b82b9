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

func testFlusher(t *testing.T) *FlushWorker {
	t.Helper()
	w := NewFlushWorker(nil, nil)
	t.Cleanup(w.Shutdown)
	return w
}

func smallSegmentConfig() PartitionConfig {
	cfg := DefaultPartitionConfig()
	cfg.MaxSegmentSize = 256
	cfg.IndexIntervalBytes = 128
	return cfg
}

func TestPartitionLogAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	l, err := OpenPartitionLog(dir, "orders", 0, DefaultPartitionConfig(), testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: []byte("m")}}
		first, last, err := l.Append(now, msgs, CodecNone, false)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if first != uint64(i) || last != uint64(i) {
			t.Fatalf("Append returned [%d,%d], want [%d,%d]", first, last, i, i)
		}
	}

	var got []uint64
	if err := l.ReadFrom(0, func(m Message) bool {
		got = append(got, m.SeqNum)
		return true
	}); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i) {
			t.Fatalf("message %d: seq %d, want %d", i, seq, i)
		}
	}
}

func TestPartitionLogReadFromOutOfRange(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	l, err := OpenPartitionLog(dir, "orders", 0, DefaultPartitionConfig(), testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	if _, _, err := l.Append(now, []Message{{SeqNum: 0, TS: 1, Payload: []byte("x")}}, CodecNone, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err = l.ReadFrom(99, func(Message) bool { return true })
	if err != ErrOffsetOutOfRange {
		t.Fatalf("ReadFrom(99) = %v, want ErrOffsetOutOfRange", err)
	}
}

func TestPartitionLogRollsOnSize(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()
	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	defer l.Close()

	payload := make([]byte, 64)
	for i := 0; i < 20; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if len(l.roSegments) == 0 {
		t.Fatal("expected at least one sealed segment after exceeding MaxSegmentSize repeatedly")
	}

	var got []uint64
	if err := l.ReadFrom(0, func(m Message) bool {
		got = append(got, m.SeqNum)
		return true
	}); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 messages after rolling, got %d", len(got))
	}
}

func TestPartitionLogRecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cfg := smallSegmentConfig()

	l, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now)
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	payload := make([]byte, 64)
	for i := 0; i < 10; i++ {
		msgs := []Message{{SeqNum: uint64(i), TS: uint64(now.UnixMilli()), Payload: payload}}
		if _, _, err := l.Append(now, msgs, CodecNone, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenPartitionLog(dir, "orders", 0, cfg, testFlusher(t), now.Add(time.Second))
	if err != nil {
		t.Fatalf("reopen OpenPartitionLog: %v", err)
	}
	defer reopened.Close()

	var got []uint64
	if err := reopened.ReadFrom(0, func(m Message) bool {
		got = append(got, m.SeqNum)
		return true
	}); err != nil {
		t.Fatalf("ReadFrom after reopen: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 recovered messages, got %d", len(got))
	}
	if reopened.NextSeqNum() != 10 {
		t.Fatalf("NextSeqNum after reopen = %d, want 10", reopened.NextSeqNum())
	}
}
