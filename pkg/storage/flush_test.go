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
	"sync"
	"testing"
	"time"
)

func TestFlushStateDueOnMsgCount(t *testing.T) {
	now := time.Now()
	cfg := PartitionConfig{FlushIntervalMsgs: 10, FlushIntervalSecs: time.Hour}
	f := newFlushState(now, cfg.FlushIntervalSecs)

	if f.due(now, 5, cfg) {
		t.Fatal("should not be due after 5 of 10 pending messages")
	}
	if !f.due(now, 5, cfg) {
		t.Fatal("should be due once pending reaches 10")
	}
	if f.pendingFlushMsgs != 0 {
		t.Fatalf("pendingFlushMsgs should reset to 0, got %d", f.pendingFlushMsgs)
	}
}

func TestFlushStateDueOnWallClock(t *testing.T) {
	now := time.Now()
	cfg := PartitionConfig{FlushIntervalMsgs: 1 << 30, FlushIntervalSecs: time.Second}
	f := newFlushState(now, cfg.FlushIntervalSecs)

	if f.due(now, 1, cfg) {
		t.Fatal("should not be due immediately")
	}
	later := now.Add(2 * time.Second)
	if !f.due(later, 1, cfg) {
		t.Fatal("should be due once wall clock passes nextFlushTS")
	}
}

func TestFlushWorkerSyncsAndInvokesHook(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data")
	idxPath := filepath.Join(dir, "index")
	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	idx, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	var mu sync.Mutex
	var calls int
	var lastErr error
	done := make(chan struct{}, 1)
	w := NewFlushWorker(nil, func(d time.Duration, err error) {
		mu.Lock()
		calls++
		lastErr = err
		mu.Unlock()
		done <- struct{}{}
	})

	w.Enqueue(data, idx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush hook")
	}

	mu.Lock()
	if calls != 1 {
		t.Fatalf("expected 1 flush hook call, got %d", calls)
	}
	if lastErr != nil {
		t.Fatalf("unexpected flush error: %v", lastErr)
	}
	mu.Unlock()

	w.Shutdown()
	data.Close()
	idx.Close()
}
