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

package cache

import (
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novatechflow/tanklog/pkg/storage"
)

func newTestLog(t *testing.T, root, topic string, partition int32) *storage.PartitionLog {
	t.Helper()
	dir := filepath.Join(root, topic, strconv.Itoa(int(partition)))
	l, err := storage.OpenPartitionLog(dir, topic, partition, storage.DefaultPartitionConfig(), nil, time.Now())
	if err != nil {
		t.Fatalf("OpenPartitionLog: %v", err)
	}
	return l
}

func TestPartitionCacheAcquireReusesOpenHandle(t *testing.T) {
	root := t.TempDir()
	var opens int32
	opener := func(topic string, partition int32) (*storage.PartitionLog, error) {
		atomic.AddInt32(&opens, 1)
		return newTestLog(t, root, topic, partition), nil
	}

	c := NewPartitionCache(time.Hour, time.Hour, opener, nil)
	defer c.Close()

	l1, err := c.Acquire("orders", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l2, err := c.Acquire("orders", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l1 != l2 {
		t.Fatal("expected the same handle on a cache hit")
	}
	if atomic.LoadInt32(&opens) != 1 {
		t.Fatalf("expected exactly 1 open, got %d", opens)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestPartitionCacheSweepsIdleEntries(t *testing.T) {
	root := t.TempDir()
	opener := func(topic string, partition int32) (*storage.PartitionLog, error) {
		return newTestLog(t, root, topic, partition), nil
	}

	c := NewPartitionCache(20*time.Millisecond, 10*time.Millisecond, opener, nil)
	defer c.Close()

	if _, err := c.Acquire("orders", 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 right after Acquire", c.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after the active window elapsed", c.Len())
	}
}

func TestPartitionCacheAcquireRaceKeepsOneWinner(t *testing.T) {
	root := t.TempDir()
	var opens int32
	opener := func(topic string, partition int32) (*storage.PartitionLog, error) {
		atomic.AddInt32(&opens, 1)
		time.Sleep(5 * time.Millisecond) // widen the race window
		return newTestLog(t, root, topic, partition), nil
	}

	c := NewPartitionCache(time.Hour, time.Hour, opener, nil)
	defer c.Close()

	const n = 10
	var wg sync.WaitGroup
	results := make([]*storage.PartitionLog, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := c.Acquire("orders", 0)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results[i] = l
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, l := range results {
		if l != first {
			t.Fatalf("Acquire %d returned a different handle than Acquire 0", i)
		}
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after the race settles", c.Len())
	}
}
