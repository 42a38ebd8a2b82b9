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
	"context"
	"sync"
	"testing"
	"time"
)

func TestEngineOpenAllOpensEveryPartition(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root, 2, testFlusher(t), nil)
	now := time.Now()

	specs := make([]PartitionSpec, 6)
	for i := range specs {
		specs[i] = PartitionSpec{Topic: "orders", Partition: int32(i), Config: DefaultPartitionConfig()}
	}

	logs, err := e.OpenAll(context.Background(), specs, now)
	if err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	if len(logs) != len(specs) {
		t.Fatalf("got %d logs, want %d", len(logs), len(specs))
	}
	for i, l := range logs {
		if l == nil {
			t.Fatalf("log %d is nil", i)
		}
		l.Close()
	}
}

func TestEngineOpenDeduplicatesConcurrentCallers(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root, 4, testFlusher(t), nil)
	now := time.Now()
	cfg := DefaultPartitionConfig()

	const n = 8
	var wg sync.WaitGroup
	logs := make([]*PartitionLog, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logs[i], errs[i] = e.Open(context.Background(), "orders", 0, cfg, now)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	first := logs[0]
	for i, l := range logs {
		if l != first {
			t.Fatalf("Open %d returned a different *PartitionLog than Open 0 (expected singleflight dedup)", i)
		}
	}
	first.Close()
}
