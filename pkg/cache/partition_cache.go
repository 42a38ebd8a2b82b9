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

// Package cache holds the passive partition cache: it keeps recently
// touched partition logs open and closes ones that have gone idle,
// bounding file descriptor usage without evicting hot partitions.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/tanklog/pkg/storage"
)

const (
	// DefaultActiveWindow and DefaultSweepInterval are the default
	// idle-partition thresholds: a partition untouched for 16 seconds is a
	// candidate for eviction, checked every 8 seconds.
	DefaultActiveWindow  = 16 * time.Second
	DefaultSweepInterval = 8 * time.Second
)

// Opener opens (or re-opens) a partition's log on demand when the cache has
// no entry for it, e.g. because it was swept out, or this is the first
// touch since startup.
type Opener func(topic string, partition int32) (*storage.PartitionLog, error)

type partitionKey struct {
	topic     string
	partition int32
}

func (k partitionKey) String() string { return fmt.Sprintf("%s/%d", k.topic, k.partition) }

type cacheEntry struct {
	key        partitionKey
	log        *storage.PartitionLog
	lastAccess time.Time
}

// PartitionCache is a doubly-linked active list tracking open
// *storage.PartitionLog handles, ordered by recency of access.
type PartitionCache struct {
	mu            sync.Mutex
	activeWindow  time.Duration
	sweepInterval time.Duration
	open          Opener
	logger        *slog.Logger

	ll    *list.List
	items map[partitionKey]*list.Element

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPartitionCache starts the background sweep goroutine immediately.
func NewPartitionCache(activeWindow, sweepInterval time.Duration, open Opener, logger *slog.Logger) *PartitionCache {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PartitionCache{
		activeWindow:  activeWindow,
		sweepInterval: sweepInterval,
		open:          open,
		logger:        logger,
		ll:            list.New(),
		items:         make(map[partitionKey]*list.Element),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Acquire returns the open log for (topic, partition), opening it via
// Opener if it isn't already cached, and marks it as just accessed.
func (c *PartitionCache) Acquire(topic string, partition int32) (*storage.PartitionLog, error) {
	key := partitionKey{topic: topic, partition: partition}

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.lastAccess = time.Now()
		c.ll.MoveToFront(elem)
		c.mu.Unlock()
		return entry.log, nil
	}
	c.mu.Unlock()

	log, err := c.open(topic, partition)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		// Lost a race with another Acquire; keep the winner's handle, close ours.
		log.Close()
		entry := elem.Value.(*cacheEntry)
		entry.lastAccess = time.Now()
		c.ll.MoveToFront(elem)
		return entry.log, nil
	}
	entry := &cacheEntry{key: key, log: log, lastAccess: time.Now()}
	c.items[key] = c.ll.PushFront(entry)
	return log, nil
}

func (c *PartitionCache) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep closes and evicts every partition whose last access is at or
// beyond activeWindow in the past. The list is kept ordered by recency
// (MoveToFront on every access), so walking from the back and stopping at
// the first still-active entry is sufficient.
func (c *PartitionCache) sweep(now time.Time) {
	var evicted []*cacheEntry

	c.mu.Lock()
	for {
		back := c.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*cacheEntry)
		if entry.lastAccess.Add(c.activeWindow).After(now) {
			break
		}
		c.ll.Remove(back)
		delete(c.items, entry.key)
		evicted = append(evicted, entry)
	}
	c.mu.Unlock()

	for _, entry := range evicted {
		if err := entry.log.Close(); err != nil {
			c.logger.Error("closing idle partition", "partition", entry.key.String(), "error", err)
		}
	}
}

// Close stops the sweep loop and closes every currently cached partition.
func (c *PartitionCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh

	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.items))
	for _, elem := range c.items {
		entries = append(entries, elem.Value.(*cacheEntry))
	}
	c.ll.Init()
	c.items = make(map[partitionKey]*list.Element)
	c.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if err := entry.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports the number of partitions currently open in the cache.
func (c *PartitionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
