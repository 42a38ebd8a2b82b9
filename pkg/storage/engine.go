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
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Engine owns the bounded-parallel startup path and de-duplicates
// concurrent opens of the same partition directory, replacing an
// open-everything-serially startup path with a bounded worker pool.
type Engine struct {
	rootDir string
	flusher *FlushWorker
	logger  *slog.Logger

	openSem   *semaphore.Weighted
	openGroup singleflight.Group
}

// NewEngine builds an Engine rooted at rootDir (partitions live under
// rootDir/<topic>/<partition>), bounding concurrent partition opens during
// startup to maxConcurrentOpens.
func NewEngine(rootDir string, maxConcurrentOpens int64, flusher *FlushWorker, logger *slog.Logger) *Engine {
	if maxConcurrentOpens <= 0 {
		maxConcurrentOpens = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rootDir: rootDir,
		flusher: flusher,
		logger:  logger,
		openSem: semaphore.NewWeighted(maxConcurrentOpens),
	}
}

// PartitionDir returns the on-disk directory a partition's segments live
// under.
func (e *Engine) PartitionDir(topic string, partition int32) string {
	return filepath.Join(e.rootDir, topic, strconv.Itoa(int(partition)))
}

// Open opens a single partition's log, de-duplicating concurrent callers
// racing to open the exact same directory: if two callers race to open a
// partition whose index needs rebuilding, the whole open — not just the
// rebuild — is shared between them.
func (e *Engine) Open(ctx context.Context, topic string, partition int32, cfg PartitionConfig, now time.Time) (*PartitionLog, error) {
	dir := e.PartitionDir(topic, partition)
	v, err, _ := e.openGroup.Do(dir, func() (interface{}, error) {
		if err := e.openSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.openSem.Release(1)
		return OpenPartitionLog(dir, topic, partition, cfg, e.flusher, now)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PartitionLog), nil
}

// PartitionSpec names one partition to open as part of a bounded-parallel
// startup batch.
type PartitionSpec struct {
	Topic     string
	Partition int32
	Config    PartitionConfig
}

// OpenAll opens every listed partition concurrently, bounded by the
// Engine's semaphore, and returns once all have either succeeded or the
// group context has been cancelled by the first failure.
func (e *Engine) OpenAll(ctx context.Context, specs []PartitionSpec, now time.Time) ([]*PartitionLog, error) {
	logs := make([]*PartitionLog, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			log, err := e.Open(gctx, spec.Topic, spec.Partition, spec.Config, now)
			if err != nil {
				return err
			}
			logs[i] = log
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return logs, nil
}
