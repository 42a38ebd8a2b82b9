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
	"log/slog"
	"os"
	"sync"
	"time"
)

// flushPair is a (data-fd, index-fd) pair pushed to the flush worker's
// mailbox. A nil Data is the shutdown sentinel.
type flushPair struct {
	Data  *os.File
	Index *os.File
}

func (p flushPair) isSentinel() bool { return p.Data == nil }

// FlushWorker is the single dedicated thread that durably flushes
// (data, index) file pairs enqueued by the foreground append path. The
// mailbox is a mutex+condvar guarded queue rather than a buffered channel,
// so Enqueue never blocks the append path waiting for worker capacity.
type FlushWorker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []flushPair
	logger *slog.Logger
	onDone chan struct{}

	// onFlush is an optional observability hook (pkg/metrics wires this).
	onFlush func(time.Duration, error)
}

// NewFlushWorker starts the background flush thread.
func NewFlushWorker(logger *slog.Logger, onFlush func(time.Duration, error)) *FlushWorker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &FlushWorker{logger: logger, onFlush: onFlush, onDone: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Enqueue pushes a (data, index) pair onto the mailbox and signals the
// worker: takes the mutex, appends to the queue, and wakes the worker's
// condition variable.
func (w *FlushWorker) Enqueue(data, index *os.File) {
	w.mu.Lock()
	w.queue = append(w.queue, flushPair{Data: data, Index: index})
	w.cond.Signal()
	w.mu.Unlock()
}

// Shutdown enqueues the sentinel pair and waits for the worker to exit.
func (w *FlushWorker) Shutdown() {
	w.mu.Lock()
	w.queue = append(w.queue, flushPair{})
	w.cond.Signal()
	w.mu.Unlock()
	<-w.onDone
}

func (w *FlushWorker) run() {
	defer close(w.onDone)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		pair := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if pair.isSentinel() {
			w.logger.Info("flush worker stopping")
			return
		}

		start := time.Now()
		err := pair.Data.Sync()
		if indexErr := pair.Index.Sync(); indexErr != nil && err == nil {
			err = indexErr
		}
		if err != nil {
			w.logger.Error("durable flush failed", "error", err)
		}
		if w.onFlush != nil {
			w.onFlush(time.Since(start), err)
		}
	}
}

// flushState tracks the soft flush schedule: a flush is scheduled when
// pendingFlushMsgs reaches flushIntervalMsgs, or wall time reaches
// nextFlushTS.
type flushState struct {
	pendingFlushMsgs int64
	lastFlushTS      time.Time
	nextFlushTS      time.Time
}

func newFlushState(now time.Time, flushIntervalSecs time.Duration) flushState {
	return flushState{lastFlushTS: now, nextFlushTS: now.Add(flushIntervalSecs)}
}

// due reports whether a flush should be scheduled now, given cfg's
// thresholds, and resets the counters when it returns true: pendingFlushMsgs
// goes back to 0 and nextFlushTS advances to now + flushIntervalSecs.
func (f *flushState) due(now time.Time, msgsJustAppended int64, cfg PartitionConfig) bool {
	f.pendingFlushMsgs += msgsJustAppended
	if cfg.FlushIntervalMsgs > 0 && f.pendingFlushMsgs >= cfg.FlushIntervalMsgs {
		f.reset(now, cfg.FlushIntervalSecs)
		return true
	}
	if !now.Before(f.nextFlushTS) {
		f.reset(now, cfg.FlushIntervalSecs)
		return true
	}
	return false
}

func (f *flushState) reset(now time.Time, flushIntervalSecs time.Duration) {
	f.pendingFlushMsgs = 0
	f.lastFlushTS = now
	f.nextFlushTS = now.Add(flushIntervalSecs)
}
