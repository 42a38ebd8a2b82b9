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
	"errors"
	"os"
	"sync/atomic"
	"syscall"
)

// TryShutdownIdle lets safeOpen ask the network layer to close n idle
// client connections before retrying, on EMFILE/ENFILE. The storage core
// never owns connections, so this is an injectable hook; a nil value
// simply lets the retry budget run out and surface ErrFdExhausted.
var TryShutdownIdle func(n int) int

const safeOpenRetryBudget = 4

// safeOpen opens path with flag/perm, retrying indefinitely on EINTR and,
// on ENFILE/EMFILE, invoking TryShutdownIdle(1) before retrying, up to
// safeOpenRetryBudget attempts. Any other errno propagates immediately.
func safeOpen(path string, flag int, perm os.FileMode) (*os.File, error) {
	attempts := 0
	for {
		f, err := os.OpenFile(path, flag, perm)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.EMFILE) {
			attempts++
			if attempts > safeOpenRetryBudget {
				return nil, ErrFdExhausted
			}
			if TryShutdownIdle != nil {
				TryShutdownIdle(1)
			}
			continue
		}
		return nil, err
	}
}

// fdHandle is a reference-counted, explicitly-released file descriptor: a
// segment's data/index files may be held by the segment itself and
// temporarily by an in-flight read; the last release closes the underlying
// file.
type fdHandle struct {
	file *os.File
	refs atomic.Int32
}

func newFdHandle(f *os.File) *fdHandle {
	h := &fdHandle{file: f}
	h.refs.Store(1)
	return h
}

// acquire takes an additional reference, returning the handle so callers
// can chain `defer h.release()`.
func (h *fdHandle) acquire() *fdHandle {
	h.refs.Add(1)
	return h
}

// release drops a reference, closing the underlying file once the count
// reaches zero. Safe to call at most once per acquire/newFdHandle.
func (h *fdHandle) release() error {
	if h.refs.Add(-1) == 0 {
		return h.file.Close()
	}
	return nil
}
