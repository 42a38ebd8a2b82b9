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
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Err...) at the call site
// so callers can still errors.Is against the taxonomy while getting
// path/detail context in the message.
var (
	// ErrMalformedBundle covers short buffers, bad varints, unknown codecs
	// and Snappy failures encountered while decoding a bundle.
	ErrMalformedBundle = errors.New("malformed bundle")

	// ErrRangeViolation is returned when an on-disk invariant (I1-I8) is
	// found broken while loading a segment.
	ErrRangeViolation = errors.New("segment invariant violated")

	// ErrFdExhausted is returned after the safe-open retry budget is spent
	// following repeated EMFILE/ENFILE.
	ErrFdExhausted = errors.New("file descriptor budget exhausted")

	// ErrConfigInvalid is the sentinel wrapped by ConfigError.
	ErrConfigInvalid = errors.New("invalid partition config")

	// ErrCancelled is returned by cooperatively-cancellable operations
	// (iteration, compaction) when the caller asked them to stop.
	ErrCancelled = errors.New("operation cancelled")

	// ErrOffsetOutOfRange is returned when a requested sequence number is
	// not covered by any segment in the partition.
	ErrOffsetOutOfRange = errors.New("sequence number out of range")

	// ErrWideIndexUnsupported describes why a `_64.index` (wide-entry) file
	// is rejected outright rather than partially supported. Encountering one
	// returns an ErrRangeViolation whose message carries this text; that
	// error does not wrap ErrWideIndexUnsupported itself.
	ErrWideIndexUnsupported = errors.New("wide index entries are not supported")
)

// IOError wraps a failed filesystem operation with the path and operation
// name that failed, mirroring the taxonomy's Io{path, underlying}.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// ConfigError reports a failed validation of a single configuration key,
// mirroring the taxonomy's ConfigInvalid{key, value}.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%q invalid: %s", e.Key, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfigInvalid }

func configError(key, value, reason string) error {
	return &ConfigError{Key: key, Value: value, Reason: reason}
}

// malformed wraps ErrMalformedBundle with a where/detail context string,
// mirroring Malformed{where, detail}.
func malformed(where, detail string) error {
	return fmt.Errorf("%s: %s: %w", where, detail, ErrMalformedBundle)
}

// rangeViolation wraps ErrRangeViolation with the invariant tag that was
// found broken (e.g. "I4").
func rangeViolation(invariant, detail string) error {
	return fmt.Errorf("invariant %s violated: %s: %w", invariant, detail, ErrRangeViolation)
}
