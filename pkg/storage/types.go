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

// Package storage implements the per-partition append-only log: the
// on-disk segment/bundle format, the sparse mmap'd index, segment rolling,
// retention and compaction, and the background flush worker.
package storage

// Message is the atomic unit stored in a partition log.
type Message struct {
	SeqNum  uint64
	TS      uint64 // ms since epoch
	Key     []byte // nil if absent; length must fit in a byte (<=255)
	Payload []byte
}

// Codec identifies the compression applied to a bundle's message set.
type Codec uint8

const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
)

// Per-bundle flag bits (packed into the bundle's flags byte).
const (
	bundleFlagCodecMask   = 0x03 // bits 0-1
	bundleFlagSizeMask    = 0x3C // bits 2-5, msgSetSize-small (4 bits)
	bundleFlagSizeShift   = 2
	bundleFlagSparseBit   = 0x40 // bit 6
	bundleSizeSmallMaxVal = 0x0F // 4-bit field; 0 means "read varint next"
)

// Per-message flag bits within the decoded message set.
const (
	msgFlagHaveKey            = 1 << 0
	msgFlagUseLastSpecifiedTS = 1 << 1
	msgFlagSeqNumPrevPlusOne  = 1 << 2
)

// DecodedBundle is the result of decoding a bundle's framing: the sequence
// range it covers and its messages in order.
type DecodedBundle struct {
	FirstSeq uint64
	LastSeq  uint64
	Messages []Message
}

// IndexEntry is one sparse index row: a sequence number relative to the
// segment's base sequence, and the absolute byte offset of the bundle that
// begins at that sequence.
type IndexEntry struct {
	RelSeq      uint32
	AbsPhysical uint32
}

const indexEntrySize = 8 // u32 relSeq + u32 absPhysical, little-endian
