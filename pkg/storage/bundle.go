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
	"encoding/binary"

	"github.com/golang/snappy"
)

// encodeBundle serializes msgs into a single framed bundle record. msgs must
// be non-empty and already carry their final sequence numbers; for a dense
// (non-sparse) bundle those sequence numbers must be contiguous starting at
// msgs[0].SeqNum (invariant I2).
//
// basePrevTs is accepted to mirror encode_bundle's documented signature but
// is never used to elide the first message's timestamp: decode_bundle takes
// only (bytes, baseSeq), so a decoder has no way to recover an elided first
// timestamp across a bundle boundary. The first message in every bundle
// always carries its timestamp explicitly.
func encodeBundle(msgs []Message, codec Codec, sparse bool, basePrevTs uint64) ([]byte, error) {
	_ = basePrevTs
	if len(msgs) == 0 {
		return nil, malformed("encodeBundle", "empty message set")
	}

	raw := make([]byte, 0, 64*len(msgs))
	prevTS := msgs[0].TS
	prevSeq := msgs[0].SeqNum
	for i, m := range msgs {
		var flags byte
		useLastTS := i > 0 && m.TS == prevTS
		if useLastTS {
			flags |= msgFlagUseLastSpecifiedTS
		}
		havePrevPlusOne := false
		var seqDelta uint32
		interior := sparse && i > 0
		if interior {
			want := prevSeq + 1
			if m.SeqNum == want {
				havePrevPlusOne = true
				flags |= msgFlagSeqNumPrevPlusOne
			} else {
				seqDelta = uint32(m.SeqNum - want)
			}
		}
		haveKey := m.Key != nil
		if haveKey {
			flags |= msgFlagHaveKey
		}

		raw = append(raw, flags)
		if interior && !havePrevPlusOne {
			raw = encodeVaruint32(raw, seqDelta)
		}
		if !useLastTS {
			var tsBuf [8]byte
			binary.LittleEndian.PutUint64(tsBuf[:], m.TS)
			raw = append(raw, tsBuf[:]...)
		}
		if haveKey {
			if len(m.Key) > 255 {
				return nil, malformed("encodeBundle", "key exceeds 255 bytes")
			}
			raw = append(raw, byte(len(m.Key)))
			raw = append(raw, m.Key...)
		}
		raw = encodeVaruint32(raw, uint32(len(m.Payload)))
		raw = append(raw, m.Payload...)

		prevTS = m.TS
		prevSeq = m.SeqNum
	}

	switch codec {
	case CodecNone:
	case CodecSnappy:
		raw = snappy.Encode(nil, raw)
	default:
		return nil, malformed("encodeBundle", "unknown codec")
	}

	firstSeq := msgs[0].SeqNum
	lastSeq := msgs[len(msgs)-1].SeqNum

	var flags byte
	flags |= byte(codec) & bundleFlagCodecMask
	if sparse {
		flags |= bundleFlagSparseBit
	}
	sizeSmall := 0
	if len(raw) <= bundleSizeSmallMaxVal {
		sizeSmall = len(raw)
	}
	flags |= byte(sizeSmall<<bundleFlagSizeShift) & bundleFlagSizeMask

	out := make([]byte, 0, len(raw)+21)
	out = append(out, flags)
	if sizeSmall == 0 {
		out = encodeVaruint32(out, uint32(len(raw)))
	}
	if sparse {
		var seqBuf [8]byte
		binary.LittleEndian.PutUint64(seqBuf[:], firstSeq)
		out = append(out, seqBuf[:]...)
		out = encodeVaruint32(out, uint32(lastSeq-firstSeq))
	}
	out = append(out, raw...)
	return out, nil
}

// decodeBundle parses a single bundle framed at the start of buf. baseSeq is
// the sequence number the bundle would start at for a dense (non-sparse)
// bundle; it is ignored when the bundle is sparse (the bundle carries its
// own firstSeq). Returns the decoded range/messages and the number of bytes
// of buf the bundle occupied.
func decodeBundle(buf []byte, baseSeq uint64) (DecodedBundle, int, error) {
	if len(buf) < 1 {
		return DecodedBundle{}, 0, malformed("decodeBundle", "buffer shorter than flags byte")
	}
	flags := buf[0]
	codec := Codec(flags & bundleFlagCodecMask)
	sparse := flags&bundleFlagSparseBit != 0
	sizeSmall := int((flags & bundleFlagSizeMask) >> bundleFlagSizeShift)

	cursor := 1
	var msgSetSize uint32
	if sizeSmall == 0 {
		v, n, ok := decodeVaruint32(buf[cursor:])
		if !ok {
			return DecodedBundle{}, 0, malformed("decodeBundle", "bad msgSetSize varint")
		}
		msgSetSize = v
		cursor += n
	} else {
		msgSetSize = uint32(sizeSmall)
	}

	var firstSeq, lastSeq uint64
	if sparse {
		if len(buf) < cursor+8 {
			return DecodedBundle{}, 0, malformed("decodeBundle", "buffer shorter than sparse firstSeq")
		}
		firstSeq = binary.LittleEndian.Uint64(buf[cursor : cursor+8])
		cursor += 8
		delta, n, ok := decodeVaruint32(buf[cursor:])
		if !ok {
			return DecodedBundle{}, 0, malformed("decodeBundle", "bad lastSeqDelta varint")
		}
		cursor += n
		lastSeq = firstSeq + uint64(delta)
	} else {
		firstSeq = baseSeq
	}

	if len(buf) < cursor+int(msgSetSize) {
		return DecodedBundle{}, 0, malformed("decodeBundle", "buffer shorter than msgSetSize")
	}
	raw := buf[cursor : cursor+int(msgSetSize)]
	total := cursor + int(msgSetSize)

	switch codec {
	case CodecNone:
	case CodecSnappy:
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return DecodedBundle{}, 0, malformed("decodeBundle", "snappy: "+err.Error())
		}
		raw = decoded
	default:
		return DecodedBundle{}, 0, malformed("decodeBundle", "unknown codec")
	}

	msgs, err := decodeMessageSet(raw, firstSeq, sparse)
	if err != nil {
		return DecodedBundle{}, 0, err
	}
	if len(msgs) == 0 {
		return DecodedBundle{}, 0, malformed("decodeBundle", "empty message set")
	}
	actualLast := msgs[len(msgs)-1].SeqNum
	if sparse && actualLast != lastSeq {
		return DecodedBundle{}, 0, rangeViolation("I2", "sparse bundle lastSeq mismatch")
	}
	if !sparse {
		lastSeq = actualLast
	}

	return DecodedBundle{FirstSeq: firstSeq, LastSeq: lastSeq, Messages: msgs}, total, nil
}

func decodeMessageSet(raw []byte, firstSeq uint64, sparse bool) ([]Message, error) {
	var msgs []Message
	pos := 0
	prevTS := uint64(0)
	prevSeq := firstSeq
	for i := 0; pos < len(raw); i++ {
		if pos >= len(raw) {
			break
		}
		flags := raw[pos]
		pos++

		seq := firstSeq + uint64(i)
		interior := sparse && i > 0
		if interior {
			if flags&msgFlagSeqNumPrevPlusOne != 0 {
				seq = prevSeq + 1
			} else {
				delta, n, ok := decodeVaruint32(raw[pos:])
				if !ok {
					return nil, malformed("decodeMessageSet", "bad seq delta varint")
				}
				pos += n
				seq = prevSeq + 1 + uint64(delta)
			}
		} else if sparse {
			seq = firstSeq
		}

		var ts uint64
		if flags&msgFlagUseLastSpecifiedTS != 0 {
			if i == 0 {
				return nil, malformed("decodeMessageSet", "first message cannot reuse previous timestamp")
			}
			ts = prevTS
		} else {
			if len(raw)-pos < 8 {
				return nil, malformed("decodeMessageSet", "truncated timestamp")
			}
			ts = binary.LittleEndian.Uint64(raw[pos : pos+8])
			pos += 8
		}

		var key []byte
		if flags&msgFlagHaveKey != 0 {
			if pos >= len(raw) {
				return nil, malformed("decodeMessageSet", "truncated key length")
			}
			keyLen := int(raw[pos])
			pos++
			if len(raw)-pos < keyLen {
				return nil, malformed("decodeMessageSet", "truncated key")
			}
			key = append([]byte(nil), raw[pos:pos+keyLen]...)
			pos += keyLen
		}

		msgLen, n, ok := decodeVaruint32(raw[pos:])
		if !ok {
			return nil, malformed("decodeMessageSet", "bad msgLen varint")
		}
		pos += n
		if len(raw)-pos < int(msgLen) {
			return nil, malformed("decodeMessageSet", "truncated payload")
		}
		payload := append([]byte(nil), raw[pos:pos+int(msgLen)]...)
		pos += int(msgLen)

		msgs = append(msgs, Message{SeqNum: seq, TS: ts, Key: key, Payload: payload})
		prevTS = ts
		prevSeq = seq
	}
	return msgs, nil
}
