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
	"strconv"
	"strings"
	"time"
)

// CleanupPolicy selects how considerRoSegments treats RO segments once
// retention fires.
type CleanupPolicy int

const (
	PolicyDelete CleanupPolicy = iota
	PolicyCleanup
)

// PartitionConfig is the validated configuration the core consumes. The
// properties-file/flag-parsing layer that produces the raw key/value map is
// kept separate; ParsePartitionConfig only validates and types that map.
type PartitionConfig struct {
	RoSegmentsCnt         int64
	CleanupPolicy         CleanupPolicy
	LogCleanRatioMin      float64
	LastSegmentMaxAge     time.Duration
	RoSegmentsSize        int64
	MaxSegmentSize        int64
	IndexIntervalBytes    int64
	MaxIndexSize          int64
	MaxRollJitterSecs     time.Duration
	CurSegmentMaxAge      time.Duration
	FlushIntervalMsgs     int64
	FlushIntervalSecs     time.Duration
	Logger                *slog.Logger

	// Archive, when set, is invoked with a sealed segment's paths just
	// before retention would unlink it (pkg/archive wires this to an
	// object-store tier). Metrics, when set, receives append/roll/
	// retention/compaction observations. Both are nil by default, in which
	// case the engine runs with no archival tiering and no instrumentation.
	Archive ArchiveFunc
	Metrics Metrics
}

// DefaultPartitionConfig mirrors sane production defaults; ParsePartitionConfig
// starts from this and overrides whichever keys are present in raw.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		RoSegmentsCnt:      0,
		CleanupPolicy:      PolicyDelete,
		LogCleanRatioMin:   0.5,
		LastSegmentMaxAge:  0,
		RoSegmentsSize:     0,
		MaxSegmentSize:     1 << 30,
		IndexIntervalBytes: 4096,
		MaxIndexSize:       10 << 20,
		MaxRollJitterSecs:  0,
		CurSegmentMaxAge:   7 * 24 * time.Hour,
		FlushIntervalMsgs:  20000,
		FlushIntervalSecs:  30 * time.Second,
	}
}

// ParsePartitionConfig validates and types an already-tokenized key/value
// map of topic configuration properties, returning *ConfigError (wrapping
// ErrConfigInvalid) on the first invalid entry.
func ParsePartitionConfig(raw map[string]string) (PartitionConfig, error) {
	cfg := DefaultPartitionConfig()

	if v, ok := raw["retention.segments.count"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, configError("retention.segments.count", v, "not an integer")
		}
		if n != 0 && n < 2 {
			return cfg, configError("retention.segments.count", v, "must be 0 or >= 2")
		}
		cfg.RoSegmentsCnt = n
	}

	if v, ok := raw["log.cleanup.policy"]; ok {
		switch v {
		case "delete":
			cfg.CleanupPolicy = PolicyDelete
		case "cleanup":
			cfg.CleanupPolicy = PolicyCleanup
		default:
			return cfg, configError("log.cleanup.policy", v, `must be "cleanup" or "delete"`)
		}
	}

	if v, ok := raw["log.cleaner.min.cleanable.ratio"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return cfg, configError("log.cleaner.min.cleanable.ratio", v, "must be in [0,1]")
		}
		cfg.LogCleanRatioMin = f
	}

	if v, ok := raw["log.retention.secs"]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, configError("log.retention.secs", v, err.Error())
		}
		cfg.LastSegmentMaxAge = d
	}

	if v, ok := raw["log.retention.bytes"]; ok {
		n, err := parseSize(v)
		if err != nil {
			return cfg, configError("log.retention.bytes", v, err.Error())
		}
		if n != 0 && n < 128 {
			return cfg, configError("log.retention.bytes", v, "must be 0 or >= 128")
		}
		cfg.RoSegmentsSize = n
	}

	if v, ok := raw["log.segment.bytes"]; ok {
		n, err := parseSize(v)
		if err != nil {
			return cfg, configError("log.segment.bytes", v, err.Error())
		}
		if n < 64 {
			return cfg, configError("log.segment.bytes", v, "must be >= 64")
		}
		cfg.MaxSegmentSize = n
	}

	if v, ok := raw["log.index.interval.bytes"]; ok {
		n, err := parseSize(v)
		if err != nil {
			return cfg, configError("log.index.interval.bytes", v, err.Error())
		}
		if n < 128 {
			return cfg, configError("log.index.interval.bytes", v, "must be >= 128")
		}
		cfg.IndexIntervalBytes = n
	}

	if v, ok := raw["log.index.size.max.bytes"]; ok {
		n, err := parseSize(v)
		if err != nil {
			return cfg, configError("log.index.size.max.bytes", v, err.Error())
		}
		if n < 128 {
			return cfg, configError("log.index.size.max.bytes", v, "must be >= 128")
		}
		cfg.MaxIndexSize = n
	}

	if v, ok := raw["log.roll.jitter.secs"]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, configError("log.roll.jitter.secs", v, err.Error())
		}
		cfg.MaxRollJitterSecs = d
	}

	if v, ok := raw["log.roll.secs"]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, configError("log.roll.secs", v, err.Error())
		}
		cfg.CurSegmentMaxAge = d
	}

	if v, ok := raw["flush.messages"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return cfg, configError("flush.messages", v, "must be a non-negative integer")
		}
		cfg.FlushIntervalMsgs = n
	}

	if v, ok := raw["flush.secs"]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, configError("flush.secs", v, err.Error())
		}
		cfg.FlushIntervalSecs = d
	}

	return cfg, nil
}

var durationUnits = map[string]int64{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
	"w": 7 * 86400, "week": 7 * 86400, "weeks": 7 * 86400,
	// month/year both scale as 365 days rather than a calendar month/year:
	// a known, deliberately preserved quirk of the duration grammar.
	"mon": 365 * 86400, "month": 365 * 86400, "months": 365 * 86400,
	"y": 365 * 86400, "year": 365 * 86400, "years": 365 * 86400,
}

var sizeUnits = map[string]int64{
	"b": 1, "bytes": 1,
	"k": 1024, "kb": 1024,
	"m": 1024 * 1024, "mb": 1024 * 1024,
	"g": 1024 * 1024 * 1024, "gb": 1024 * 1024 * 1024,
	"t": 1024 * 1024 * 1024 * 1024, "tb": 1024 * 1024 * 1024 * 1024,
}

// parseDuration parses sequences of <number><unit> optionally joined by ","
// or "+". A missing unit means seconds.
func parseDuration(s string) (time.Duration, error) {
	total, err := parseQuantitySequence(s, durationUnits)
	if err != nil {
		return 0, err
	}
	return time.Duration(total) * time.Second, nil
}

// parseSize parses the analogous byte-size grammar.
func parseSize(s string) (int64, error) {
	return parseQuantitySequence(s, sizeUnits)
}

func parseQuantitySequence(s string, units map[string]int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errInvalidQuantity("empty value")
	}
	var total int64
	rest := s
	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, ",+ \t")
		if rest == "" {
			return 0, errInvalidQuantity("expected a number after separator in " + strconv.Quote(s))
		}
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, errInvalidQuantity("expected a number in " + strconv.Quote(s))
		}
		numPart := rest[:i]
		rest = rest[i:]

		j := 0
		for j < len(rest) && !(rest[j] >= '0' && rest[j] <= '9') && rest[j] != ',' && rest[j] != '+' {
			j++
		}
		unitPart := strings.ToLower(strings.TrimSpace(rest[:j]))
		rest = rest[j:]

		n, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil {
			return 0, errInvalidQuantity("bad number " + strconv.Quote(numPart))
		}

		mult := int64(1)
		if unitPart != "" {
			m, ok := units[unitPart]
			if !ok {
				return 0, errInvalidQuantity("unknown unit " + strconv.Quote(unitPart))
			}
			mult = m
		}
		total += n * mult
	}
	return total, nil
}

type quantityError string

func (e quantityError) Error() string { return string(e) }

func errInvalidQuantity(msg string) error { return quantityError(msg) }
