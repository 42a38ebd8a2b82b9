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

// Package metrics exposes Prometheus counters/gauges for the storage
// engine. This is purely observational: none of it changes
// append/roll/retention/compaction semantics, it only reports on them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the engine reports and registers them
// against a caller-supplied registerer (so embedding binaries control
// whether this joins the default registry or a private one).
type Collector struct {
	Appends           *prometheus.CounterVec
	AppendBytes       *prometheus.CounterVec
	Rolls             *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	FlushFailures     prometheus.Counter
	RetentionRemovals *prometheus.CounterVec
	Compactions       *prometheus.CounterVec
	CompactionSeconds prometheus.Histogram
	OpenPartitions    prometheus.Gauge
}

// NewCollector builds and registers the full metric set.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tanklog_appends_total",
			Help: "Number of bundles appended, labeled by topic.",
		}, []string{"topic"}),
		AppendBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tanklog_append_bytes_total",
			Help: "Bytes written to active segments, labeled by topic.",
		}, []string{"topic"}),
		Rolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tanklog_segment_rolls_total",
			Help: "Number of active segment rolls, labeled by topic.",
		}, []string{"topic"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tanklog_flush_duration_seconds",
			Help:    "Durable flush (fsync of data+index) latency.",
			Buckets: prometheus.DefBuckets,
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tanklog_flush_failures_total",
			Help: "Number of durable flushes that returned an error.",
		}),
		RetentionRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tanklog_retention_removed_segments_total",
			Help: "Segments removed by delete-policy retention, labeled by topic.",
		}, []string{"topic"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tanklog_compactions_total",
			Help: "Compaction passes run, labeled by topic and result.",
		}, []string{"topic", "result"}),
		CompactionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tanklog_compaction_duration_seconds",
			Help:    "Wall-clock duration of a compaction pass.",
			Buckets: prometheus.DefBuckets,
		}),
		OpenPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tanklog_open_partitions",
			Help: "Number of partition logs currently held open by the passive cache.",
		}),
	}
	reg.MustRegister(
		c.Appends, c.AppendBytes, c.Rolls, c.FlushDuration, c.FlushFailures,
		c.RetentionRemovals, c.Compactions, c.CompactionSeconds, c.OpenPartitions,
	)
	return c
}

// OnFlush adapts to storage.FlushWorker's onFlush hook signature.
func (c *Collector) OnFlush(d time.Duration, err error) {
	c.FlushDuration.Observe(d.Seconds())
	if err != nil {
		c.FlushFailures.Inc()
	}
}

// The methods below satisfy storage.Metrics structurally: PartitionConfig
// accepts anything with this shape, so the storage package never imports
// this one.

func (c *Collector) ObserveAppend(topic string, bytes int) {
	c.Appends.WithLabelValues(topic).Inc()
	c.AppendBytes.WithLabelValues(topic).Add(float64(bytes))
}

func (c *Collector) ObserveRoll(topic string) {
	c.Rolls.WithLabelValues(topic).Inc()
}

func (c *Collector) ObserveRetentionRemoval(topic string) {
	c.RetentionRemovals.WithLabelValues(topic).Inc()
}

func (c *Collector) ObserveCompaction(topic, result string, d time.Duration) {
	c.Compactions.WithLabelValues(topic, result).Inc()
	c.CompactionSeconds.Observe(d.Seconds())
}
