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

import "time"

// Metrics is the narrow observability seam PartitionLog reports through. It
// is satisfied structurally (pkg/metrics.Collector implements it) so this
// package never imports an ambient-stack package for its own core logic.
type Metrics interface {
	ObserveAppend(topic string, bytes int)
	ObserveRoll(topic string)
	ObserveRetentionRemoval(topic string)
	ObserveCompaction(topic, result string, d time.Duration)
}
