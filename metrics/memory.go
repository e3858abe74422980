// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Memory tracker metrics.
var (
	MemoryMaxConsumed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "impala",
			Subsystem: "memory",
			Name:      "max_consumed_bytes",
			Help:      "Peak bytes consumed by the tracker.",
		}, []string{LblTracker})

	MemoryLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "impala",
			Subsystem: "memory",
			Name:      "limit_bytes",
			Help:      "Configured byte limit of the tracker, -1 means unlimited.",
		}, []string{LblTracker})

	MemoryGCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "memory",
			Name:      "gc_total",
			Help:      "Counter of reclaim (GC) attempts on the tracker.",
		}, []string{LblTracker})

	MemoryBytesFreedByLastGC = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "impala",
			Subsystem: "memory",
			Name:      "bytes_freed_by_last_gc",
			Help:      "Bytes freed by the tracker's most recent reclaim attempt.",
		}, []string{LblTracker})
)
