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

// Scratch space metrics.
var (
	ActiveScratchDirs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "impala",
			Subsystem: "scratch",
			Name:      "active_dirs",
			Help:      "Number of scratch directories that are usable and not blacklisted.",
		})

	ScratchAllocatedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "scratch",
			Name:      "allocated_bytes_total",
			Help:      "Total bytes bump-allocated in scratch files.",
		})

	ScratchIOErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "scratch",
			Name:      "io_errors_total",
			Help:      "Counter of I/O errors reported against scratch files.",
		})

	ScratchLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "scratch",
			Name:      "limit_exceeded_total",
			Help:      "Counter of allocations rejected by a file group's aggregate limit.",
		})
)
