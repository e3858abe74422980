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

// metrics labels.
const (
	LblTracker = "tracker"
)

// RegisterMetrics registers the metrics which are ONLY used in this module.
func RegisterMetrics() {
	prometheus.MustRegister(MemoryMaxConsumed)
	prometheus.MustRegister(MemoryLimit)
	prometheus.MustRegister(MemoryGCTotal)
	prometheus.MustRegister(MemoryBytesFreedByLastGC)
	prometheus.MustRegister(ActiveScratchDirs)
	prometheus.MustRegister(ScratchAllocatedBytes)
	prometheus.MustRegister(ScratchIOErrors)
	prometheus.MustRegister(ScratchLimitExceeded)
}
