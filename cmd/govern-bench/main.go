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

// govern-bench drives the memory tracker tree and the scratch space manager
// the way a busy coordinator would: C workers run N fake queries, each query
// consuming memory in A chunks against its quota and spilling to scratch
// through a reclaimer when the quota runs out.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"
	"time"

	"github.com/cznic/mathutil"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/parser/terror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wwjiang007/Impala/config"
	"github.com/wwjiang007/Impala/metrics"
	"github.com/wwjiang007/Impala/scratch"
	"github.com/wwjiang007/Impala/util/logutil"
	"github.com/wwjiang007/Impala/util/memory"
	"github.com/wwjiang007/Impala/util/stringutil"
	"go.uber.org/zap"
)

var (
	queryCnt   = flag.Int("N", 10000, "number of queries to run")
	workerCnt  = flag.Int("C", 16, "concurrent workers")
	allocCnt   = flag.Int("A", 64, "allocations per query")
	allocSize  = flag.Int64("S", 1<<20, "bytes per allocation")
	queryQuota = flag.Int64("quota", 16<<20, "per-query memory quota in bytes")
	scratchDir = flag.String("scratch", os.TempDir(), "scratch directory")
	statusAddr = flag.String("status", ":9191", "prometheus status address")
	logLevel   = flag.String("L", "error", "log level: info, debug, warn, error, fatal")

	queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "bench",
			Name:      "queries_total",
			Help:      "Counter of benchmark queries.",
		}, []string{"type"})

	queryFailedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "impala",
			Subsystem: "bench",
			Name:      "queries_failed_total",
			Help:      "Counter of benchmark queries rejected on memory.",
		}, []string{"type"})

	queryDurations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "impala",
			Subsystem: "bench",
			Name:      "query_durations_histogram_seconds",
			Help:      "Benchmark query latency distributions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"type"})
)

var (
	rootTracker *memory.Tracker
	poolTracker *memory.Tracker
	scratchMgr  *scratch.Manager
)

// Init sets up logging, config, metrics and the two governed resources.
func Init() {
	cfg := config.NewConfig()
	cfg.MemQuotaQuery = *queryQuota
	cfg.Scratch.Dirs = []string{*scratchDir}
	config.StoreGlobalConfig(cfg)

	logCfg := logutil.NewLogConfig(logutil.DefaultLogLevel, logutil.DefaultLogFormat,
		logutil.NewFileLogConfig(false, logutil.DefaultLogMaxSize), false)
	terror.MustNil(logutil.InitZapLogger(logCfg))
	terror.MustNil(logutil.SetLevel(*logLevel))

	metrics.RegisterMetrics()
	prometheus.MustRegister(queryCounter)
	prometheus.MustRegister(queryFailedCounter)
	prometheus.MustRegister(queryDurations)
	http.Handle("/metrics", prometheus.Handler())
	go func() {
		err := http.ListenAndServe(*statusAddr, nil)
		terror.Log(errors.Trace(err))
	}()

	serverQuota := int64(-1)
	if cfg.Performance.MaxMemory > 0 {
		serverQuota = int64(cfg.Performance.MaxMemory)
	}
	rootTracker = memory.NewTracker(stringutil.StringerStr("Process"), serverQuota)
	poolTracker = memory.GetOrCreatePoolTracker("bench", rootTracker)

	scratchMgr = scratch.NewManager()
	terror.MustNil(scratchMgr.Init())
}

// spillReclaimer moves tracked bytes to scratch space when a query runs over
// its quota, the way a spillable operator would.
type spillReclaimer struct {
	tracker *memory.Tracker
	group   *scratch.FileGroup
}

func (r *spillReclaimer) TryReclaim(target int64) int64 {
	spill := mathutil.MinInt64(target, r.tracker.BytesConsumed())
	if spill <= 0 {
		return 0
	}
	if _, _, err := r.group.AllocateSpace(spill); err != nil {
		terror.Log(errors.Trace(err))
		return 0
	}
	r.tracker.Release(spill)
	return spill
}

// runQuery consumes memory in chunks against the query quota, spilling
// through the reclaimer when needed, then returns every resource.
func runQuery() {
	queryCounter.WithLabelValues("query").Inc()
	start := time.Now()

	id := uuid.New()
	ctx := logutil.WithQueryID(context.Background(), id.String())
	handle := memory.GetOrCreateQueryTracker(id, *queryQuota, poolTracker)
	group := scratchMgr.NewFileGroupForQuery()
	_, err := group.NewFilesOnActiveDevices(id)
	terror.MustNil(err)
	handle.RegisterReclaimer(&spillReclaimer{tracker: handle.Tracker, group: group})

	for i := 0; i < *allocCnt; i++ {
		if err := handle.TryConsume(*allocSize); err != nil {
			queryFailedCounter.WithLabelValues("query").Inc()
			logutil.Logger(ctx).Warn("memory quota exhausted", zap.Error(err))
			break
		}
	}
	// The reclaimer may have moved part of the consumption to scratch;
	// return whatever is still on the tracker.
	handle.Release(handle.BytesConsumed())
	group.Close()
	handle.Close()

	queryDurations.WithLabelValues("query").Observe(time.Since(start).Seconds())
}

func runLoad() {
	wg := sync.WaitGroup{}
	base := *queryCnt / *workerCnt
	wg.Add(*workerCnt)
	for i := 0; i < *workerCnt; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < base; j++ {
				runQuery()
			}
		}()
	}
	wg.Wait()
}

func main() {
	flag.Parse()
	Init()

	t := time.Now()
	runLoad()

	fmt.Println(rootTracker.String())
	fmt.Printf("\nelapse:%v, total %v\n", time.Since(t), *queryCnt)
}
