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

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wwjiang007/Impala/config"
	"github.com/wwjiang007/Impala/metrics"
	"github.com/wwjiang007/Impala/util/logutil"
	"github.com/wwjiang007/Impala/util/stringutil"
	"go.uber.org/zap"
)

// Process-wide tracker registries. Each lock only guards its map; tree
// mutation and the reclaim protocol never run under it, except for the
// attach of a freshly created tracker whose consumption is still zero.
var (
	queryMu       sync.Mutex
	queryTrackers = make(map[uuid.UUID]*queryTrackerEntry)

	poolMu       sync.Mutex
	poolTrackers = make(map[string]*Tracker)
)

type queryTrackerEntry struct {
	tracker *Tracker
	refs    int
}

// QueryTracker is a reference-counted handle on a query-scoped tracker.
// Every execution context (fragment, operator) of one query holds its own
// handle on the same underlying Tracker; the tracker is detached from its
// parent and destroyed when the last handle is released.
type QueryTracker struct {
	*Tracker
	id      uuid.UUID
	release sync.Once
}

// GetOrCreateQueryTracker returns a handle on the tracker registered for id,
// creating and attaching it on first call. Concurrent callers for the same id
// receive handles on the same tracker and must agree on byteLimit and parent;
// disagreement is a programming-contract violation and panics.
func GetOrCreateQueryTracker(id uuid.UUID, byteLimit int64, parent *Tracker) *QueryTracker {
	if byteLimit >= 0 && byteLimit > PhysicalMemory() {
		logutil.Logger(context.Background()).Warn("query memory limit exceeds physical memory",
			zap.String("query", id.String()),
			zap.Int64("limit", byteLimit),
			zap.Int64("physical", PhysicalMemory()))
	}

	queryMu.Lock()
	defer queryMu.Unlock()
	if entry, ok := queryTrackers[id]; ok {
		if entry.tracker.bytesLimit != byteLimit || entry.tracker.parent != parent {
			panic(fmt.Sprintf("query tracker %s recreated with mismatched limit or parent", id))
		}
		entry.refs++
		return &QueryTracker{Tracker: entry.tracker, id: id}
	}

	t := NewTracker(stringutil.MemoizeStr(func() string { return fmt.Sprintf("Query(%s)", id) }), byteLimit)
	t.SetActionOnExceed(NewActionFromConfig(config.GetGlobalConfig()))
	if parent != nil {
		t.AttachTo(parent)
	}
	metrics.MemoryLimit.WithLabelValues(t.label.String()).Set(float64(byteLimit))
	queryTrackers[id] = &queryTrackerEntry{tracker: t, refs: 1}
	return &QueryTracker{Tracker: t, id: id}
}

// LookupQueryTracker returns a new handle on the tracker registered for id,
// or nil when no live handle exists.
func LookupQueryTracker(id uuid.UUID) *QueryTracker {
	queryMu.Lock()
	defer queryMu.Unlock()
	entry, ok := queryTrackers[id]
	if !ok {
		return nil
	}
	entry.refs++
	return &QueryTracker{Tracker: entry.tracker, id: id}
}

// Close drops this handle's reference and is idempotent per handle. The last
// close exports the tracker's final peak, removes the entry from the registry
// and closes the underlying tracker, which panics when consumption has not
// returned to zero.
func (q *QueryTracker) Close() {
	q.release.Do(func() {
		queryMu.Lock()
		entry, ok := queryTrackers[q.id]
		if !ok {
			queryMu.Unlock()
			return
		}
		entry.refs--
		last := entry.refs == 0
		if last {
			delete(queryTrackers, q.id)
		}
		queryMu.Unlock()

		if last {
			metrics.MemoryMaxConsumed.WithLabelValues(q.label.String()).Set(float64(q.MaxConsumed()))
			q.Tracker.Close()
		}
	})
}

// GetOrCreatePoolTracker returns the resource pool tracker registered under
// poolName, creating it on first call. Pool trackers are unlimited
// aggregators living for the process lifetime. Returns nil when the pool has
// not been registered yet and no parent is supplied.
func GetOrCreatePoolTracker(poolName string, parent *Tracker) *Tracker {
	poolMu.Lock()
	defer poolMu.Unlock()
	if t, ok := poolTrackers[poolName]; ok {
		return t
	}
	if parent == nil {
		return nil
	}
	t := NewTracker(stringutil.StringerStr("RequestPool="+poolName), -1)
	t.AttachTo(parent)
	poolTrackers[poolName] = t
	return t
}

// RemovePoolTracker removes the pool tracker registered under poolName and
// detaches it from its parent. Removing a pool whose queries still account
// memory panics like any nonzero-consumption close.
func RemovePoolTracker(poolName string) {
	poolMu.Lock()
	t, ok := poolTrackers[poolName]
	if ok {
		delete(poolTrackers, poolName)
	}
	poolMu.Unlock()

	if ok {
		t.Close()
	}
}
