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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cznic/mathutil"
	"github.com/wwjiang007/Impala/metrics"
)

// Tracker is used to track the memory usage during query execution.
// It contains an optional limit and can be arranged into a tree structure
// such that the consumption tracked by a Tracker is also tracked by
// its ancestors. The main idea comes from Apache Impala:
//
// https://github.com/cloudera/Impala/blob/cdh5-trunk/be/src/runtime/mem-tracker.h
//
// By default, memory consumption is tracked via calls to "Consume()", either to
// the tracker itself or to one of its descendents. A typical sequence of calls
// for a single Tracker is:
// 1. tracker.SetLabel() / tracker.SetActionOnExceed() / tracker.AttachTo()
// 2. tracker.Consume() / tracker.TryConsume() / tracker.BytesConsumed()
//
// NOTE: We only protect concurrent access to "bytesConsumed", "children" and
// the reclaimer list, that is to say:
// 1. "BytesConsumed()", "Consume()", "TryConsume()", "GcMemory()",
//    "AttachTo()" and "Detach()" are thread-safe.
// 2. Other operations of a Tracker tree are not thread-safe: a tracker must
//    be fully attached before its first Consume and its ancestry must not
//    change afterwards.
type Tracker struct {
	mu struct {
		sync.Mutex
		children []*Tracker // The children memory trackers
	}

	label         fmt.Stringer // Label of this "Tracker".
	bytesConsumed int64        // Consumed bytes, inclusive of all descendants.
	bytesLimit    int64        // Negative value means no limit.
	maxConsumed   int64        // Max number of bytes consumed during execution.

	actionOnExceed ActionOnExceed
	parent         *Tracker // The parent memory tracker.

	// limitTrackers is this tracker followed by every ancestor carrying a
	// limit, nearest first. Rebuilt on AttachTo and read lock-free on the
	// hot consumption path.
	limitTrackers []*Tracker

	gc struct {
		sync.Mutex // Serializes the reclaim protocol, one attempt per tracker at a time.
		reclaimers []Reclaimer
	}
	numGC              int64
	bytesFreedByLastGC int64
}

// Reclaimer frees memory accounted against a tracker on demand, typically by
// spilling in-memory state to scratch files. Implementations must be safe for
// use from the single goroutine running the reclaim protocol while other
// goroutines keep consuming.
type Reclaimer interface {
	// TryReclaim attempts to free at least target bytes and returns the
	// number of bytes actually freed. Freed bytes must be returned to the
	// tracker via Release before TryReclaim returns.
	TryReclaim(target int64) int64
}

// NewTracker creates a memory tracker.
//	1. "label" is the label used in the usage string.
//	2. "bytesLimit < 0" means no limit.
func NewTracker(label fmt.Stringer, bytesLimit int64) *Tracker {
	t := &Tracker{
		label:          label,
		bytesLimit:     bytesLimit,
		actionOnExceed: &LogOnExceed{},
	}
	t.rebuildLimitChain()
	return t
}

// SetActionOnExceed sets the action when memory usage is out of memory quota.
func (t *Tracker) SetActionOnExceed(a ActionOnExceed) {
	t.actionOnExceed = a
}

// SetLabel sets the label of a Tracker.
func (t *Tracker) SetLabel(label fmt.Stringer) {
	t.label = label
}

// Label returns the label of a Tracker.
func (t *Tracker) Label() fmt.Stringer {
	return t.label
}

// BytesLimit returns the byte limit of the Tracker, negative means unlimited.
func (t *Tracker) BytesLimit() int64 {
	return t.bytesLimit
}

func (t *Tracker) hasLimit() bool {
	return t.bytesLimit >= 0
}

// rebuildLimitChain materializes the ancestors-with-a-limit list so that the
// limit check never walks the tree. Must run after the parent pointer is set
// and before the tracker's first Consume.
func (t *Tracker) rebuildLimitChain() {
	chain := make([]*Tracker, 0, 2)
	for tracker := t; tracker != nil; tracker = tracker.parent {
		if tracker.hasLimit() {
			chain = append(chain, tracker)
		}
	}
	t.limitTrackers = chain
}

// AttachTo attaches this memory tracker as a child to another Tracker. If it
// already has a parent, this function will remove it from the old parent.
// Its consumed memory usage is used to update all its ancestors.
func (t *Tracker) AttachTo(parent *Tracker) {
	if t.parent != nil {
		t.parent.remove(t)
	}
	parent.mu.Lock()
	parent.mu.children = append(parent.mu.children, t)
	parent.mu.Unlock()

	t.parent = parent
	t.rebuildLimitChain()
	t.parent.Consume(t.BytesConsumed())
}

// Detach detaches this Tracker from its parent.
func (t *Tracker) Detach() {
	t.parent.remove(t)
	t.rebuildLimitChain()
}

func (t *Tracker) remove(oldChild *Tracker) {
	found := false
	t.mu.Lock()
	for i, child := range t.mu.children {
		if child != oldChild {
			continue
		}

		oldChild.parent = nil
		t.mu.children = append(t.mu.children[:i], t.mu.children[i+1:]...)
		found = true
		break
	}
	t.mu.Unlock()

	// The child's consumption has to come off every ancestor, not just the
	// direct parent, or the tree sums drift apart.
	if found {
		t.Release(oldChild.BytesConsumed())
	}
}

// ReplaceChild removes the old child specified in "oldChild" and add a new
// child specified in "newChild". old child's memory consumption will be
// removed and new child's memory consumption will be added.
func (t *Tracker) ReplaceChild(oldChild, newChild *Tracker) {
	if newChild == nil {
		t.remove(oldChild)
		return
	}

	newConsumed := newChild.BytesConsumed()
	newChild.parent = t
	newChild.rebuildLimitChain()

	t.mu.Lock()
	for i, child := range t.mu.children {
		if child != oldChild {
			continue
		}

		newConsumed -= oldChild.BytesConsumed()
		oldChild.parent = nil
		t.mu.children[i] = newChild
		break
	}
	t.mu.Unlock()

	t.Consume(newConsumed)
}

// Consume is used to consume a memory usage. "bytes" can be a negative value,
// which means this is a memory release operation. It never fails; when the
// consumption crosses a limit afterwards the tracker's ActionOnExceed fires.
func (t *Tracker) Consume(bytes int64) {
	if exceed := t.consume(bytes); exceed != nil {
		exceed.actionOnExceed.Action(exceed)
	}
}

// Release returns bytes to this tracker and all its ancestors. Callers must
// not release more than they have consumed cumulatively.
func (t *Tracker) Release(bytes int64) {
	t.Consume(-bytes)
}

// consume adjusts every counter on the path to the root and returns the
// topmost tracker whose limit is exceeded afterwards, if any.
func (t *Tracker) consume(bytes int64) *Tracker {
	var rootExceed *Tracker
	for tracker := t; tracker != nil; tracker = tracker.parent {
		consumed := atomic.AddInt64(&tracker.bytesConsumed, bytes)
		if tracker.hasLimit() && consumed > tracker.bytesLimit {
			rootExceed = tracker
		}

		for {
			maxNow := atomic.LoadInt64(&tracker.maxConsumed)
			consumed = atomic.LoadInt64(&tracker.bytesConsumed)
			if consumed > maxNow && !atomic.CompareAndSwapInt64(&tracker.maxConsumed, maxNow, consumed) {
				continue
			}
			break
		}
	}
	return rootExceed
}

// LimitExceeded returns true when this tracker or any limited ancestor is
// over its limit.
func (t *Tracker) LimitExceeded() bool {
	for _, tracker := range t.limitTrackers {
		if tracker.BytesConsumed() > tracker.bytesLimit {
			return true
		}
	}
	return false
}

// TryConsume consumes like Consume but enforces the limit chain. When a limit
// is exceeded afterwards the reclaim protocol runs on the offending tracker;
// if consumption is still over the limit when the reclaimers are exhausted,
// the consumption is rolled back and a resource-exhaustion error carrying the
// tracker's diagnostic dump is returned.
func (t *Tracker) TryConsume(bytes int64) error {
	if t.consume(bytes) == nil {
		return nil
	}
	for _, tracker := range t.limitTrackers {
		if tracker.BytesConsumed() <= tracker.bytesLimit {
			continue
		}
		if tracker.GcMemory(tracker.bytesLimit) {
			t.consume(-bytes)
			tracker.actionOnExceed.Action(tracker)
			return ErrMemoryLimitExceeded.GenWithStackByArgs(bytes, tracker.label.String(), tracker.bytesLimit, tracker.String())
		}
	}
	return nil
}

// GcMemory runs the reclaim protocol: with the per-tracker GC lock held it
// re-samples consumption (another goroutine may already have reclaimed),
// then invokes the registered reclaimers in registration order, stopping as
// soon as consumption drops to maxConsumption. Returns true when consumption
// is still above maxConsumption after every reclaimer has run.
func (t *Tracker) GcMemory(maxConsumption int64) bool {
	if maxConsumption < 0 {
		return false
	}
	t.gc.Lock()
	defer t.gc.Unlock()
	preGC := t.BytesConsumed()
	// Check if someone gc'd before us.
	if preGC <= maxConsumption {
		return false
	}
	atomic.AddInt64(&t.numGC, 1)
	metrics.MemoryGCTotal.WithLabelValues(t.label.String()).Inc()

	for _, reclaimer := range t.gc.reclaimers {
		reclaimer.TryReclaim(t.BytesConsumed() - maxConsumption)
		if t.BytesConsumed() <= maxConsumption {
			break
		}
	}

	freed := preGC - t.BytesConsumed()
	atomic.StoreInt64(&t.bytesFreedByLastGC, freed)
	metrics.MemoryBytesFreedByLastGC.WithLabelValues(t.label.String()).Set(float64(freed))
	return t.BytesConsumed() > maxConsumption
}

// RegisterReclaimer appends r to the reclaim sequence invoked by GcMemory.
func (t *Tracker) RegisterReclaimer(r Reclaimer) {
	t.gc.Lock()
	t.gc.reclaimers = append(t.gc.reclaimers, r)
	t.gc.Unlock()
}

// NumGC returns the number of reclaim attempts run on this tracker.
func (t *Tracker) NumGC() int64 {
	return atomic.LoadInt64(&t.numGC)
}

// BytesFreedByLastGC returns the net bytes freed by the most recent reclaim
// attempt.
func (t *Tracker) BytesFreedByLastGC() int64 {
	return atomic.LoadInt64(&t.bytesFreedByLastGC)
}

// BytesConsumed returns the consumed memory usage value in bytes.
func (t *Tracker) BytesConsumed() int64 {
	return atomic.LoadInt64(&t.bytesConsumed)
}

// MaxConsumed returns max number of bytes consumed during execution.
func (t *Tracker) MaxConsumed() int64 {
	return atomic.LoadInt64(&t.maxConsumed)
}

// AggregateChildLimits reports how much memory a limitless pool-level tracker
// has promised to its children: a child's limit when it has one (clamped to
// physical memory so absurd quotas do not overflow), otherwise the child's
// current consumption. Unlimited children are therefore never double counted.
func (t *Tracker) AggregateChildLimits() int64 {
	var reserved int64
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, child := range t.mu.children {
		if child.hasLimit() {
			reserved += mathutil.MinInt64(child.bytesLimit, PhysicalMemory())
		} else {
			reserved += child.BytesConsumed()
		}
	}
	return reserved
}

// Close detaches the tracker from its parent. Closing a tracker that still
// accounts memory is a programming error and panics with the tree dump.
func (t *Tracker) Close() {
	if consumed := t.BytesConsumed(); consumed != 0 {
		panic(fmt.Sprintf("tracker %s closed with %d bytes still consumed%s", t.label, consumed, t.String()))
	}
	if t.parent != nil {
		t.Detach()
	}
}

// String returns the string representation of this Tracker tree.
func (t *Tracker) String() string {
	buffer := bytes.NewBufferString("\n")
	t.toString("", buffer)
	return buffer.String()
}

func (t *Tracker) toString(indent string, buffer *bytes.Buffer) {
	fmt.Fprintf(buffer, "%s\"%s\"{\n", indent, t.label)
	if t.hasLimit() {
		fmt.Fprintf(buffer, "%s  \"quota\": %s\n", indent, t.BytesToString(t.bytesLimit))
	}
	fmt.Fprintf(buffer, "%s  \"consumed\": %s\n", indent, t.BytesToString(t.BytesConsumed()))
	fmt.Fprintf(buffer, "%s  \"peak\": %s\n", indent, t.BytesToString(t.MaxConsumed()))

	t.mu.Lock()
	for i := range t.mu.children {
		if t.mu.children[i] != nil {
			t.mu.children[i].toString(indent+"  ", buffer)
		}
	}
	t.mu.Unlock()
	buffer.WriteString(indent + "}\n")
}

// BytesToString converts the memory consumption to a readable string.
func (t *Tracker) BytesToString(numBytes int64) string {
	GB := float64(numBytes) / float64(1<<30)
	if GB > 1 {
		return fmt.Sprintf("%v GB", GB)
	}

	MB := float64(numBytes) / float64(1<<20)
	if MB > 1 {
		return fmt.Sprintf("%v MB", MB)
	}

	KB := float64(numBytes) / float64(1<<10)
	if KB > 1 {
		return fmt.Sprintf("%v KB", KB)
	}

	return fmt.Sprintf("%v Bytes", numBytes)
}
