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
	"sync"
	"testing"

	. "github.com/pingcap/check"
	"github.com/wwjiang007/Impala/util/stringutil"
)

func TestT(t *testing.T) {
	CustomVerboseFlag = true
	TestingT(t)
}

var _ = Suite(&testTrackerSuite{})

type testTrackerSuite struct{}

func (s *testTrackerSuite) TestConsumeAndRelease(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	left := NewTracker(stringutil.StringerStr("left"), -1)
	right := NewTracker(stringutil.StringerStr("right"), -1)
	left.AttachTo(root)
	right.AttachTo(root)

	left.Consume(100)
	right.Consume(200)
	c.Assert(left.BytesConsumed(), Equals, int64(100))
	c.Assert(root.BytesConsumed(), Equals, int64(300))

	leaf := NewTracker(stringutil.StringerStr("leaf"), -1)
	leaf.AttachTo(left)
	leaf.Consume(50)
	c.Assert(left.BytesConsumed(), Equals, int64(150))
	c.Assert(root.BytesConsumed(), Equals, int64(350))
	c.Assert(root.MaxConsumed(), Equals, int64(350))
	c.Assert(left.MaxConsumed(), Equals, int64(150))

	leaf.Release(50)
	right.Release(200)
	left.Release(100)
	c.Assert(root.BytesConsumed(), Equals, int64(0))
	c.Assert(root.MaxConsumed(), Equals, int64(350))
}

func (s *testTrackerSuite) TestConcurrentConsume(c *C) {
	const (
		workers      = 8
		roundsPerJob = 1000
	)
	root := NewTracker(stringutil.StringerStr("root"), -1)
	leaves := make([]*Tracker, workers)
	for i := range leaves {
		leaves[i] = NewTracker(stringutil.StringerStr("leaf"), -1)
		leaves[i].AttachTo(root)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(t *Tracker) {
			defer wg.Done()
			for j := 0; j < roundsPerJob; j++ {
				t.Consume(4)
			}
			for j := 0; j < roundsPerJob; j++ {
				t.Release(4)
			}
		}(leaves[i])
	}
	wg.Wait()

	c.Assert(root.BytesConsumed(), Equals, int64(0))
	for _, leaf := range leaves {
		c.Assert(leaf.BytesConsumed(), Equals, int64(0))
		c.Assert(leaf.MaxConsumed(), Equals, int64(4*roundsPerJob))
	}
}

func (s *testTrackerSuite) TestAttachAndDetach(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	child := NewTracker(stringutil.StringerStr("child"), -1)
	child.Consume(80)
	child.AttachTo(root)
	c.Assert(root.BytesConsumed(), Equals, int64(80))

	child.Detach()
	c.Assert(root.BytesConsumed(), Equals, int64(0))
	c.Assert(child.BytesConsumed(), Equals, int64(80))
	child.Release(80)
}

func (s *testTrackerSuite) TestDetachPropagatesToAncestors(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	pool := NewTracker(stringutil.StringerStr("pool"), -1)
	child := NewTracker(stringutil.StringerStr("child"), -1)
	pool.AttachTo(root)
	child.AttachTo(pool)

	child.Consume(80)
	c.Assert(pool.BytesConsumed(), Equals, int64(80))
	c.Assert(root.BytesConsumed(), Equals, int64(80))

	child.Detach()
	c.Assert(pool.BytesConsumed(), Equals, int64(0))
	c.Assert(root.BytesConsumed(), Equals, int64(0))
	c.Assert(child.BytesConsumed(), Equals, int64(80))
	child.Release(80)

	// Removing through ReplaceChild with a nil replacement takes the same
	// path up the tree.
	child.AttachTo(pool)
	child.Consume(30)
	pool.ReplaceChild(child, nil)
	c.Assert(pool.BytesConsumed(), Equals, int64(0))
	c.Assert(root.BytesConsumed(), Equals, int64(0))
	child.Release(30)

	// Re-parenting moves the consumption between the old and new chain.
	other := NewTracker(stringutil.StringerStr("other"), -1)
	other.AttachTo(root)
	child.AttachTo(pool)
	child.Consume(50)
	child.AttachTo(other)
	c.Assert(pool.BytesConsumed(), Equals, int64(0))
	c.Assert(other.BytesConsumed(), Equals, int64(50))
	c.Assert(root.BytesConsumed(), Equals, int64(50))
	child.Release(50)
}

func (s *testTrackerSuite) TestReplaceChild(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	oldChild := NewTracker(stringutil.StringerStr("old"), -1)
	oldChild.AttachTo(root)
	oldChild.Consume(100)

	newChild := NewTracker(stringutil.StringerStr("new"), -1)
	newChild.Consume(30)
	root.ReplaceChild(oldChild, newChild)
	c.Assert(root.BytesConsumed(), Equals, int64(30))

	newChild.Consume(10)
	c.Assert(root.BytesConsumed(), Equals, int64(40))

	root.ReplaceChild(newChild, nil)
	c.Assert(root.BytesConsumed(), Equals, int64(0))
}

func (s *testTrackerSuite) TestLimitExceededThroughAncestor(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), 100)
	child := NewTracker(stringutil.StringerStr("child"), -1)
	child.AttachTo(root)

	child.Consume(95)
	c.Assert(child.LimitExceeded(), IsFalse)

	// The child has no limit of its own; the failure must come from the
	// ancestor's limit.
	err := child.TryConsume(10)
	c.Assert(err, NotNil)
	c.Assert(ErrMemoryLimitExceeded.Equal(err), IsTrue)
	c.Assert(child.BytesConsumed(), Equals, int64(95))
	c.Assert(root.BytesConsumed(), Equals, int64(95))

	child.Consume(10)
	c.Assert(child.LimitExceeded(), IsTrue)
	c.Assert(root.LimitExceeded(), IsTrue)
	child.Release(105)
}

type stubReclaimer struct {
	tracker  *Tracker
	freeable int64
	calls    int
}

func (r *stubReclaimer) TryReclaim(target int64) int64 {
	r.calls++
	freed := r.freeable
	if freed > target {
		freed = target
	}
	r.freeable -= freed
	r.tracker.Release(freed)
	return freed
}

func (s *testTrackerSuite) TestTryConsumeReclaim(c *C) {
	tracker := NewTracker(stringutil.StringerStr("query"), 100)
	reclaimer := &stubReclaimer{tracker: tracker, freeable: 50}
	tracker.RegisterReclaimer(reclaimer)

	tracker.Consume(90)
	// Soft exhaustion: the reclaimer frees the 10 bytes over limit and the
	// caller never sees a failure.
	c.Assert(tracker.TryConsume(20), IsNil)
	c.Assert(tracker.BytesConsumed(), Equals, int64(100))
	c.Assert(tracker.NumGC(), Equals, int64(1))
	c.Assert(tracker.BytesFreedByLastGC(), Equals, int64(10))

	// Hard exhaustion: 40 freeable bytes remain but 50 are needed, so the
	// consumption is rolled back and the error carries the dump.
	err := tracker.TryConsume(50)
	c.Assert(err, NotNil)
	c.Assert(ErrMemoryLimitExceeded.Equal(err), IsTrue)
	c.Assert(err.Error(), Matches, "(?s).*memory limit exceeded on tracker query.*")
	c.Assert(tracker.BytesConsumed(), Equals, int64(60))
	c.Assert(tracker.NumGC(), Equals, int64(2))
	c.Assert(tracker.BytesFreedByLastGC(), Equals, int64(40))
	tracker.Release(60)
}

func (s *testTrackerSuite) TestReclaimersRunInOrder(c *C) {
	tracker := NewTracker(stringutil.StringerStr("query"), 100)
	first := &stubReclaimer{tracker: tracker, freeable: 1000}
	second := &stubReclaimer{tracker: tracker, freeable: 1000}
	tracker.RegisterReclaimer(first)
	tracker.RegisterReclaimer(second)

	tracker.Consume(90)
	c.Assert(tracker.TryConsume(20), IsNil)
	c.Assert(first.calls, Equals, 1)
	// The first reclaimer freed enough, so the second was never invoked.
	c.Assert(second.calls, Equals, 0)
	tracker.Release(tracker.BytesConsumed())
}

func (s *testTrackerSuite) TestGcMemorySkipsWhenAlreadyBelowTarget(c *C) {
	tracker := NewTracker(stringutil.StringerStr("query"), -1)
	reclaimer := &stubReclaimer{tracker: tracker, freeable: 10}
	tracker.RegisterReclaimer(reclaimer)

	tracker.Consume(50)
	c.Assert(tracker.GcMemory(100), IsFalse)
	c.Assert(reclaimer.calls, Equals, 0)
	c.Assert(tracker.NumGC(), Equals, int64(0))
	tracker.Release(50)
}

func (s *testTrackerSuite) TestCloseWithOutstandingBytesPanics(c *C) {
	tracker := NewTracker(stringutil.StringerStr("leaky"), -1)
	tracker.Consume(1)
	c.Assert(func() { tracker.Close() }, PanicMatches, `(?s).*closed with 1 bytes still consumed.*`)
	tracker.Release(1)
	tracker.Close()
}

func (s *testTrackerSuite) TestAggregateChildLimits(c *C) {
	pool := NewTracker(stringutil.StringerStr("pool"), -1)
	limited := NewTracker(stringutil.StringerStr("limited"), 1000)
	unlimited := NewTracker(stringutil.StringerStr("unlimited"), -1)
	limited.AttachTo(pool)
	unlimited.AttachTo(pool)

	unlimited.Consume(123)
	c.Assert(pool.AggregateChildLimits(), Equals, int64(1123))
	unlimited.Release(123)
	c.Assert(pool.AggregateChildLimits(), Equals, int64(1000))
}

func (s *testTrackerSuite) TestString(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), 2<<20)
	child := NewTracker(stringutil.StringerStr("child"), -1)
	child.AttachTo(root)
	child.Consume(512)

	dump := root.String()
	c.Assert(dump, Matches, `(?s).*"root"\{.*`)
	c.Assert(dump, Matches, `(?s).*"quota": 2 MB.*`)
	c.Assert(dump, Matches, `(?s).*"child"\{.*`)
	c.Assert(dump, Matches, `(?s).*"consumed": 512 Bytes.*`)
	c.Assert(dump, Matches, `(?s).*"peak": 512 Bytes.*`)
	child.Release(512)
}

func (s *testTrackerSuite) TestLogOnExceedActsOnce(c *C) {
	tracker := NewTracker(stringutil.StringerStr("query"), 10)
	var hookCalls int
	action := &LogOnExceed{ConnID: 1}
	action.SetLogHook(func(uint64) { hookCalls++ })
	tracker.SetActionOnExceed(action)

	tracker.Consume(20)
	tracker.Consume(1)
	c.Assert(hookCalls, Equals, 1)
	tracker.Release(21)
}
