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

	"github.com/google/uuid"
	. "github.com/pingcap/check"
	"github.com/wwjiang007/Impala/util/stringutil"
)

var _ = Suite(&testRegistrySuite{})

type testRegistrySuite struct{}

func (s *testRegistrySuite) TestQueryTrackerIdentity(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	pool := GetOrCreatePoolTracker("identity-pool", root)
	c.Assert(pool, NotNil)

	id := uuid.New()
	const callers = 8
	handles := make([]*QueryTracker, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i] = GetOrCreateQueryTracker(id, 1<<20, pool)
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		c.Assert(handles[i].Tracker, Equals, handles[0].Tracker)
	}

	looked := LookupQueryTracker(id)
	c.Assert(looked, NotNil)
	c.Assert(looked.Tracker, Equals, handles[0].Tracker)
	looked.Close()

	for _, h := range handles {
		h.Close()
	}
	// The last release removed the registry entry.
	c.Assert(LookupQueryTracker(id), IsNil)
	c.Assert(root.BytesConsumed(), Equals, int64(0))
}

func (s *testRegistrySuite) TestQueryTrackerCloseIsIdempotent(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	pool := GetOrCreatePoolTracker("release-pool", root)

	id := uuid.New()
	h1 := GetOrCreateQueryTracker(id, -1, pool)
	h2 := GetOrCreateQueryTracker(id, -1, pool)
	h1.Close()
	h1.Close()
	c.Assert(LookupQueryTracker(id), NotNil)
	LookupQueryTracker(id).Close()
	h2.Close()
	c.Assert(LookupQueryTracker(id), IsNil)
}

func (s *testRegistrySuite) TestQueryTrackerMismatchPanics(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	pool := GetOrCreatePoolTracker("mismatch-pool", root)

	id := uuid.New()
	h := GetOrCreateQueryTracker(id, 1<<20, pool)
	c.Assert(func() { GetOrCreateQueryTracker(id, 2<<20, pool) },
		PanicMatches, `query tracker .* recreated with mismatched limit or parent`)
	c.Assert(func() { GetOrCreateQueryTracker(id, 1<<20, root) },
		PanicMatches, `query tracker .* recreated with mismatched limit or parent`)
	h.Close()
}

func (s *testRegistrySuite) TestPoolTrackerIdempotent(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)

	// Unknown pool without a parent cannot be created.
	c.Assert(GetOrCreatePoolTracker("idempotent-pool", nil), IsNil)

	p1 := GetOrCreatePoolTracker("idempotent-pool", root)
	c.Assert(p1, NotNil)
	p2 := GetOrCreatePoolTracker("idempotent-pool", nil)
	c.Assert(p2, Equals, p1)
	p3 := GetOrCreatePoolTracker("idempotent-pool", root)
	c.Assert(p3, Equals, p1)

	RemovePoolTracker("idempotent-pool")
	c.Assert(GetOrCreatePoolTracker("idempotent-pool", nil), IsNil)
}

func (s *testRegistrySuite) TestQueryTrackerConsumptionFlowsToPool(c *C) {
	root := NewTracker(stringutil.StringerStr("root"), -1)
	pool := GetOrCreatePoolTracker("flow-pool", root)

	id := uuid.New()
	h := GetOrCreateQueryTracker(id, 1<<30, pool)
	h.Consume(4096)
	c.Assert(pool.BytesConsumed(), Equals, int64(4096))
	c.Assert(root.BytesConsumed(), Equals, int64(4096))
	c.Assert(pool.AggregateChildLimits(), Equals, int64(1<<30))
	h.Release(4096)
	h.Close()
	c.Assert(root.BytesConsumed(), Equals, int64(0))
}
