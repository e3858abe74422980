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

package stringutil

import (
	"testing"

	. "github.com/pingcap/check"
)

func TestT(t *testing.T) {
	CustomVerboseFlag = true
	TestingT(t)
}

var _ = Suite(&testStringUtilSuite{})

type testStringUtilSuite struct{}

func (s *testStringUtilSuite) TestMemoizeStr(c *C) {
	var calls int
	label := MemoizeStr(func() string {
		calls++
		return "Query(6fdee6eb)"
	})
	c.Assert(label.String(), Equals, "Query(6fdee6eb)")
	c.Assert(label.String(), Equals, "Query(6fdee6eb)")
	c.Assert(calls, Equals, 1)
}

func (s *testStringUtilSuite) TestStringerStr(c *C) {
	c.Assert(StringerStr("root").String(), Equals, "root")
}
