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

package scratch

import (
	"github.com/pingcap/parser/terror"
)

var (
	// ErrScratchLimitExceeded is returned when an allocation would push a
	// file group over its aggregate byte cap. Kept distinct from
	// ErrScratchIO so callers can surface an out-of-resources failure
	// instead of retrying a disk error.
	ErrScratchLimitExceeded = terror.ClassExecutor.New(codeScratchLimitExceeded,
		"scratch limit exceeded: allocating %d bytes with %d of %d bytes already allocated")

	// ErrScratchIO wraps filesystem failures on scratch files.
	ErrScratchIO = terror.ClassExecutor.New(codeScratchIO,
		"scratch file %s I/O error: %v")
)

const (
	codeScratchLimitExceeded terror.ErrCode = 8003
	codeScratchIO            terror.ErrCode = 8004
)
