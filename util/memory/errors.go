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
	"github.com/pingcap/parser/mysql"
	"github.com/pingcap/parser/terror"
)

var (
	errMemExceedThreshold = terror.ClassExecutor.New(codeMemExceedThreshold, mysql.MySQLErrName[mysql.ErrMemExceedThreshold])

	// ErrMemoryLimitExceeded is returned by TryConsume when the reclaim
	// protocol failed to bring consumption back under the limit. It carries
	// the attempted allocation size, the offending tracker's label and limit,
	// and the diagnostic tree dump.
	ErrMemoryLimitExceeded = terror.ClassExecutor.New(codeMemoryLimitExceeded,
		"failed to allocate %d bytes: memory limit exceeded on tracker %s (limit %d bytes)%s")
)

const (
	codeMemExceedThreshold  terror.ErrCode = 8001
	codeMemoryLimitExceeded terror.ErrCode = 8002
)
