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
	"math"
	"sync"

	"github.com/wwjiang007/Impala/util/logutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	physicalOnce sync.Once
	physicalMem  int64 = math.MaxInt64
)

// PhysicalMemory returns the total physical memory of the host in bytes.
// Falls back to "unlimited" when the sysinfo call fails.
func PhysicalMemory() int64 {
	physicalOnce.Do(func() {
		var info unix.Sysinfo_t
		if err := unix.Sysinfo(&info); err != nil {
			logutil.Logger(context.Background()).Warn("failed to read physical memory size", zap.Error(err))
			return
		}
		physicalMem = int64(info.Totalram) * int64(info.Unit)
	})
	return physicalMem
}
