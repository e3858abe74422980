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
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/wwjiang007/Impala/metrics"
	"github.com/wwjiang007/Impala/util/logutil"
	"go.uber.org/zap"
)

// FileGroup is the set of scratch files backing one query's spilled state,
// together with the aggregate byte cap shared by all of them. Allocations
// rotate over the registered files in registration order. The group mutex is
// the serialization point for the cursor and the aggregate counter; callers
// may write to different files concurrently once ranges are handed out.
type FileGroup struct {
	mgr *Manager

	mu             sync.Mutex
	files          []*File
	aggregateLimit int64 // Negative value means no limit.
	currentBytes   int64
	nextAllocIndex int
}

// NewFile registers a new scratch file for ownerID on the given device and
// appends it to the group's round-robin sequence. No disk I/O happens here,
// the file is created by its first allocation, so NewFile never fails due to
// disk state.
func (g *FileGroup) NewFile(deviceID DeviceID, ownerID uuid.UUID) (*File, error) {
	device, err := g.mgr.device(deviceID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if device.isBlacklisted() {
		return nil, errors.Errorf("scratch device %d is blacklisted", deviceID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	f := &File{
		mgr:      g.mgr,
		deviceID: deviceID,
		path:     filepath.Join(device.path, fmt.Sprintf("%s_%d", ownerID, len(g.files))),
	}
	g.files = append(g.files, f)
	return f, nil
}

// NewFilesOnActiveDevices registers one file per active device for ownerID.
func (g *FileGroup) NewFilesOnActiveDevices(ownerID uuid.UUID) ([]*File, error) {
	ids := g.mgr.ActiveDevices()
	files := make([]*File, 0, len(ids))
	for _, id := range ids {
		f, err := g.NewFile(id, ownerID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		files = append(files, f)
	}
	return files, nil
}

// AllocateSpace allocates numBytes from the group. The aggregate limit is
// enforced first: an allocation that would push the group over it fails with
// ErrScratchLimitExceeded without touching any file. Otherwise the next file
// in registration order serves the allocation; the cursor advances only when
// the allocation succeeds, so a failed call retries the same file.
func (g *FileGroup) AllocateSpace(numBytes int64) (*File, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aggregateLimit >= 0 && g.currentBytes+numBytes > g.aggregateLimit {
		metrics.ScratchLimitExceeded.Inc()
		return nil, 0, ErrScratchLimitExceeded.GenWithStackByArgs(numBytes, g.currentBytes, g.aggregateLimit)
	}
	if len(g.files) == 0 {
		return nil, 0, errors.New("no scratch files registered in the group")
	}

	idx := g.nextAllocIndex % len(g.files)
	file := g.files[idx]
	offset, err := file.AllocateSpace(numBytes)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	g.currentBytes += numBytes
	g.nextAllocIndex = (idx + 1) % len(g.files)
	return file, offset, nil
}

// AllocatedBytes returns the total bytes currently allocated across the
// group's files.
func (g *FileGroup) AllocatedBytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentBytes
}

// Close deletes every file's on-disk artifact and releases the group's
// accounting. Deletion is best-effort: a file that was never created or was
// already removed is not an error, other failures are logged and skipped.
func (g *FileGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.files {
		if err := f.remove(); err != nil {
			logutil.Logger(context.Background()).Warn("failed to remove scratch file",
				zap.String("file", f.Path()), zap.Error(err))
		}
	}
	g.files = nil
	g.currentBytes = 0
	g.nextAllocIndex = 0
}
