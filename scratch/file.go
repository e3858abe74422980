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
	"os"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/wwjiang007/Impala/metrics"
	"github.com/wwjiang007/Impala/util/logutil"
	"go.uber.org/zap"
)

// File is a scratch file owned by exactly one FileGroup. Space is
// bump-allocated: AllocateSpace hands out the range at the current end of
// file and ranges are never reused within the file's lifetime. The file does
// not exist on disk until the first allocation.
type File struct {
	mgr      *Manager
	deviceID DeviceID
	path     string

	mu          sync.Mutex
	currentSize int64
	blacklisted bool
}

// Path returns the on-disk path of the file.
func (f *File) Path() string {
	return f.path
}

// DeviceID returns the device the file resides on.
func (f *File) DeviceID() DeviceID {
	return f.deviceID
}

// AllocatedBytes returns the bytes handed out so far, which equals the
// file's on-disk size.
func (f *File) AllocatedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentSize
}

// IsBlacklisted returns whether an I/O error has been reported against this
// file while the blacklisting policy was enabled.
func (f *File) IsBlacklisted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted
}

// AllocateSpace allocates a contiguous range of numBytes at the end of the
// file and returns its offset. The backing file is created on first use and
// grown to offset+numBytes; its logical size is left unchanged when the
// filesystem call fails, so a failed allocation never invalidates ranges
// handed out earlier.
func (f *File) AllocateSpace(numBytes int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	failpoint.Inject("scratchAllocateSpaceError", func() {
		failpoint.Return(0, ErrScratchIO.GenWithStackByArgs(f.path, "injected error"))
	})

	offset := f.currentSize
	if offset == 0 {
		fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return 0, ErrScratchIO.GenWithStackByArgs(f.path, err)
		}
		if err = fd.Close(); err != nil {
			return 0, ErrScratchIO.GenWithStackByArgs(f.path, err)
		}
	}
	if err := os.Truncate(f.path, offset+numBytes); err != nil {
		return 0, ErrScratchIO.GenWithStackByArgs(f.path, err)
	}
	f.currentSize = offset + numBytes
	metrics.ScratchAllocatedBytes.Add(float64(numBytes))
	return offset, nil
}

// ReportIOError records an I/O error the caller observed on this file. With
// the blacklisting policy enabled the file and its device are taken out of
// the active set for future NewFile calls; by default the error is only
// counted and logged and both stay usable.
func (f *File) ReportIOError(ioErr error) {
	metrics.ScratchIOErrors.Inc()
	logutil.Logger(context.Background()).Error("scratch file I/O error",
		zap.String("file", f.path),
		zap.Int("device", int(f.deviceID)),
		zap.Error(ioErr))
	if !f.mgr.blacklistOnError {
		return
	}
	f.mu.Lock()
	f.blacklisted = true
	f.mu.Unlock()
	f.mgr.blacklistDevice(f.deviceID)
}

// remove deletes the on-disk artifact, tolerating files that were never
// created or are already gone.
func (f *File) remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	f.currentSize = 0
	return nil
}
