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

// Package scratch manages the on-disk scratch space queries spill to when
// they run over their memory quota. A Manager owns one Device per configured
// scratch directory; each query draws byte ranges from a FileGroup whose
// files are bump-allocated and deleted together when the query releases its
// resources.
package scratch

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pingcap/errors"
	"github.com/wwjiang007/Impala/config"
	"github.com/wwjiang007/Impala/metrics"
	"github.com/wwjiang007/Impala/util/logutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// scratchSubDirName is created under every configured scratch directory so
// leftover spill files can be wiped without touching unrelated data.
const scratchSubDirName = "impala-scratch"

// DeviceID indexes a scratch device within its Manager. IDs are stable for
// the Manager's lifetime, blacklisting only removes a device from the active
// set.
type DeviceID int

// Device is one registered scratch directory, ideally mapping to one
// physical disk.
type Device struct {
	id    DeviceID
	path  string // The impala-scratch subdirectory files are created in.
	fsDev uint64 // Filesystem device number of the configured directory.

	mu          sync.Mutex
	blacklisted bool
}

// Path returns the directory scratch files of this device are created in.
func (d *Device) Path() string {
	return d.path
}

func (d *Device) isBlacklisted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blacklisted
}

func (d *Device) blacklist() {
	d.mu.Lock()
	d.blacklisted = true
	d.mu.Unlock()
}

// Manager owns the scratch device registry and creates the file groups
// queries allocate from.
type Manager struct {
	mu          sync.Mutex
	devices     []*Device
	initialized bool

	blacklistOnError bool
	queryBytesLimit  int64
}

// NewManager creates an uninitialized scratch space manager.
func NewManager() *Manager {
	return &Manager{queryBytesLimit: -1}
}

// Init registers the devices listed in the [scratch] config section.
func (m *Manager) Init() error {
	cfg := config.GetGlobalConfig().Scratch
	m.blacklistOnError = cfg.BlacklistOnError
	m.queryBytesLimit = cfg.QueryBytesLimit
	return m.InitCustom(cfg.Dirs, cfg.OneDirPerDevice)
}

// InitCustom registers one scratch device per directory in dirs, creating the
// scratch subdirectory under each. With oneDirPerDevice set, a directory that
// resolves to an already-registered filesystem device is a configuration
// error: it is reported and skipped, keeping the first directory per device
// active. Unusable directories are skipped the same way; Init fails only when
// no directory is usable at all.
func (m *Manager) InitCustom(dirs []string, oneDirPerDevice bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return errors.New("scratch space manager is already initialized")
	}

	logger := logutil.Logger(logutil.WithKeyValue(context.Background(), "component", "scratch"))
	seen := make(map[uint64]string, len(dirs))
	for _, dir := range dirs {
		var st unix.Stat_t
		if err := unix.Stat(dir, &st); err != nil {
			logger.Error("skipping unusable scratch directory",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		fsDev := uint64(st.Dev)
		if oneDirPerDevice {
			if active, dup := seen[fsDev]; dup {
				logger.Error("scratch directory rejected: same physical device as an earlier directory",
					zap.String("dir", dir), zap.String("active", active))
				continue
			}
		}
		scratchDir := filepath.Join(dir, scratchSubDirName)
		if err := os.MkdirAll(scratchDir, 0700); err != nil {
			logger.Error("skipping scratch directory, cannot create scratch subdirectory",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		if _, dup := seen[fsDev]; !dup {
			seen[fsDev] = dir
		}
		m.devices = append(m.devices, &Device{
			id:    DeviceID(len(m.devices)),
			path:  scratchDir,
			fsDev: fsDev,
		})
	}
	if len(m.devices) == 0 {
		return errors.New("no usable scratch directories")
	}
	m.initialized = true
	metrics.ActiveScratchDirs.Set(float64(len(m.devices)))
	return nil
}

// ActiveDevices returns the ids of the devices that are not blacklisted.
func (m *Manager) ActiveDevices() []DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make([]DeviceID, 0, len(m.devices))
	for _, d := range m.devices {
		if !d.isBlacklisted() {
			active = append(active, d.id)
		}
	}
	return active
}

// NumActiveDevices returns the number of devices that are not blacklisted.
func (m *Manager) NumActiveDevices() int {
	return len(m.ActiveDevices())
}

// DevicePath returns the scratch directory of the given device.
func (m *Manager) DevicePath(id DeviceID) (string, error) {
	d, err := m.device(id)
	if err != nil {
		return "", err
	}
	return d.path, nil
}

func (m *Manager) device(id DeviceID) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) < 0 || int(id) >= len(m.devices) {
		return nil, errors.Errorf("unknown scratch device %d", id)
	}
	return m.devices[id], nil
}

func (m *Manager) blacklistDevice(id DeviceID) {
	d, err := m.device(id)
	if err != nil {
		return
	}
	d.blacklist()
	metrics.ActiveScratchDirs.Set(float64(m.NumActiveDevices()))
}

// NewFileGroup creates an empty file group drawing from this manager's
// devices. aggregateLimit caps the total bytes the group may hold at once,
// negative means unlimited.
func (m *Manager) NewFileGroup(aggregateLimit int64) *FileGroup {
	return &FileGroup{mgr: m, aggregateLimit: aggregateLimit}
}

// NewFileGroupForQuery creates a file group capped by the configured
// per-query scratch limit.
func (m *Manager) NewFileGroupForQuery() *FileGroup {
	return m.NewFileGroup(m.queryBytesLimit)
}
