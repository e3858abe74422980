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

package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/wwjiang007/Impala/util/logutil"
	"go.uber.org/atomic"
)

// Config number limitations
const (
	MaxLogFileSize = 4096 // MB
)

// Valid actions when a tracker runs over its memory quota.
const (
	OOMActionLog    = "log"
	OOMActionCancel = "cancel"
)

// Config contains configuration options.
type Config struct {
	// OOMAction is taken when a plain Consume pushes a tracker over its
	// quota, one of "log" or "cancel".
	OOMAction string `toml:"oom-action" json:"oom-action"`
	// MemQuotaQuery is the default per-query memory quota in bytes.
	MemQuotaQuery int64 `toml:"mem-quota-query" json:"mem-quota-query"`

	Log         Log         `toml:"log" json:"log"`
	Status      Status      `toml:"status" json:"status"`
	Performance Performance `toml:"performance" json:"performance"`
	Scratch     Scratch     `toml:"scratch" json:"scratch"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Status is the status section of the config.
type Status struct {
	ReportStatus    bool   `toml:"report-status" json:"report-status"`
	StatusHost      string `toml:"status-host" json:"status-host"`
	StatusPort      uint   `toml:"status-port" json:"status-port"`
	MetricsAddr     string `toml:"metrics-addr" json:"metrics-addr"`
	MetricsInterval uint   `toml:"metrics-interval" json:"metrics-interval"`
}

// Performance is the performance section of the config.
type Performance struct {
	MaxProcs uint `toml:"max-procs" json:"max-procs"`
	// MaxMemory is the process-wide memory quota in bytes, 0 = unlimited.
	MaxMemory uint64 `toml:"max-memory" json:"max-memory"`
}

// Scratch is the scratch space section of the config.
type Scratch struct {
	// Dirs lists the scratch directories, ideally one per physical device.
	Dirs []string `toml:"dirs" json:"dirs"`
	// OneDirPerDevice rejects directories that resolve to an
	// already-registered physical device.
	OneDirPerDevice bool `toml:"one-dir-per-device" json:"one-dir-per-device"`
	// BlacklistOnError removes a device from the active set after an I/O
	// error has been reported against it.
	BlacklistOnError bool `toml:"blacklist-on-error" json:"blacklist-on-error"`
	// QueryBytesLimit caps the scratch bytes one query may hold at once,
	// -1 = unlimited.
	QueryBytesLimit int64 `toml:"query-bytes-limit" json:"query-bytes-limit"`
}

// The ErrConfigValidationFailed error is used so that external callers can do a type assertion
// to defer handling of this specific error when someone does not want strict type checking.
// This is needed only because logging hasn't been set up at the time we parse the config file.
// This should all be ripped out once strict config checking is made the default behavior.
type ErrConfigValidationFailed struct {
	err string
}

func (e *ErrConfigValidationFailed) Error() string {
	return e.err
}

var defaultConf = Config{
	OOMAction:     OOMActionLog,
	MemQuotaQuery: 32 << 30,
	Log: Log{
		Level:  logutil.DefaultLogLevel,
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(true, logutil.DefaultLogMaxSize),
	},
	Status: Status{
		ReportStatus:    true,
		StatusHost:      "0.0.0.0",
		StatusPort:      10080,
		MetricsInterval: 15,
	},
	Performance: Performance{
		MaxMemory: 0,
	},
	Scratch: Scratch{
		Dirs:             []string{"/tmp"},
		OneDirPerDevice:  false,
		BlacklistOnError: false,
		QueryBytesLimit:  -1,
	},
}

var globalConf = atomic.Value{}

func init() {
	globalConf.Store(&defaultConf)
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return globalConf.Load().(*Config)
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	metaData, err := toml.DecodeFile(confFile, c)
	// If any items in confFile file are not mapped into the Config struct, issue
	// an error and stop the server from starting.
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 && err == nil {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		err = &ErrConfigValidationFailed{fmt.Sprintf("config file %s contained unknown configuration options: %s", confFile, strings.Join(undecodedItems, ", "))}
	}
	return err
}

// Valid checks if this config is valid.
func (c *Config) Valid() error {
	if c.OOMAction != OOMActionLog && c.OOMAction != OOMActionCancel {
		return errors.Errorf("unsupported OOMAction %v, only [%v, %v] are supported", c.OOMAction, OOMActionLog, OOMActionCancel)
	}
	if c.Log.File.MaxSize > MaxLogFileSize {
		return errors.Errorf("invalid max log file size=%v which is larger than max=%v", c.Log.File.MaxSize, MaxLogFileSize)
	}
	if c.Scratch.QueryBytesLimit < -1 {
		return errors.Errorf("scratch query-bytes-limit should be -1 (unlimited) or non-negative, got %v", c.Scratch.QueryBytesLimit)
	}
	for _, dir := range c.Scratch.Dirs {
		if dir == "" {
			return errors.New("scratch dirs must not contain empty paths")
		}
	}
	return nil
}
