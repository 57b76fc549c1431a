// Package config loads and hot-reloads the engine's JSON configuration.
// Readers grab an immutable snapshot via GCO.Get(); a reload swaps the
// whole pointer.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package config

import (
	"os"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the engine-wide tunable set.
type Config struct {
	Rebuild struct {
		SegmentSizeBytes uint64 `json:"segment_size_bytes"`
		TaskPoolSize     int    `json:"task_pool_size"`
		MaxTaskRetries   int    `json:"max_task_retries"`
		Compression      string `json:"compression"` // "", "lz4"
	} `json:"rebuild"`
	Child struct {
		MaxIoAttempts      int   `json:"max_io_attempts"`
		ErrorWindowDepth    int   `json:"error_window_depth"`
		ErrorWindowRetNs   int64 `json:"error_window_retention_ns"`
		ErrorWindowMaxErrs int   `json:"error_window_max_errors"`
	} `json:"child"`
	Nvmf struct {
		CtrlrIDRangeLo uint16 `json:"ctrlr_id_range_lo"`
		CtrlrIDRangeHi uint16 `json:"ctrlr_id_range_hi"`
		// ControllerRetryDelayNs is the replica-side command-retry-delay
		// timer advertised to initiators. Must be >= KeepAliveNs or the
		// initiator gives up on the controller before the retry window
		// opens.
		ControllerRetryDelayNs int64 `json:"controller_retry_delay_ns"`
		KeepAliveNs            int64 `json:"keep_alive_ns"`
	} `json:"nvmf"`
	Rpc struct {
		ListenAddr  string `json:"listen_addr"`
		JwtHMACKey  string `json:"jwt_hmac_key"`
		AdminDeadlineMs int64 `json:"admin_deadline_ms"`
	} `json:"rpc"`
	Metrics struct {
		ListenAddr string `json:"listen_addr"`
	} `json:"metrics"`
	Persist struct {
		Path string `json:"path"`
	} `json:"persist"`
}

func defaultConfig() *Config {
	c := &Config{}
	c.Rebuild.SegmentSizeBytes = 64 * 1024
	c.Rebuild.TaskPoolSize = 16
	c.Rebuild.MaxTaskRetries = 3
	c.Child.MaxIoAttempts = 2
	c.Child.ErrorWindowDepth = 256
	c.Child.ErrorWindowRetNs = int64(60 * 1e9)
	c.Child.ErrorWindowMaxErrs = 10
	c.Nvmf.CtrlrIDRangeLo = 1
	c.Nvmf.CtrlrIDRangeHi = 65519
	c.Nvmf.KeepAliveNs = int64(15 * 1e9)
	c.Nvmf.ControllerRetryDelayNs = c.Nvmf.KeepAliveNs // floor: never below keep-alive
	c.Rpc.ListenAddr = ":10124"
	c.Rpc.AdminDeadlineMs = 5000
	c.Metrics.ListenAddr = ":9099"
	c.Persist.Path = "nexus.db"
	return c
}

// globalCfgOwner holds the config behind an atomically-swapped pointer so
// readers never observe a half-updated Config during a reload.
type globalCfgOwner struct {
	p atomic.Pointer[Config]
}

func (g *globalCfgOwner) Get() *Config { return g.p.Load() }

func (g *globalCfgOwner) Put(c *Config) { g.p.Store(c) }

var GCO = &globalCfgOwner{}

func init() { GCO.Put(defaultConfig()) }

// Load reads a JSON config file over the defaults and installs it.
func Load(path string) error {
	c := defaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	GCO.Put(c)
	return nil
}
