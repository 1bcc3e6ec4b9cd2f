// Copyright 2024 KeelDB, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the backend's executor configuration.
package config

import (
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Defaults for the executor configuration.
const (
	// DefaultChunkSize is the row batch size when neither the config file nor
	// the query options override it.
	DefaultChunkSize = 4096
	// DefaultExpireSeconds is the query context lifetime extension applied
	// when the coordinator ships no delivery timeout.
	DefaultExpireSeconds = 300
	// DefaultMaxPipelineDOP caps the per-fragment degree of parallelism.
	DefaultMaxPipelineDOP = 64
	// DefaultDriverLimit caps concurrently admitted drivers process-wide.
	DefaultDriverLimit = 10240
	// DefaultQueryCacheNumLanesPerDriver sizes the result cache lane count
	// relative to the fragment DOP.
	DefaultQueryCacheNumLanesPerDriver = 4
)

// Config contains the executor configuration options.
type Config struct {
	// PipelineDOP is the default source-side degree of parallelism. 0 means
	// half the logical cores.
	PipelineDOP int `toml:"pipeline-dop" json:"pipeline-dop"`
	// PipelineSinkDOP is the default sink-side degree of parallelism. 0 means
	// half the logical cores.
	PipelineSinkDOP int `toml:"pipeline-sink-dop" json:"pipeline-sink-dop"`
	// MaxPipelineDOP caps both lane counts.
	MaxPipelineDOP int `toml:"max-pipeline-dop" json:"max-pipeline-dop"`
	// DriverLimit caps concurrently admitted drivers. <= 0 means no limit.
	DriverLimit int `toml:"driver-limit" json:"driver-limit"`
	// ChunkSize is the default row batch size.
	ChunkSize int32 `toml:"chunk-size" json:"chunk-size"`
	// DefaultExpireSeconds is the default query context lifetime extension.
	DefaultExpireSeconds int32 `toml:"default-expire-seconds" json:"default-expire-seconds"`
	// QueryCacheNumLanesPerDriver scales the result cache lane count.
	QueryCacheNumLanesPerDriver int `toml:"query-cache-num-lanes-per-driver" json:"query-cache-num-lanes-per-driver"`
	// ProcessMemLimitBytes caps total process memory. <= 0 means no limit.
	ProcessMemLimitBytes int64 `toml:"process-mem-limit-bytes" json:"process-mem-limit-bytes"`
	// QueryPoolMemLimitBytes caps memory of all running queries. <= 0 means
	// no limit.
	QueryPoolMemLimitBytes int64 `toml:"query-pool-mem-limit-bytes" json:"query-pool-mem-limit-bytes"`
}

// NewConfig creates a config with default values.
func NewConfig() *Config {
	return &Config{
		MaxPipelineDOP:              DefaultMaxPipelineDOP,
		DriverLimit:                 DefaultDriverLimit,
		ChunkSize:                   DefaultChunkSize,
		DefaultExpireSeconds:        DefaultExpireSeconds,
		QueryCacheNumLanesPerDriver: DefaultQueryCacheNumLanesPerDriver,
	}
}

// Load loads the config from a toml file, rejecting unknown keys.
func (c *Config) Load(confFile string) error {
	metaData, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown configuration option %q", undecoded[0].String())
	}
	return nil
}

// Valid checks the loaded values.
func (c *Config) Valid() error {
	if c.MaxPipelineDOP < 1 {
		return errors.Errorf("max-pipeline-dop must be at least 1, got %d", c.MaxPipelineDOP)
	}
	if c.ChunkSize < 1 {
		return errors.Errorf("chunk-size must be at least 1, got %d", c.ChunkSize)
	}
	if c.DefaultExpireSeconds < 1 {
		return errors.Errorf("default-expire-seconds must be at least 1, got %d", c.DefaultExpireSeconds)
	}
	if c.QueryCacheNumLanesPerDriver < 1 {
		return errors.Errorf("query-cache-num-lanes-per-driver must be at least 1, got %d", c.QueryCacheNumLanesPerDriver)
	}
	return nil
}

func (c *Config) calcDOP(requested int32, configured int) int {
	dop := configured
	if requested > 0 {
		dop = int(requested)
	}
	if dop <= 0 {
		dop = runtime.GOMAXPROCS(0) / 2
	}
	if dop > c.MaxPipelineDOP {
		dop = c.MaxPipelineDOP
	}
	if dop < 1 {
		dop = 1
	}
	return dop
}

// CalcPipelineDOP resolves the source-side degree of parallelism: the
// request's explicit value when positive, otherwise the configured default,
// otherwise half the logical cores, always within [1, MaxPipelineDOP].
func (c *Config) CalcPipelineDOP(requested int32) int {
	return c.calcDOP(requested, c.PipelineDOP)
}

// CalcPipelineSinkDOP resolves the sink-side degree of parallelism with the
// same rules as CalcPipelineDOP.
func (c *Config) CalcPipelineSinkDOP(requested int32) int {
	return c.calcDOP(requested, c.PipelineSinkDOP)
}
