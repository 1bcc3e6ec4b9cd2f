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

// Package execenv assembles the process-wide execution environment every
// fragment preparation depends on. There are no package-level singletons;
// callers construct one Env and inject it.
package execenv

import (
	"context"
	"runtime"

	"github.com/keeldb/keel/pkg/config"
	"github.com/keeldb/keel/pkg/driverlimit"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/query"
	"github.com/keeldb/keel/pkg/rfilter"
	"github.com/keeldb/keel/pkg/scheduler"
	"github.com/keeldb/keel/pkg/streamload"
	"github.com/keeldb/keel/pkg/util/memory"
	"github.com/keeldb/keel/pkg/workgroup"
)

// Env is the backend's execution environment: configuration, the memory
// tracker hierarchy root, the registries and the driver executor.
type Env struct {
	cfg *config.Config

	processMemTracker   *memory.Tracker
	queryPoolMemTracker *memory.Tracker

	queryMgr     *query.Manager
	workgroupMgr *workgroup.Manager
	limiter      *driverlimit.Limiter
	executor     pipeline.Executor

	rfWorker      *rfilter.Worker
	streamLoadMgr *streamload.Manager
}

// New builds an environment from cfg. The tracker hierarchy is
// process -> query pool -> workgroup -> query -> instance.
func New(cfg *config.Config) *Env {
	processTracker := memory.NewTracker("process", cfg.ProcessMemLimitBytes)
	queryPoolTracker := memory.NewTracker("query_pool", cfg.QueryPoolMemLimitBytes)
	queryPoolTracker.AttachTo(processTracker)

	return &Env{
		cfg:                 cfg,
		processMemTracker:   processTracker,
		queryPoolMemTracker: queryPoolTracker,
		queryMgr:            query.NewManager(),
		workgroupMgr:        workgroup.NewManager(queryPoolTracker),
		limiter:             driverlimit.NewLimiter(cfg.DriverLimit),
		executor:            scheduler.NewDriverExecutor("pipeline_driver", runtime.GOMAXPROCS(0)),
		rfWorker:            rfilter.NewWorker(),
		streamLoadMgr:       streamload.NewManager(),
	}
}

// Start launches the driver executor.
func (e *Env) Start(ctx context.Context) {
	if de, ok := e.executor.(*scheduler.DriverExecutor); ok {
		de.Start(ctx)
	}
}

// Stop shuts the driver executor down and waits for in-flight drivers.
func (e *Env) Stop() {
	if de, ok := e.executor.(*scheduler.DriverExecutor); ok {
		de.ReleaseAndWait()
	}
}

// Config returns the executor configuration.
func (e *Env) Config() *config.Config { return e.cfg }

// ProcessMemTracker returns the root tracker.
func (e *Env) ProcessMemTracker() *memory.Tracker { return e.processMemTracker }

// QueryPoolMemTracker returns the tracker all query memory attributes to.
func (e *Env) QueryPoolMemTracker() *memory.Tracker { return e.queryPoolMemTracker }

// QueryMgr returns the live query context registry.
func (e *Env) QueryMgr() *query.Manager { return e.queryMgr }

// WorkgroupMgr returns the workgroup registry.
func (e *Env) WorkgroupMgr() *workgroup.Manager { return e.workgroupMgr }

// DriverLimiter returns the process-wide driver admission limiter.
func (e *Env) DriverLimiter() *driverlimit.Limiter { return e.limiter }

// DriverExecutor returns the executor drivers are submitted to.
func (e *Env) DriverExecutor() pipeline.Executor { return e.executor }

// SetDriverExecutor swaps the executor, for tests and embedders.
func (e *Env) SetDriverExecutor(ex pipeline.Executor) { e.executor = ex }

// RuntimeFilterWorker returns the runtime filter coordination registry.
func (e *Env) RuntimeFilterWorker() *rfilter.Worker { return e.rfWorker }

// StreamLoadMgr returns the stream load channel registry.
func (e *Env) StreamLoadMgr() *streamload.Manager { return e.streamLoadMgr }
