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

// Package scheduler runs prepared pipeline drivers on a fixed worker pool.
package scheduler

import (
	"context"
	"sync"

	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/metrics"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/util/logutil"
)

// DriverExecutor is a worker pool executing pipeline drivers. Drivers are
// queued in submission order; workers interleave drivers of all fragments.
// It implements pipeline.Executor.
type DriverExecutor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	name       string
	numWorkers int
	taskChan   chan *pipeline.Driver
	running    atomicutil.Int32
	wg         sync.WaitGroup
	started    atomicutil.Bool
}

// NewDriverExecutor creates a stopped executor with numWorkers workers.
func NewDriverExecutor(name string, numWorkers int) *DriverExecutor {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &DriverExecutor{
		name:       name,
		numWorkers: numWorkers,
		taskChan:   make(chan *pipeline.Driver, numWorkers*4),
	}
}

// Start launches the worker goroutines. It may be called once.
func (e *DriverExecutor) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.numWorkers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
}

func (e *DriverExecutor) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case d, ok := <-e.taskChan:
			if !ok {
				return
			}
			e.runDriver(d)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *DriverExecutor) runDriver(d *pipeline.Driver) {
	e.running.Inc()
	metrics.RunningDrivers.Inc()
	defer func() {
		e.running.Dec()
		metrics.RunningDrivers.Dec()
	}()
	if err := d.Run(e.ctx); err != nil {
		logutil.BgLogger().Warn("pipeline driver failed",
			zap.String("executor", e.name),
			zap.Int32("pipeline_id", d.Pipeline().ID()),
			zap.Int("driver_seq", d.Sequence()),
			zap.Error(err))
	}
}

// Submit queues a prepared driver for execution. It blocks while the queue
// is full and drops the driver once the executor shuts down.
func (e *DriverExecutor) Submit(d *pipeline.Driver) {
	select {
	case e.taskChan <- d:
	case <-e.ctx.Done():
	}
}

// Running returns the number of drivers currently executing.
func (e *DriverExecutor) Running() int32 {
	return e.running.Load()
}

// ReleaseAndWait stops the workers and waits for in-flight drivers.
func (e *DriverExecutor) ReleaseAndWait() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

var _ pipeline.Executor = (*DriverExecutor)(nil)
