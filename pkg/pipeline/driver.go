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

package pipeline

import (
	"context"

	"github.com/pingcap/errors"
	atomicutil "go.uber.org/atomic"

	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/scan"
)

// DriverState is the lifecycle state of a driver.
type DriverState int32

// Driver lifecycle states.
const (
	DriverCreated DriverState = iota
	DriverReady
	DriverRunning
	DriverFinished
	DriverCanceled
)

// Driver is one parallel lane of a pipeline: an operator-chain instance plus
// scheduling bookkeeping. A driver is prepared once and submitted once.
type Driver struct {
	pipeline    *Pipeline
	driverSeq   int
	operators   []Operator
	morselQueue scan.MorselQueue

	state    atomicutil.Int32
	prepared atomicutil.Bool
	runState *exec.RuntimeState
}

// Pipeline returns the owning pipeline.
func (d *Driver) Pipeline() *Pipeline { return d.pipeline }

// Sequence returns the driver's lane index within its pipeline.
func (d *Driver) Sequence() int { return d.driverSeq }

// Operators returns the instantiated operator chain.
func (d *Driver) Operators() []Operator { return d.operators }

// State returns the lifecycle state.
func (d *Driver) State() DriverState { return DriverState(d.state.Load()) }

// Prepare acquires the driver's execution resources. Any failure aborts the
// whole fragment; a driver must not be submitted unprepared.
func (d *Driver) Prepare(state *exec.RuntimeState) error {
	if !d.prepared.CompareAndSwap(false, true) {
		return errors.Errorf("driver %d of pipeline %d is already prepared", d.driverSeq, d.pipeline.ID())
	}
	if tracker := state.InstanceMemTracker(); tracker != nil {
		if err := tracker.CheckLimit("prepare pipeline driver"); err != nil {
			d.prepared.Store(false)
			return errors.Trace(err)
		}
	}
	d.runState = state
	d.state.Store(int32(DriverReady))
	return nil
}

// Run executes the driver to completion. Operator execution itself belongs to
// the operator implementations; this subsystem only drains the driver's
// morsel assignment and settles the lifecycle.
func (d *Driver) Run(ctx context.Context) error {
	if DriverState(d.state.Load()) != DriverReady {
		return errors.Errorf("driver %d of pipeline %d is not ready", d.driverSeq, d.pipeline.ID())
	}
	d.state.Store(int32(DriverRunning))
	defer func() {
		d.state.CompareAndSwap(int32(DriverRunning), int32(DriverFinished))
		d.pipeline.driverFinished()
	}()

	if d.morselQueue == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			d.state.Store(int32(DriverCanceled))
			return errors.Trace(ctx.Err())
		default:
		}
		if _, ok := d.morselQueue.TryGet(); !ok {
			return nil
		}
	}
}

// Cancel marks the driver canceled before it runs.
func (d *Driver) Cancel() {
	d.state.CompareAndSwap(int32(DriverReady), int32(DriverCanceled))
}
