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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/uid"
)

func preparedDrivers(t *testing.T, dop int) []*pipeline.Driver {
	state := exec.NewRuntimeState(uid.New(), uid.New(), nil, nil)
	state.InitMemTrackers(nil)

	p, err := pipeline.NewPipeline(0, []pipeline.OperatorFactory{
		pipeline.NewSourceFactory("src", 1, dop, false),
		pipeline.NewSimpleFactory("sink", 1),
	})
	require.NoError(t, err)
	require.NoError(t, p.InstantiateDrivers(state))
	for _, d := range p.Drivers() {
		require.NoError(t, d.Prepare(state))
	}
	return p.Drivers()
}

func TestExecutorRunsSubmittedDrivers(t *testing.T) {
	e := NewDriverExecutor("test", 2)
	e.Start(context.Background())
	defer e.ReleaseAndWait()

	drivers := preparedDrivers(t, 4)
	for _, d := range drivers {
		e.Submit(d)
	}

	require.Eventually(t, func() bool {
		for _, d := range drivers {
			if d.State() != pipeline.DriverFinished {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.Running() == 0 }, 5*time.Second, time.Millisecond)
}

func TestExecutorStartIsOnce(t *testing.T) {
	e := NewDriverExecutor("test", 1)
	e.Start(context.Background())
	e.Start(context.Background())
	e.ReleaseAndWait()
}

func TestSubmitAfterShutdownDropsDriver(t *testing.T) {
	e := NewDriverExecutor("test", 1)
	e.Start(context.Background())
	e.ReleaseAndWait()

	drivers := preparedDrivers(t, 1)
	// Must not block or panic.
	e.Submit(drivers[0])
	require.Equal(t, pipeline.DriverReady, drivers[0].State())
}

func TestExecutorDefaultsToOneWorker(t *testing.T) {
	e := NewDriverExecutor("test", 0)
	require.Equal(t, 1, e.numWorkers)
}
