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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/uid"
)

type recordingExecutor struct {
	mu      sync.Mutex
	drivers []*Driver
}

func (r *recordingExecutor) Submit(d *Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, d)
}

func newTestState() *exec.RuntimeState {
	state := exec.NewRuntimeState(uid.New(), uid.New(), nil, nil)
	state.InitMemTrackers(nil)
	return state
}

func TestEventFiresAfterAllDependenciesFinish(t *testing.T) {
	fired := 0
	e := NewEvent("target", func() error {
		fired++
		return nil
	})
	d1 := NewEvent("dep1", nil)
	d2 := NewEvent("dep2", nil)
	e.AddDependency(d1)
	e.AddDependency(d2)

	d1.Finish()
	require.Equal(t, 0, fired)
	d2.Finish()
	require.Equal(t, 1, fired)
	require.True(t, e.Finished())

	// Finishing a dependency again does not re-fire.
	d2.Finish()
	require.Equal(t, 1, fired)
}

func TestEventFinishedDependencyCountsImmediately(t *testing.T) {
	dep := NewEvent("dep", nil)
	dep.Finish()

	fired := false
	e := NewEvent("target", func() error {
		fired = true
		return nil
	})
	e.AddDependency(dep)
	e.Finalize()
	require.True(t, fired)
}

func TestEventWithoutDependenciesFiresOnFinalize(t *testing.T) {
	fired := false
	e := NewEvent("lone", func() error {
		fired = true
		return nil
	})
	e.Finalize()
	require.True(t, fired)
	e.Finalize()
	require.True(t, fired)
}

func TestGroupInitializeEventWiring(t *testing.T) {
	state := newTestState()
	executor := &recordingExecutor{}

	dep1, err := NewPipeline(1, []OperatorFactory{
		NewSourceFactory("dep_source_1", 10, 2, false),
		NewSimpleFactory("dep_sink_1", 10),
	})
	require.NoError(t, err)
	dep2, err := NewPipeline(2, []OperatorFactory{
		NewSourceFactory("dep_source_2", 11, 2, false),
		NewSimpleFactory("dep_sink_2", 11),
	})
	require.NoError(t, err)

	blocking := NewEvent("leader-blocking", nil)
	leader := NewSourceFactory("leader_source", 20, 2, false)
	leader.SetAdaptiveBlockingEvent(blocking)
	leader.AddGroupDependentPipeline(dep1)
	leader.AddGroupDependentPipeline(dep2)

	follower := NewSourceFactory("follower_source", 21, 3, false)
	follower.SetAdaptiveInitialActive(false)
	follower.SetGroupLeader(leader)
	deferred, err := NewPipeline(3, []OperatorFactory{
		follower,
		NewSimpleFactory("follower_sink", 21),
	})
	require.NoError(t, err)

	groups := GroupMap{leader: {deferred}}
	CreateGroupInitializeEvents(state, executor, groups)

	event := leader.GroupInitializeEvent()
	require.NotNil(t, event)
	deps := event.Dependencies()
	require.Len(t, deps, 3)
	require.Contains(t, deps, blocking)
	require.Contains(t, deps, dep1.CompletionEvent())
	require.Contains(t, deps, dep2.CompletionEvent())

	// Nothing is instantiated or submitted before the dependencies finish.
	require.Empty(t, deferred.Drivers())
	require.Empty(t, executor.drivers)

	blocking.Finish()
	dep1.CompletionEvent().Finish()
	require.Empty(t, executor.drivers)
	dep2.CompletionEvent().Finish()

	// The last dependency activates the whole bucket: drivers exist, are
	// prepared and submitted.
	require.Len(t, deferred.Drivers(), 3)
	require.Len(t, executor.drivers, 3)
	for _, d := range executor.drivers {
		require.Equal(t, DriverReady, d.State())
	}
}

func TestGroupLeaderDefaultsToSelf(t *testing.T) {
	src := NewSourceFactory("src", 1, 2, false)
	require.Equal(t, SourceOperatorFactory(src), src.GroupLeader())

	other := NewSourceFactory("other", 2, 2, false)
	src.SetGroupLeader(other)
	require.Equal(t, SourceOperatorFactory(other), src.GroupLeader())
}
