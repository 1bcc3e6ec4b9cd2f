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
	"fmt"

	"github.com/pingcap/errors"

	"github.com/keeldb/keel/pkg/exec"
)

// Executor runs prepared drivers to completion. It is free to interleave
// execution across fragments and pipelines; the only admission constraint is
// the token the fragment already holds.
type Executor interface {
	Submit(driver *Driver)
}

// GroupMap buckets not-initially-active pipelines under their adaptive group
// leader source operator.
type GroupMap map[SourceOperatorFactory][]*Pipeline

// CreateGroupInitializeEvents wires one group-initialize event per deferred
// pipeline group. The event depends on the leader's adaptive blocking event
// (if any) and on the completion event of every pipeline the leader declares
// as a dependency; when it fires, it instantiates, prepares and submits the
// drivers of every pipeline in the bucket.
func CreateGroupInitializeEvents(state *exec.RuntimeState, executor Executor, groups GroupMap) {
	for leader, pipelines := range groups {
		pipelines := pipelines
		event := NewEvent(
			fmt.Sprintf("group-initialize-%s", leader.Name()),
			func() error {
				for _, p := range pipelines {
					if err := p.InstantiateDrivers(state); err != nil {
						return errors.Trace(err)
					}
					for _, d := range p.Drivers() {
						if err := d.Prepare(state); err != nil {
							return errors.Trace(err)
						}
						executor.Submit(d)
					}
				}
				return nil
			})

		if blocking := leader.AdaptiveBlockingEvent(); blocking != nil {
			event.AddDependency(blocking)
		}
		for _, dep := range leader.GroupDependentPipelines() {
			event.AddDependency(dep.CompletionEvent())
		}
		leader.SetGroupInitializeEvent(event)
	}
}
