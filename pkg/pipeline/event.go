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

	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/util/logutil"
)

// Event is a node of the activation dependency graph: it fires its action
// once every dependency has finished. Activation is a reference-counted
// countdown, so firing order is deterministic given a finish order.
type Event struct {
	name   string
	action func() error

	mu         sync.Mutex
	pending    int
	deps       []*Event
	dependents []*Event
	finished   bool
	fired      bool
}

// NewEvent creates an event with an optional action. An event wired with no
// dependencies fires on Finalize.
func NewEvent(name string, action func() error) *Event {
	return &Event{name: name, action: action}
}

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// AddDependency makes e wait for dep. A dependency that already finished is
// counted as satisfied immediately.
func (e *Event) AddDependency(dep *Event) {
	dep.mu.Lock()
	finished := dep.finished
	if !finished {
		dep.dependents = append(dep.dependents, e)
	}
	dep.mu.Unlock()

	e.mu.Lock()
	e.deps = append(e.deps, dep)
	if !finished {
		e.pending++
	}
	e.mu.Unlock()
}

// Dependencies returns every dependency ever added, finished or not.
func (e *Event) Dependencies() []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	deps := make([]*Event, len(e.deps))
	copy(deps, e.deps)
	return deps
}

// Finalize fires the event if all its dependencies were already satisfied at
// wiring time. Call it once after AddDependency calls are complete.
func (e *Event) Finalize() {
	e.mu.Lock()
	fire := e.pending == 0 && !e.fired
	if fire {
		e.fired = true
	}
	e.mu.Unlock()
	if fire {
		e.runAction()
	}
}

// Finish marks the event as done and counts down its dependents. Finishing
// twice is a no-op.
func (e *Event) Finish() {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	dependents := e.dependents
	e.dependents = nil
	e.mu.Unlock()

	for _, d := range dependents {
		d.countDown()
	}
}

// Finished reports whether Finish was called.
func (e *Event) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

func (e *Event) countDown() {
	e.mu.Lock()
	e.pending--
	fire := e.pending == 0 && !e.fired
	if fire {
		e.fired = true
	}
	e.mu.Unlock()
	if fire {
		e.runAction()
	}
}

func (e *Event) runAction() {
	if e.action == nil {
		e.Finish()
		return
	}
	if err := e.action(); err != nil {
		logutil.BgLogger().Error("pipeline event action failed",
			zap.String("event", e.name), zap.Error(err))
		return
	}
	e.Finish()
}
