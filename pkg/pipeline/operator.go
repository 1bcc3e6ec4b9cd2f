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
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/scan"
)

// Operator is one instantiated stage of a driver's operator chain. The actual
// data-processing contract lives with the operator implementations, which are
// external to this subsystem.
type Operator interface {
	Name() string
	PlanNodeID() int32
}

// OperatorFactory creates one Operator per (dop, driverSeq) lane of a
// pipeline.
type OperatorFactory interface {
	Name() string
	PlanNodeID() int32
	// Prepare is called once per pipeline before any driver is instantiated.
	Prepare(state *exec.RuntimeState) error
	// Create builds the operator instance for one driver lane.
	Create(dop, driverSeq int) (Operator, error)
}

type simpleOperator struct {
	name       string
	planNodeID int32
}

func (o *simpleOperator) Name() string      { return o.name }
func (o *simpleOperator) PlanNodeID() int32 { return o.planNodeID }

// SimpleFactory is a plain (non-source) operator factory.
type SimpleFactory struct {
	name       string
	planNodeID int32
	prepareFn  func(state *exec.RuntimeState) error
}

// NewSimpleFactory creates a non-source operator factory.
func NewSimpleFactory(name string, planNodeID int32) *SimpleFactory {
	return &SimpleFactory{name: name, planNodeID: planNodeID}
}

// Name returns the factory name.
func (f *SimpleFactory) Name() string { return f.name }

// PlanNodeID returns the owning plan node id.
func (f *SimpleFactory) PlanNodeID() int32 { return f.planNodeID }

// SetPrepareFn installs an optional prepare hook.
func (f *SimpleFactory) SetPrepareFn(fn func(state *exec.RuntimeState) error) {
	f.prepareFn = fn
}

// Prepare runs the optional prepare hook.
func (f *SimpleFactory) Prepare(state *exec.RuntimeState) error {
	if f.prepareFn != nil {
		return f.prepareFn(state)
	}
	return nil
}

// Create builds one operator instance.
func (f *SimpleFactory) Create(int, int) (Operator, error) {
	return &simpleOperator{name: f.name, planNodeID: f.planNodeID}, nil
}

// SourceOperatorFactory is the factory of a pipeline's leading operator. It
// additionally carries the pipeline's degree of parallelism, the morsel queue
// binding for scans, and the adaptive-group activation contract.
type SourceOperatorFactory interface {
	OperatorFactory
	// DegreeOfParallelism is the driver lane count of the owning pipeline.
	DegreeOfParallelism() int
	// WithMorsels reports whether this source consumes a morsel queue.
	WithMorsels() bool
	// SetMorselQueueFactory binds the scan node's morsel queue factory; it
	// must happen strictly before driver instantiation.
	SetMorselQueueFactory(f scan.MorselQueueFactory)
	// MorselQueueFactory returns the bound factory, or nil.
	MorselQueueFactory() scan.MorselQueueFactory

	// AdaptiveInitialActive reports whether the pipeline may instantiate its
	// drivers immediately. A false value defers the pipeline to its group
	// leader's initialize event.
	AdaptiveInitialActive() bool
	// GroupLeader returns the source operator leading this source's adaptive
	// group; a source outside any group leads itself.
	GroupLeader() SourceOperatorFactory
	// AdaptiveBlockingEvent returns the leader's own blocking event, or nil.
	AdaptiveBlockingEvent() *Event
	// GroupDependentPipelines lists the pipelines whose completion the
	// leader's group activation waits for.
	GroupDependentPipelines() []*Pipeline
	// SetGroupInitializeEvent installs the event that activates the group.
	SetGroupInitializeEvent(e *Event)
	// GroupInitializeEvent returns the installed event, or nil.
	GroupInitializeEvent() *Event
}

// SourceFactory is the concrete SourceOperatorFactory used by plan nodes and
// sinks.
type SourceFactory struct {
	SimpleFactory
	dop         int
	withMorsels bool

	morselFactory scan.MorselQueueFactory

	initialActive      bool
	groupLeader        SourceOperatorFactory
	blockingEvent      *Event
	dependentPipelines []*Pipeline
	groupInitEvent     *Event
}

// NewSourceFactory creates a source operator factory with the given lane
// count. Sources start adaptive-active and lead themselves.
func NewSourceFactory(name string, planNodeID int32, dop int, withMorsels bool) *SourceFactory {
	if dop < 1 {
		dop = 1
	}
	return &SourceFactory{
		SimpleFactory: SimpleFactory{name: name, planNodeID: planNodeID},
		dop:           dop,
		withMorsels:   withMorsels,
		initialActive: true,
	}
}

// DegreeOfParallelism returns the pipeline lane count.
func (f *SourceFactory) DegreeOfParallelism() int { return f.dop }

// WithMorsels reports whether the source consumes morsels.
func (f *SourceFactory) WithMorsels() bool { return f.withMorsels }

// SetMorselQueueFactory binds the morsel queue factory.
func (f *SourceFactory) SetMorselQueueFactory(mf scan.MorselQueueFactory) { f.morselFactory = mf }

// MorselQueueFactory returns the bound morsel queue factory.
func (f *SourceFactory) MorselQueueFactory() scan.MorselQueueFactory { return f.morselFactory }

// SetAdaptiveInitialActive marks whether drivers may be instantiated
// immediately.
func (f *SourceFactory) SetAdaptiveInitialActive(active bool) { f.initialActive = active }

// AdaptiveInitialActive reports whether drivers may be instantiated
// immediately.
func (f *SourceFactory) AdaptiveInitialActive() bool { return f.initialActive }

// SetGroupLeader binds this source to its adaptive group leader.
func (f *SourceFactory) SetGroupLeader(leader SourceOperatorFactory) { f.groupLeader = leader }

// GroupLeader returns the adaptive group leader; a source without an explicit
// leader leads itself.
func (f *SourceFactory) GroupLeader() SourceOperatorFactory {
	if f.groupLeader != nil {
		return f.groupLeader
	}
	return f
}

// SetAdaptiveBlockingEvent installs the leader's own blocking event.
func (f *SourceFactory) SetAdaptiveBlockingEvent(e *Event) { f.blockingEvent = e }

// AdaptiveBlockingEvent returns the leader's blocking event, or nil.
func (f *SourceFactory) AdaptiveBlockingEvent() *Event { return f.blockingEvent }

// AddGroupDependentPipeline records a pipeline whose completion gates the
// group's activation.
func (f *SourceFactory) AddGroupDependentPipeline(p *Pipeline) {
	f.dependentPipelines = append(f.dependentPipelines, p)
}

// GroupDependentPipelines lists the activation-gating pipelines.
func (f *SourceFactory) GroupDependentPipelines() []*Pipeline { return f.dependentPipelines }

// SetGroupInitializeEvent installs the group activation event.
func (f *SourceFactory) SetGroupInitializeEvent(e *Event) { f.groupInitEvent = e }

// GroupInitializeEvent returns the group activation event, or nil.
func (f *SourceFactory) GroupInitializeEvent() *Event { return f.groupInitEvent }
