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
	atomicutil "go.uber.org/atomic"

	"github.com/keeldb/keel/pkg/exec"
)

// Pipeline is an ordered chain of operator factories beginning with exactly
// one source and executed by a fixed number of parallel drivers.
type Pipeline struct {
	id          int32
	opFactories []OperatorFactory
	source      SourceOperatorFactory
	dop         int

	drivers          []*Driver
	remainingDrivers atomicutil.Int32
	completionEvent  *Event
}

// NewPipeline builds a pipeline over ops. ops[0] must be a source operator
// factory; the pipeline's degree of parallelism is the source's.
func NewPipeline(id int32, ops []OperatorFactory) (*Pipeline, error) {
	if len(ops) == 0 {
		return nil, errors.Errorf("pipeline %d has no operators", id)
	}
	source, ok := ops[0].(SourceOperatorFactory)
	if !ok {
		return nil, errors.Errorf("pipeline %d does not start with a source operator, got %s", id, ops[0].Name())
	}
	p := &Pipeline{
		id:          id,
		opFactories: ops,
		source:      source,
		dop:         source.DegreeOfParallelism(),
	}
	p.completionEvent = NewEvent(fmt.Sprintf("pipeline-%d-completion", id), nil)
	return p, nil
}

// ID returns the pipeline id, unique within its fragment.
func (p *Pipeline) ID() int32 { return p.id }

// OpFactories returns the operator factory chain.
func (p *Pipeline) OpFactories() []OperatorFactory { return p.opFactories }

// SourceOperatorFactory returns the leading source factory.
func (p *Pipeline) SourceOperatorFactory() SourceOperatorFactory { return p.source }

// DegreeOfParallelism returns the driver lane count.
func (p *Pipeline) DegreeOfParallelism() int { return p.dop }

// Drivers returns the instantiated drivers; empty until InstantiateDrivers.
func (p *Pipeline) Drivers() []*Driver { return p.drivers }

// CompletionEvent finishes when every driver of the pipeline has finished.
func (p *Pipeline) CompletionEvent() *Event { return p.completionEvent }

// Prepare prepares every operator factory once, before any driver exists.
func (p *Pipeline) Prepare(state *exec.RuntimeState) error {
	for _, f := range p.opFactories {
		if err := f.Prepare(state); err != nil {
			return errors.Annotatef(err, "prepare operator factory %s of pipeline %d", f.Name(), p.id)
		}
	}
	return nil
}

// InstantiateDrivers creates the pipeline's full driver set, one per lane.
// A source consuming morsels must have its morsel queue factory bound first.
func (p *Pipeline) InstantiateDrivers(state *exec.RuntimeState) error {
	if len(p.drivers) > 0 {
		return errors.Errorf("drivers of pipeline %d are already instantiated", p.id)
	}
	if p.source.WithMorsels() && p.source.MorselQueueFactory() == nil {
		return errors.Errorf("pipeline %d source %s has no morsel queue factory", p.id, p.source.Name())
	}
	drivers := make([]*Driver, 0, p.dop)
	for seq := 0; seq < p.dop; seq++ {
		operators := make([]Operator, 0, len(p.opFactories))
		for _, f := range p.opFactories {
			op, err := f.Create(p.dop, seq)
			if err != nil {
				return errors.Annotatef(err, "create operator %s for driver %d of pipeline %d", f.Name(), seq, p.id)
			}
			operators = append(operators, op)
		}
		d := &Driver{pipeline: p, driverSeq: seq, operators: operators}
		if p.source.WithMorsels() {
			d.morselQueue = p.source.MorselQueueFactory().Create(seq)
		}
		drivers = append(drivers, d)
	}
	p.drivers = drivers
	p.remainingDrivers.Store(int32(p.dop))
	return nil
}

func (p *Pipeline) driverFinished() {
	if p.remainingDrivers.Dec() == 0 {
		p.completionEvent.Finish()
	}
}
