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
	"github.com/pingcap/errors"
)

// BuilderContext carries the fragment-wide decomposition settings and
// accumulates completed pipelines while the plan tree and the sink decompose
// themselves.
type BuilderContext struct {
	dop              int
	sinkDOP          int
	isStreamPipeline bool

	pipelines []*Pipeline
	nextID    int32
}

// NewBuilderContext creates a builder context. dop applies to source-side
// pipelines, sinkDOP to sink-side ones.
func NewBuilderContext(dop, sinkDOP int, isStreamPipeline bool) *BuilderContext {
	return &BuilderContext{dop: dop, sinkDOP: sinkDOP, isStreamPipeline: isStreamPipeline}
}

// DegreeOfParallelism returns the source-side lane count.
func (c *BuilderContext) DegreeOfParallelism() int { return c.dop }

// SinkDegreeOfParallelism returns the sink-side lane count.
func (c *BuilderContext) SinkDegreeOfParallelism() int { return c.sinkDOP }

// IsStreamPipeline reports whether the fragment runs in stream mode.
func (c *BuilderContext) IsStreamPipeline() bool { return c.isStreamPipeline }

// AddPipeline seals ops into a pipeline and appends it to the fragment's
// pipeline list.
func (c *BuilderContext) AddPipeline(ops []OperatorFactory) (*Pipeline, error) {
	p, err := NewPipeline(c.nextID, ops)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.nextID++
	c.pipelines = append(c.pipelines, p)
	return p, nil
}

// Pipelines returns the pipelines sealed so far.
func (c *BuilderContext) Pipelines() []*Pipeline { return c.pipelines }

// Builder finalizes a fragment's pipeline list.
type Builder struct {
	ctx *BuilderContext
}

// NewBuilder creates a builder over ctx.
func NewBuilder(ctx *BuilderContext) *Builder {
	return &Builder{ctx: ctx}
}

// Context returns the builder context.
func (b *Builder) Context() *BuilderContext { return b.ctx }

// Build seals any dangling operator chain with a no-op sink and returns the
// fragment's complete pipeline list. danglingOps is nil when a data sink
// already consumed the root chain.
func (b *Builder) Build(danglingOps []OperatorFactory) ([]*Pipeline, error) {
	if len(danglingOps) > 0 {
		ops := append(danglingOps, NewSimpleFactory("noop_sink", danglingOps[len(danglingOps)-1].PlanNodeID()))
		if _, err := b.ctx.AddPipeline(ops); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if len(b.ctx.pipelines) == 0 {
		return nil, errors.New("fragment decomposed into zero pipelines")
	}
	return b.ctx.pipelines, nil
}
