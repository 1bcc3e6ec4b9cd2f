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

package plan

import (
	"github.com/pingcap/errors"

	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
)

// ProjectNode applies row-local expressions; it never breaks a pipeline.
type ProjectNode struct {
	baseNode
	spec ProjectSpec
}

func init() {
	registerNodeBuilder(KindProject, func(spec *NodeSpec, _ *catalog.DescriptorTable) (ExecNode, error) {
		if spec.NumChildren != 1 {
			return nil, errors.Annotatef(ErrInvalidPlan, "project node %d must have exactly one child", spec.ID)
		}
		n := &ProjectNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		if spec.Project != nil {
			n.spec = *spec.Project
		}
		return n, nil
	})
	registerNodeBuilder(KindAggregate, func(spec *NodeSpec, _ *catalog.DescriptorTable) (ExecNode, error) {
		if spec.NumChildren != 1 {
			return nil, errors.Annotatef(ErrInvalidPlan, "aggregate node %d must have exactly one child", spec.ID)
		}
		n := &AggregateNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		if spec.Agg != nil {
			n.spec = *spec.Agg
		}
		return n, nil
	})
	registerNodeBuilder(KindHashJoin, func(spec *NodeSpec, _ *catalog.DescriptorTable) (ExecNode, error) {
		if spec.NumChildren != 2 {
			return nil, errors.Annotatef(ErrInvalidPlan, "hash join node %d must have exactly two children", spec.ID)
		}
		n := &HashJoinNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		if spec.Join != nil {
			n.spec = *spec.Join
		}
		return n, nil
	})
}

// Decompose appends a projection onto the child's open chain.
func (n *ProjectNode) Decompose(ctx *pipeline.BuilderContext, state *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	childOps, err := n.children[0].Decompose(ctx, state)
	if err != nil {
		return nil, err
	}
	return append(childOps, pipeline.NewSimpleFactory("project", n.id)), nil
}

// AggregateNode is a blocking boundary: its build side seals the child
// pipeline and its output side starts a new one.
type AggregateNode struct {
	baseNode
	spec AggSpec
}

// Decompose seals the child chain behind an aggregation build stage and opens
// a fresh pipeline fed by the aggregation output.
func (n *AggregateNode) Decompose(ctx *pipeline.BuilderContext, state *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	childOps, err := n.children[0].Decompose(ctx, state)
	if err != nil {
		return nil, err
	}
	buildOps := append(childOps, pipeline.NewSimpleFactory("agg_build", n.id))
	if _, err := ctx.AddPipeline(buildOps); err != nil {
		return nil, err
	}
	src := pipeline.NewSourceFactory("agg_source", n.id, ctx.DegreeOfParallelism(), false)
	return []pipeline.OperatorFactory{src}, nil
}

// HashJoinNode builds a hash table from its right child and probes it with
// the left child's rows. The build side is a blocking boundary.
type HashJoinNode struct {
	baseNode
	spec JoinSpec
}

// PushDownJoinRuntimeFilters adds this join's build filters before recursing
// into the probe side; the build side only forwards what it received.
func (n *HashJoinNode) PushDownJoinRuntimeFilters(state *exec.RuntimeState, filters []RuntimeFilterDesc) {
	probeFilters := filters
	for _, id := range n.spec.RuntimeFilterIDs {
		probeFilters = append(probeFilters, RuntimeFilterDesc{FilterID: id, BuildPlanNodeID: n.id})
	}
	n.children[0].PushDownJoinRuntimeFilters(state, probeFilters)
	n.children[1].PushDownJoinRuntimeFilters(state, filters)
}

// Decompose seals the build child behind a hash-build stage and continues the
// probe child's open chain with the probe operator.
func (n *HashJoinNode) Decompose(ctx *pipeline.BuilderContext, state *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	buildOps, err := n.children[1].Decompose(ctx, state)
	if err != nil {
		return nil, err
	}
	buildOps = append(buildOps, pipeline.NewSimpleFactory("hash_join_build", n.id))
	if _, err := ctx.AddPipeline(buildOps); err != nil {
		return nil, err
	}

	probeOps, err := n.children[0].Decompose(ctx, state)
	if err != nil {
		return nil, err
	}
	return append(probeOps, pipeline.NewSimpleFactory("hash_join_probe", n.id)), nil
}
