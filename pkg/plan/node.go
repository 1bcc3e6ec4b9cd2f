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

// ErrInvalidPlan is the cause of every malformed or unsupported plan failure.
var ErrInvalidPlan = errors.New("invalid plan")

// NodeKind is the closed enumeration of physical plan node kinds.
type NodeKind int32

// Plan node kinds.
const (
	KindOlapScan NodeKind = iota
	KindConnectorScan
	KindExchange
	KindProject
	KindAggregate
	KindHashJoin
)

func (k NodeKind) String() string {
	switch k {
	case KindOlapScan:
		return "OLAP_SCAN"
	case KindConnectorScan:
		return "CONNECTOR_SCAN"
	case KindExchange:
		return "EXCHANGE"
	case KindProject:
		return "PROJECT"
	case KindAggregate:
		return "AGGREGATE"
	case KindHashJoin:
		return "HASH_JOIN"
	default:
		return "UNKNOWN"
	}
}

// ScanSpec carries the scan-specific payload of a plan node.
type ScanSpec struct {
	TableID int64
	// Connector names the external source for connector scans.
	Connector string
	// IOTasksPerScanOperator is the per-operator IO parallelism factor used
	// to inflate physical scan limits. <= 0 means 1.
	IOTasksPerScanOperator int32
}

// ExchangeSpec carries the exchange-specific payload.
type ExchangeSpec struct {
	PartitionType string
}

// ProjectSpec carries the projection expressions keyed by output slot.
type ProjectSpec struct {
	Exprs map[catalog.SlotID]string
}

// AggSpec carries grouping and aggregate expressions.
type AggSpec struct {
	GroupingExprs      []string
	AggregateFunctions []string
}

// JoinSpec carries the join payload, including the runtime filters the build
// side produces.
type JoinSpec struct {
	JoinOp           string
	EqJoinConjuncts  []string
	RuntimeFilterIDs []int32
}

// NodeSpec is the serialized form of one plan node. A plan is a preorder
// list of specs, each announcing its child count.
type NodeSpec struct {
	Kind        NodeKind
	ID          int32
	NumChildren int32
	// Limit is the node's row limit; <= 0 means unlimited.
	Limit    int64
	TupleIDs []catalog.TupleID

	Scan     *ScanSpec
	Exchange *ExchangeSpec
	Project  *ProjectSpec
	Agg      *AggSpec
	Join     *JoinSpec
}

// RuntimeFilterDesc describes one join runtime filter pushed down to scans.
type RuntimeFilterDesc struct {
	FilterID        int32
	BuildPlanNodeID int32
	Expr            string
}

// ExecNode is one materialized node of the fragment's operator tree.
type ExecNode interface {
	ID() int32
	Kind() NodeKind
	// Limit returns the node's row limit; <= 0 means unlimited.
	Limit() int64
	Children() []ExecNode
	TupleIDs() []catalog.TupleID

	// PushDownJoinRuntimeFilters propagates join-produced runtime filters
	// top-down; scans absorb the filters that reach them.
	PushDownJoinRuntimeFilters(state *exec.RuntimeState, filters []RuntimeFilterDesc)
	// PushDownTupleSlotMappings propagates slot remappings top-down.
	PushDownTupleSlotMappings(state *exec.RuntimeState, mappings []catalog.TupleSlotMapping)

	// Decompose converts the subtree into pipelines, sealing blocking
	// boundaries into ctx and returning the still-open operator chain.
	Decompose(ctx *pipeline.BuilderContext, state *exec.RuntimeState) ([]pipeline.OperatorFactory, error)

	addChild(child ExecNode)
}

type baseNode struct {
	id       int32
	kind     NodeKind
	limit    int64
	tupleIDs []catalog.TupleID
	children []ExecNode

	slotMappings []catalog.TupleSlotMapping
}

func (n *baseNode) ID() int32                   { return n.id }
func (n *baseNode) Kind() NodeKind              { return n.kind }
func (n *baseNode) Limit() int64                { return n.limit }
func (n *baseNode) Children() []ExecNode        { return n.children }
func (n *baseNode) TupleIDs() []catalog.TupleID { return n.tupleIDs }
func (n *baseNode) addChild(child ExecNode)     { n.children = append(n.children, child) }

func (n *baseNode) PushDownJoinRuntimeFilters(state *exec.RuntimeState, filters []RuntimeFilterDesc) {
	for _, child := range n.children {
		child.PushDownJoinRuntimeFilters(state, filters)
	}
}

func (n *baseNode) PushDownTupleSlotMappings(state *exec.RuntimeState, mappings []catalog.TupleSlotMapping) {
	n.slotMappings = mappings
	for _, child := range n.children {
		child.PushDownTupleSlotMappings(state, mappings)
	}
}

type nodeBuilderFn func(spec *NodeSpec, descTbl *catalog.DescriptorTable) (ExecNode, error)

// nodeBuilders is the closed registration table mapping node kinds to their
// construction functions.
var nodeBuilders = map[NodeKind]nodeBuilderFn{}

func registerNodeBuilder(kind NodeKind, fn nodeBuilderFn) {
	nodeBuilders[kind] = fn
}

// BuildTree materializes the preorder spec list into an operator tree using
// the descriptor table.
func BuildTree(state *exec.RuntimeState, specs []NodeSpec, descTbl *catalog.DescriptorTable) (ExecNode, error) {
	if len(specs) == 0 {
		return nil, errors.Annotate(ErrInvalidPlan, "empty plan")
	}
	idx := 0
	root, err := buildNode(state, specs, &idx, descTbl)
	if err != nil {
		return nil, err
	}
	if idx != len(specs) {
		return nil, errors.Annotatef(ErrInvalidPlan, "%d trailing plan nodes", len(specs)-idx)
	}
	return root, nil
}

func buildNode(state *exec.RuntimeState, specs []NodeSpec, idx *int, descTbl *catalog.DescriptorTable) (ExecNode, error) {
	if *idx >= len(specs) {
		return nil, errors.Annotate(ErrInvalidPlan, "plan tree is truncated")
	}
	spec := &specs[*idx]
	*idx++

	builder, ok := nodeBuilders[spec.Kind]
	if !ok {
		return nil, errors.Annotatef(ErrInvalidPlan, "unsupported plan node kind %s", spec.Kind)
	}
	node, err := builder(spec, descTbl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := int32(0); i < spec.NumChildren; i++ {
		child, err := buildNode(state, specs, idx, descTbl)
		if err != nil {
			return nil, err
		}
		node.addChild(child)
	}
	return node, nil
}

// CollectNodes returns every node of the given kind in the subtree, preorder.
func CollectNodes(root ExecNode, kind NodeKind) []ExecNode {
	var nodes []ExecNode
	var walk func(n ExecNode)
	walk = func(n ExecNode) {
		if n.Kind() == kind {
			nodes = append(nodes, n)
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
	return nodes
}

// CollectScanNodes returns every scan node in the subtree, preorder.
func CollectScanNodes(root ExecNode) []ScanNode {
	var nodes []ScanNode
	var walk func(n ExecNode)
	walk = func(n ExecNode) {
		if sn, ok := n.(ScanNode); ok {
			nodes = append(nodes, sn)
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
	return nodes
}
