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
	"github.com/keeldb/keel/pkg/scan"
)

// ScanNode is the contract scan plan nodes expose to fragment preparation.
type ScanNode interface {
	ExecNode
	// IOTasksPerScanOperator is the per-operator IO parallelism factor.
	IOTasksPerScanOperator() int
	// ConvertScanRangesToMorselQueueFactory turns the node's assigned scan
	// ranges into schedulable morsels, parallelism- and split-mode-aware.
	ConvertScanRangesToMorselQueueFactory(
		ranges []scan.Range,
		perLaneRanges map[int32][]scan.Range,
		dop int,
		tabletInternalParallel bool,
		mode scan.TabletInternalParallelMode,
	) (scan.MorselQueueFactory, error)
	// EnableSharedScan lets the node's drivers steal work from each other.
	EnableSharedScan(enable bool)
	// SharedScanEnabled reports the current shared-scan decision.
	SharedScanEnabled() bool
	// AbsorbedRuntimeFilters returns the join runtime filters pushed down to
	// this scan.
	AbsorbedRuntimeFilters() []RuntimeFilterDesc
}

type scanNodeBase struct {
	baseNode
	spec           ScanSpec
	sharedScan     bool
	runtimeFilters []RuntimeFilterDesc
}

func (n *scanNodeBase) IOTasksPerScanOperator() int {
	if n.spec.IOTasksPerScanOperator <= 0 {
		return 1
	}
	return int(n.spec.IOTasksPerScanOperator)
}

func (n *scanNodeBase) EnableSharedScan(enable bool) { n.sharedScan = enable }
func (n *scanNodeBase) SharedScanEnabled() bool      { return n.sharedScan }

func (n *scanNodeBase) PushDownJoinRuntimeFilters(_ *exec.RuntimeState, filters []RuntimeFilterDesc) {
	// Scans are leaves: they absorb whatever reached them.
	n.runtimeFilters = append(n.runtimeFilters, filters...)
}

func (n *scanNodeBase) AbsorbedRuntimeFilters() []RuntimeFilterDesc { return n.runtimeFilters }

// olapScanNode scans local tablet storage.
type olapScanNode struct {
	scanNodeBase
}

func init() {
	registerNodeBuilder(KindOlapScan, func(spec *NodeSpec, descTbl *catalog.DescriptorTable) (ExecNode, error) {
		if spec.Scan == nil {
			return nil, errors.Annotatef(ErrInvalidPlan, "olap scan node %d has no scan spec", spec.ID)
		}
		if descTbl == nil {
			return nil, errors.Annotatef(ErrInvalidPlan, "olap scan node %d has no descriptor table", spec.ID)
		}
		if descTbl.Table(spec.Scan.TableID) == nil {
			return nil, errors.Annotatef(ErrInvalidPlan, "olap scan node %d references unknown table %d", spec.ID, spec.Scan.TableID)
		}
		n := &olapScanNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		n.spec = *spec.Scan
		return n, nil
	})
	registerNodeBuilder(KindConnectorScan, func(spec *NodeSpec, _ *catalog.DescriptorTable) (ExecNode, error) {
		if spec.Scan == nil || spec.Scan.Connector == "" {
			return nil, errors.Annotatef(ErrInvalidPlan, "connector scan node %d has no connector", spec.ID)
		}
		n := &connectorScanNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		n.spec = *spec.Scan
		return n, nil
	})
}

func (n *olapScanNode) ConvertScanRangesToMorselQueueFactory(
	ranges []scan.Range,
	perLaneRanges map[int32][]scan.Range,
	dop int,
	tabletInternalParallel bool,
	mode scan.TabletInternalParallelMode,
) (scan.MorselQueueFactory, error) {
	return scan.NewMorselQueueFactory(ranges, perLaneRanges, n.id, dop, tabletInternalParallel, mode)
}

func (n *olapScanNode) Decompose(ctx *pipeline.BuilderContext, _ *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	src := pipeline.NewSourceFactory("olap_scan", n.id, ctx.DegreeOfParallelism(), true)
	return []pipeline.OperatorFactory{src}, nil
}

// connectorScanNode scans an external connector source. Tablet-internal
// splitting does not apply to connectors.
type connectorScanNode struct {
	scanNodeBase
}

func (n *connectorScanNode) ConvertScanRangesToMorselQueueFactory(
	ranges []scan.Range,
	perLaneRanges map[int32][]scan.Range,
	dop int,
	_ bool,
	mode scan.TabletInternalParallelMode,
) (scan.MorselQueueFactory, error) {
	return scan.NewMorselQueueFactory(ranges, perLaneRanges, n.id, dop, false, mode)
}

func (n *connectorScanNode) Decompose(ctx *pipeline.BuilderContext, _ *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	src := pipeline.NewSourceFactory("connector_scan", n.id, ctx.DegreeOfParallelism(), true)
	return []pipeline.OperatorFactory{src}, nil
}
