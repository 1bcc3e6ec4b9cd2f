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

// Package fragment prepares and launches plan fragment instances shipped by
// the coordinator: deduplication, context construction, plan materialization,
// pipeline decomposition, driver admission and submission.
package fragment

import (
	"github.com/keeldb/keel/pkg/cache"
	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/plan"
	"github.com/keeldb/keel/pkg/rfilter"
	"github.com/keeldb/keel/pkg/scan"
	"github.com/keeldb/keel/pkg/sink"
	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/workgroup"
)

// InstanceParams is the instance-scoped half of a fragment request.
type InstanceParams struct {
	QueryID            uid.UID
	FragmentInstanceID uid.UID
	// SenderID identifies this instance among the senders of a data stream.
	SenderID int32
	// InstancesNumber is how many instances of this query land on this
	// backend in total.
	InstancesNumber int32
	// PerNodeScanRanges assigns whole-node scan ranges, keyed by plan node id.
	PerNodeScanRanges map[int32][]scan.Range
	// NodeToPerDriverSeqScanRanges pins scan ranges to driver lanes, keyed by
	// plan node id then driver sequence.
	NodeToPerDriverSeqScanRanges map[int32]map[int32][]scan.Range
	// PerExchNumSenders is the expected sender count per exchange node.
	PerExchNumSenders map[int32]int32
	// RuntimeFilterParams, when non-empty, makes this backend the query's
	// runtime filter merge coordinator.
	RuntimeFilterParams *rfilter.Params
}

// PlanFragment is the plan-scoped half of a fragment request.
type PlanFragment struct {
	// Plan is the serialized operator tree in preorder.
	Plan        []plan.NodeSpec
	OutputExprs []string
	OutputSink  *sink.Spec
	CacheParam  *cache.ParamSpec

	QueryGlobalDicts     []exec.GlobalDictSpec
	QueryGlobalDictExprs map[catalog.SlotID]string
	LoadGlobalDicts      []exec.GlobalDictSpec
}

// AdaptiveDOPParam tunes adaptive group activation.
type AdaptiveDOPParam struct {
	// MaxBlockRowsPerDriverSeq caps the rows a leader may buffer per lane
	// while collecting its activation signal.
	MaxBlockRowsPerDriverSeq int64
	// MaxOutputAmplificationFactor bounds how much a grouped pipeline may
	// amplify its input before activation is forced.
	MaxOutputAmplificationFactor int64
}

// Request is one wire-level fragment delivery.
type Request struct {
	Params   InstanceParams
	Fragment *PlanFragment
	DescTbl  *catalog.DescriptorTableSpec

	Coord        string
	QueryOptions *exec.QueryOptions
	QueryGlobals *exec.QueryGlobals
	Workgroup    *workgroup.Spec

	AdaptiveDOPParam *AdaptiveDOPParam

	EnableSharedScan bool
	IsStreamPipeline bool
	PipelineDOP      int32
	PipelineSinkDOP  int32
	BackendNum       int32
	FuncVersion      int32
}

// UnifiedRequest is a read-only view over the two possible delivery shapes: a
// common part shared by all instances of the fragment and an optional unique
// part specific to one instance. Instance-scoped fields prefer the unique
// part; plan-scoped fields come from the common part unless overridden.
type UnifiedRequest struct {
	common *Request
	unique *Request
}

// NewUnifiedRequest builds the unified view. unique may be nil when the
// delivery carries a single self-contained request.
func NewUnifiedRequest(common, unique *Request) *UnifiedRequest {
	return &UnifiedRequest{common: common, unique: unique}
}

func (r *UnifiedRequest) instance() *Request {
	if r.unique != nil {
		return r.unique
	}
	return r.common
}

// QueryID returns the owning query id.
func (r *UnifiedRequest) QueryID() uid.UID { return r.common.Params.QueryID }

// FragmentInstanceID returns the id of the instance being delivered.
func (r *UnifiedRequest) FragmentInstanceID() uid.UID {
	return r.instance().Params.FragmentInstanceID
}

// SenderID returns this instance's sender id.
func (r *UnifiedRequest) SenderID() int32 { return r.instance().Params.SenderID }

// InstancesNumber returns the total instance count landing on this backend.
func (r *UnifiedRequest) InstancesNumber() int32 { return r.common.Params.InstancesNumber }

// ScanRangesOfNode returns the whole-node scan ranges of one plan node.
func (r *UnifiedRequest) ScanRangesOfNode(planNodeID int32) []scan.Range {
	return r.instance().Params.PerNodeScanRanges[planNodeID]
}

// PerDriverSeqScanRangesOfNode returns the lane-pinned scan ranges of one
// plan node, nil when the coordinator did not pin lanes.
func (r *UnifiedRequest) PerDriverSeqScanRangesOfNode(planNodeID int32) map[int32][]scan.Range {
	return r.instance().Params.NodeToPerDriverSeqScanRanges[planNodeID]
}

// ExchNumSendersOfNode returns the expected sender count of one exchange
// node, defaulting to 0.
func (r *UnifiedRequest) ExchNumSendersOfNode(planNodeID int32) int32 {
	if n, ok := r.instance().Params.PerExchNumSenders[planNodeID]; ok {
		return n
	}
	return r.common.Params.PerExchNumSenders[planNodeID]
}

// RuntimeFilterParams returns the runtime filter coordination payload.
func (r *UnifiedRequest) RuntimeFilterParams() *rfilter.Params {
	if r.unique != nil && !r.unique.Params.RuntimeFilterParams.Empty() {
		return r.unique.Params.RuntimeFilterParams
	}
	return r.common.Params.RuntimeFilterParams
}

// PlanFragment returns the plan payload.
func (r *UnifiedRequest) PlanFragment() *PlanFragment { return r.common.Fragment }

// OutputSink returns the output sink descriptor; a unique part may override
// the common one.
func (r *UnifiedRequest) OutputSink() *sink.Spec {
	if r.unique != nil && r.unique.Fragment != nil && r.unique.Fragment.OutputSink != nil {
		return r.unique.Fragment.OutputSink
	}
	if r.common.Fragment == nil {
		return nil
	}
	return r.common.Fragment.OutputSink
}

// DescTbl returns the descriptor table payload.
func (r *UnifiedRequest) DescTbl() *catalog.DescriptorTableSpec { return r.common.DescTbl }

// Coord returns the coordinator address.
func (r *UnifiedRequest) Coord() string { return r.common.Coord }

// QueryOptions returns the per-query options, possibly nil.
func (r *UnifiedRequest) QueryOptions() *exec.QueryOptions { return r.common.QueryOptions }

// QueryGlobals returns the coordinator-computed query constants.
func (r *UnifiedRequest) QueryGlobals() *exec.QueryGlobals { return r.common.QueryGlobals }

// Workgroup returns the workgroup descriptor, possibly nil.
func (r *UnifiedRequest) Workgroup() *workgroup.Spec { return r.common.Workgroup }

// AdaptiveDOPParam returns the adaptive activation tuning, possibly nil.
func (r *UnifiedRequest) AdaptiveDOPParam() *AdaptiveDOPParam { return r.common.AdaptiveDOPParam }

// EnableSharedScan reports whether scan lanes may steal each other's work.
func (r *UnifiedRequest) EnableSharedScan() bool { return r.common.EnableSharedScan }

// IsStreamPipeline reports whether this is a stream load fragment.
func (r *UnifiedRequest) IsStreamPipeline() bool { return r.common.IsStreamPipeline }

// PipelineDOP returns the requested source-side degree of parallelism.
func (r *UnifiedRequest) PipelineDOP() int32 { return r.common.PipelineDOP }

// PipelineSinkDOP returns the requested sink-side degree of parallelism.
func (r *UnifiedRequest) PipelineSinkDOP() int32 { return r.common.PipelineSinkDOP }

// BackendNum returns the coordinator-assigned backend sequence number.
func (r *UnifiedRequest) BackendNum() int32 { return r.common.BackendNum }
