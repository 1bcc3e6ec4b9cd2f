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

package query

import (
	"sync"

	"github.com/pingcap/errors"
	atomicutil "go.uber.org/atomic"

	"github.com/keeldb/keel/pkg/cache"
	"github.com/keeldb/keel/pkg/driverlimit"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/plan"
	"github.com/keeldb/keel/pkg/scan"
	"github.com/keeldb/keel/pkg/sink"
	"github.com/keeldb/keel/pkg/streamload"
	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/workgroup"
)

// FragmentContext is everything one prepared fragment instance owns: its
// runtime state, decomposed pipelines, morsel sources, sink, admission token
// and auxiliary load state. It is built during preparation and destroyed
// exactly once.
type FragmentContext struct {
	qc         *QueryContext
	instanceID uid.UID

	coordAddr        string
	isStreamPipeline bool

	wg       *workgroup.WorkGroup
	state    *exec.RuntimeState
	planRoot plan.ExecNode

	pipelines            []*pipeline.Pipeline
	morselQueueFactories map[int32]scan.MorselQueueFactory

	cacheParam  *cache.Param
	enableCache bool

	// Adaptive group activation tuning shipped with the request.
	adaptiveMaxBlockRows    int64
	adaptiveMaxOutputAmplif int64

	dataSink    sink.DataSink
	driverToken *driverlimit.Token

	streamLoadContexts []*streamload.Context
	chunkBuffer        *PassThroughChunkBuffer

	prepared  atomicutil.Bool
	cancelled atomicutil.Bool

	destroyOnce sync.Once
}

// NewFragmentContext creates an empty fragment context bound to its query.
func NewFragmentContext(qc *QueryContext, instanceID uid.UID) *FragmentContext {
	return &FragmentContext{
		qc:                   qc,
		instanceID:           instanceID,
		morselQueueFactories: make(map[int32]scan.MorselQueueFactory),
	}
}

// QueryContext returns the owning query context.
func (fc *FragmentContext) QueryContext() *QueryContext { return fc.qc }

// QueryID returns the owning query id.
func (fc *FragmentContext) QueryID() uid.UID { return fc.qc.QueryID() }

// FragmentInstanceID returns this instance's id.
func (fc *FragmentContext) FragmentInstanceID() uid.UID { return fc.instanceID }

// SetCoordAddress records the coordinator address for status reports.
func (fc *FragmentContext) SetCoordAddress(addr string) { fc.coordAddr = addr }

// CoordAddress returns the coordinator address.
func (fc *FragmentContext) CoordAddress() string { return fc.coordAddr }

// SetStreamPipeline flags the fragment as a stream load pipeline.
func (fc *FragmentContext) SetStreamPipeline(v bool) { fc.isStreamPipeline = v }

// IsStreamPipeline reports the stream load flag.
func (fc *FragmentContext) IsStreamPipeline() bool { return fc.isStreamPipeline }

// SetWorkGroup binds the fragment to its workgroup.
func (fc *FragmentContext) SetWorkGroup(wg *workgroup.WorkGroup) { fc.wg = wg }

// WorkGroup returns the bound workgroup.
func (fc *FragmentContext) WorkGroup() *workgroup.WorkGroup { return fc.wg }

// SetRuntimeState binds the instance runtime state.
func (fc *FragmentContext) SetRuntimeState(state *exec.RuntimeState) { fc.state = state }

// RuntimeState returns the instance runtime state.
func (fc *FragmentContext) RuntimeState() *exec.RuntimeState { return fc.state }

// SetPlanRoot binds the materialized plan tree.
func (fc *FragmentContext) SetPlanRoot(root plan.ExecNode) { fc.planRoot = root }

// PlanRoot returns the plan tree root.
func (fc *FragmentContext) PlanRoot() plan.ExecNode { return fc.planRoot }

// SetPipelines stores the decomposed pipeline list.
func (fc *FragmentContext) SetPipelines(pipelines []*pipeline.Pipeline) { fc.pipelines = pipelines }

// Pipelines returns the decomposed pipeline list.
func (fc *FragmentContext) Pipelines() []*pipeline.Pipeline { return fc.pipelines }

// SetMorselQueueFactory records the morsel source of one scan node.
func (fc *FragmentContext) SetMorselQueueFactory(planNodeID int32, f scan.MorselQueueFactory) {
	fc.morselQueueFactories[planNodeID] = f
}

// MorselQueueFactory returns the morsel source of planNodeID, or nil.
func (fc *FragmentContext) MorselQueueFactory(planNodeID int32) scan.MorselQueueFactory {
	return fc.morselQueueFactories[planNodeID]
}

// MorselQueueFactories returns the scan node to morsel source map.
func (fc *FragmentContext) MorselQueueFactories() map[int32]scan.MorselQueueFactory {
	return fc.morselQueueFactories
}

// SetCacheParam stores the resolved result cache parameter.
func (fc *FragmentContext) SetCacheParam(p *cache.Param) { fc.cacheParam = p }

// CacheParam returns the resolved result cache parameter, nil when the
// request carried none.
func (fc *FragmentContext) CacheParam() *cache.Param { return fc.cacheParam }

// SetEnableCache flips the per-fragment cache decision.
func (fc *FragmentContext) SetEnableCache(v bool) { fc.enableCache = v }

// CacheEnabled reports whether the result cache serves this fragment.
func (fc *FragmentContext) CacheEnabled() bool { return fc.enableCache }

// SetAdaptiveDOPParams records the adaptive activation tuning knobs.
func (fc *FragmentContext) SetAdaptiveDOPParams(maxBlockRows, maxOutputAmplification int64) {
	fc.adaptiveMaxBlockRows = maxBlockRows
	fc.adaptiveMaxOutputAmplif = maxOutputAmplification
}

// AdaptiveMaxBlockRowsPerDriverSeq returns the per-lane row cap a group
// leader may buffer before activation is forced.
func (fc *FragmentContext) AdaptiveMaxBlockRowsPerDriverSeq() int64 {
	return fc.adaptiveMaxBlockRows
}

// AdaptiveMaxOutputAmplificationFactor returns the amplification bound.
func (fc *FragmentContext) AdaptiveMaxOutputAmplificationFactor() int64 {
	return fc.adaptiveMaxOutputAmplif
}

// SetDataSink binds the fragment's output sink.
func (fc *FragmentContext) SetDataSink(s sink.DataSink) { fc.dataSink = s }

// DataSink returns the output sink, nil for interior fragments without one.
func (fc *FragmentContext) DataSink() sink.DataSink { return fc.dataSink }

// SetDriverToken stores the admission token covering all of this fragment's
// drivers.
func (fc *FragmentContext) SetDriverToken(t *driverlimit.Token) { fc.driverToken = t }

// DriverToken returns the admission token.
func (fc *FragmentContext) DriverToken() *driverlimit.Token { return fc.driverToken }

// AddStreamLoadContext records one stream load channel owned by this
// fragment.
func (fc *FragmentContext) AddStreamLoadContext(ctx *streamload.Context) {
	fc.streamLoadContexts = append(fc.streamLoadContexts, ctx)
}

// StreamLoadContexts returns the owned stream load channels.
func (fc *FragmentContext) StreamLoadContexts() []*streamload.Context {
	return fc.streamLoadContexts
}

// SetChunkBuffer stores the fragment's reference to the query's pass-through
// chunk buffer.
func (fc *FragmentContext) SetChunkBuffer(b *PassThroughChunkBuffer) { fc.chunkBuffer = b }

// ChunkBuffer returns the pass-through chunk buffer reference.
func (fc *FragmentContext) ChunkBuffer() *PassThroughChunkBuffer { return fc.chunkBuffer }

// TotalDOP sums the driver lanes of every pipeline, which is the size of the
// fragment's admission token.
func (fc *FragmentContext) TotalDOP() int {
	total := 0
	for _, p := range fc.pipelines {
		total += p.DegreeOfParallelism()
	}
	return total
}

// MarkPrepared flags preparation as complete.
func (fc *FragmentContext) MarkPrepared() { fc.prepared.Store(true) }

// Prepared reports whether preparation completed.
func (fc *FragmentContext) Prepared() bool { return fc.prepared.Load() }

// Cancel cancels every instantiated driver of the fragment.
func (fc *FragmentContext) Cancel() {
	if !fc.cancelled.CompareAndSwap(false, true) {
		return
	}
	for _, p := range fc.pipelines {
		for _, d := range p.Drivers() {
			d.Cancel()
		}
	}
}

// Cancelled reports whether Cancel has run.
func (fc *FragmentContext) Cancelled() bool { return fc.cancelled.Load() }

// Destroy releases everything the fragment holds: the admission token, the
// pass-through buffer reference and the instance memory tracker. Idempotent.
func (fc *FragmentContext) Destroy() {
	fc.destroyOnce.Do(func() {
		fc.driverToken.Release()
		if fc.chunkBuffer != nil {
			fc.qc.ReleaseChunkBuffer()
			fc.chunkBuffer = nil
		}
		if fc.state != nil {
			if t := fc.state.InstanceMemTracker(); t != nil {
				t.Detach()
			}
		}
	})
}

// FragmentContextManager registers the fragment instances of one query.
// Registration is the authoritative duplicate-delivery check: the second
// registration of an instance id fails with ErrDuplicateInvocation.
type FragmentContextManager struct {
	mu        sync.Mutex
	fragments map[uid.UID]*FragmentContext
}

// NewFragmentContextManager creates an empty registry.
func NewFragmentContextManager() *FragmentContextManager {
	return &FragmentContextManager{fragments: make(map[uid.UID]*FragmentContext)}
}

// Register installs fc. Exactly one registration per instance id succeeds.
func (m *FragmentContextManager) Register(fc *FragmentContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fc.FragmentInstanceID()
	if _, ok := m.fragments[id]; ok {
		return errors.Annotatef(ErrDuplicateInvocation, "fragment instance %s", id)
	}
	m.fragments[id] = fc
	return nil
}

// Get returns the registered context for instanceID, or nil.
func (m *FragmentContextManager) Get(instanceID uid.UID) *FragmentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fragments[instanceID]
}

// Exists reports whether instanceID is registered.
func (m *FragmentContextManager) Exists(instanceID uid.UID) bool {
	return m.Get(instanceID) != nil
}

// Unregister removes and returns the context for instanceID, nil when absent.
func (m *FragmentContextManager) Unregister(instanceID uid.UID) *FragmentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	fc := m.fragments[instanceID]
	delete(m.fragments, instanceID)
	return fc
}

// CancelAll cancels every registered fragment.
func (m *FragmentContextManager) CancelAll() {
	m.mu.Lock()
	fragments := make([]*FragmentContext, 0, len(m.fragments))
	for _, fc := range m.fragments {
		fragments = append(fragments, fc)
	}
	m.mu.Unlock()
	for _, fc := range fragments {
		fc.Cancel()
	}
}

// Size returns the number of registered fragments.
func (m *FragmentContextManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fragments)
}
