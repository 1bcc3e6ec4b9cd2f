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

// Package query owns the per-query and per-fragment-instance execution
// contexts of a backend: lifetime, memory attribution, deduplication of
// repeated fragment deliveries and teardown.
package query

import (
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/errors"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/util/logutil"
	"github.com/keeldb/keel/pkg/util/memory"
	"github.com/keeldb/keel/pkg/workgroup"
)

// ErrDuplicateInvocation is returned when a fragment instance is delivered
// more than once. Duplicate deliveries are dropped, never re-executed.
var ErrDuplicateInvocation = errors.New("duplicate fragment instance invocation")

// ErrCancelled is returned when preparation races with query cancellation.
var ErrCancelled = errors.New("query has been cancelled")

// QueryContext is the backend-local state shared by every fragment instance
// of one query. It is created by the first fragment to arrive and torn down
// when the last fragment counts down or the lifetime expires.
type QueryContext struct {
	queryID uid.UID

	totalFragments atomicutil.Int32
	// deliveryDeadlineNS bounds the window in which all fragments must
	// arrive; queryDeadlineNS bounds the whole query.
	deliveryDeadlineNS atomicutil.Int64
	queryDeadlineNS    atomicutil.Int64
	deliveryExpireSec  atomicutil.Int32
	queryExpireSec     atomicutil.Int32

	memInitOnce sync.Once
	memTracker  *memory.Tracker
	// spillMemLimitBytes is the budget above which operators start spilling.
	// 0 when spill is off.
	spillMemLimitBytes atomicutil.Int64
	// bigQueryMemLimitBytes is the workgroup's big-query escalation threshold.
	// It never tightens the tracker limit; 0 when the workgroup has none.
	bigQueryMemLimitBytes atomicutil.Int64

	wg atomicutil.Pointer[workgroup.WorkGroup]

	descMu  sync.Mutex
	descTbl *catalog.DescriptorTable

	scanLimit atomicutil.Int64

	finalSinkInstalled atomicutil.Bool
	isRFCoordinator    atomicutil.Bool
	cancelled          atomicutil.Bool

	bufferMu    sync.Mutex
	chunkBuffer *PassThroughChunkBuffer

	fragmentMgr *FragmentContextManager

	logger *zap.Logger
}

func newQueryContext(queryID uid.UID) *QueryContext {
	return &QueryContext{
		queryID:     queryID,
		fragmentMgr: NewFragmentContextManager(),
		logger:      logutil.BgLogger().With(zap.String("query_id", queryID.String())),
	}
}

// QueryID returns the query id.
func (qc *QueryContext) QueryID() uid.UID { return qc.queryID }

// FragmentMgr returns the per-query fragment instance registry.
func (qc *QueryContext) FragmentMgr() *FragmentContextManager { return qc.fragmentMgr }

// SetTotalFragments records how many fragment instances this backend will
// receive for the query. Only the first caller wins; every delivery repeats
// the same number.
func (qc *QueryContext) SetTotalFragments(n int32) {
	qc.totalFragments.CompareAndSwap(0, n)
}

// CountDownFragments decrements the outstanding fragment count and reports
// whether the query's last fragment on this backend is done.
func (qc *QueryContext) CountDownFragments() bool {
	remaining := qc.totalFragments.Dec()
	return remaining <= 0
}

// SetExpireSeconds records the two lifetime extensions applied by
// ExtendDeliveryLifetime and ExtendQueryLifetime.
func (qc *QueryContext) SetExpireSeconds(deliverySec, querySec int32) {
	qc.deliveryExpireSec.Store(deliverySec)
	qc.queryExpireSec.Store(querySec)
}

// DeliveryExpireSeconds returns the delivery lifetime extension.
func (qc *QueryContext) DeliveryExpireSeconds() int32 { return qc.deliveryExpireSec.Load() }

// QueryExpireSeconds returns the query lifetime extension.
func (qc *QueryContext) QueryExpireSeconds() int32 { return qc.queryExpireSec.Load() }

func extendDeadline(deadline *atomicutil.Int64, seconds int32) {
	target := time.Now().Add(time.Duration(seconds) * time.Second).UnixNano()
	for {
		cur := deadline.Load()
		if cur >= target || deadline.CompareAndSwap(cur, target) {
			return
		}
	}
}

// ExtendDeliveryLifetime pushes the delivery deadline forward. Deadlines only
// move forward, never back.
func (qc *QueryContext) ExtendDeliveryLifetime() {
	extendDeadline(&qc.deliveryDeadlineNS, qc.deliveryExpireSec.Load())
}

// ExtendQueryLifetime pushes the query deadline forward.
func (qc *QueryContext) ExtendQueryLifetime() {
	extendDeadline(&qc.queryDeadlineNS, qc.queryExpireSec.Load())
}

// DeliveryExpired reports whether the delivery window has closed.
func (qc *QueryContext) DeliveryExpired() bool {
	d := qc.deliveryDeadlineNS.Load()
	return d > 0 && time.Now().UnixNano() > d
}

// QueryExpired reports whether the whole query has outlived its deadline.
func (qc *QueryContext) QueryExpired() bool {
	d := qc.queryDeadlineNS.Load()
	return d > 0 && time.Now().UnixNano() > d
}

// InitMemTracker creates the query-level tracker exactly once. limitBytes <= 0
// means unlimited. Later callers observe the first initialization.
func (qc *QueryContext) InitMemTracker(limitBytes int64, parent *memory.Tracker) {
	qc.memInitOnce.Do(func() {
		if limitBytes <= 0 {
			limitBytes = 0
		}
		qc.memTracker = memory.NewTracker(fmt.Sprintf("query/%s", qc.queryID), limitBytes)
		if parent != nil {
			qc.memTracker.AttachTo(parent)
		}
	})
}

// MemTracker returns the query-level tracker, nil before InitMemTracker.
func (qc *QueryContext) MemTracker() *memory.Tracker { return qc.memTracker }

// SetSpillMemLimitBytes records the spill budget.
func (qc *QueryContext) SetSpillMemLimitBytes(n int64) { qc.spillMemLimitBytes.Store(n) }

// SpillMemLimitBytes returns the spill budget, 0 when spill is off.
func (qc *QueryContext) SpillMemLimitBytes() int64 { return qc.spillMemLimitBytes.Load() }

// SetBigQueryMemLimit records the workgroup's big-query memory threshold.
func (qc *QueryContext) SetBigQueryMemLimit(n int64) { qc.bigQueryMemLimitBytes.Store(n) }

// BigQueryMemLimit returns the big-query threshold, 0 when unset.
func (qc *QueryContext) BigQueryMemLimit() int64 { return qc.bigQueryMemLimitBytes.Load() }

// BindWorkGroup binds the query to wg. The first binding wins.
func (qc *QueryContext) BindWorkGroup(wg *workgroup.WorkGroup) {
	qc.wg.CompareAndSwap(nil, wg)
}

// WorkGroup returns the bound workgroup, nil before binding.
func (qc *QueryContext) WorkGroup() *workgroup.WorkGroup { return qc.wg.Load() }

// CacheDescTable stores the query-wide descriptor table shipped with the
// first fragment; later fragments may arrive without one.
func (qc *QueryContext) CacheDescTable(t *catalog.DescriptorTable) {
	qc.descMu.Lock()
	defer qc.descMu.Unlock()
	if qc.descTbl == nil {
		qc.descTbl = t
	}
}

// CachedDescTable returns the cached descriptor table, nil when no fragment
// has shipped one yet.
func (qc *QueryContext) CachedDescTable() *catalog.DescriptorTable {
	qc.descMu.Lock()
	defer qc.descMu.Unlock()
	return qc.descTbl
}

// SetScanLimit records the query-wide physical scan row cap. <= 0 disables
// the cap. The first positive value wins.
func (qc *QueryContext) SetScanLimit(limit int64) {
	if limit > 0 {
		qc.scanLimit.CompareAndSwap(0, limit)
	}
}

// ScanLimit returns the physical scan row cap, 0 when uncapped.
func (qc *QueryContext) ScanLimit() int64 { return qc.scanLimit.Load() }

// TrySetFinalSink marks the query's terminal sink as installed and reports
// whether this caller did the marking. At most one fragment per query carries
// the final sink.
func (qc *QueryContext) TrySetFinalSink() bool {
	return qc.finalSinkInstalled.CompareAndSwap(false, true)
}

// MarkRuntimeFilterCoordinator flags this backend as the query's runtime
// filter merge coordinator.
func (qc *QueryContext) MarkRuntimeFilterCoordinator() { qc.isRFCoordinator.Store(true) }

// IsRuntimeFilterCoordinator reports the coordinator flag.
func (qc *QueryContext) IsRuntimeFilterCoordinator() bool { return qc.isRFCoordinator.Load() }

// Cancel marks the query cancelled and cancels every registered fragment.
func (qc *QueryContext) Cancel() {
	if !qc.cancelled.CompareAndSwap(false, true) {
		return
	}
	qc.logger.Info("cancelling query")
	qc.fragmentMgr.CancelAll()
}

// Cancelled reports whether Cancel has run.
func (qc *QueryContext) Cancelled() bool { return qc.cancelled.Load() }

// PrepareChunkBuffer returns the query's pass-through chunk buffer, creating
// it on first use and taking one fragment reference.
func (qc *QueryContext) PrepareChunkBuffer() *PassThroughChunkBuffer {
	qc.bufferMu.Lock()
	defer qc.bufferMu.Unlock()
	if qc.chunkBuffer == nil {
		qc.chunkBuffer = NewPassThroughChunkBuffer(qc.memTracker)
	}
	qc.chunkBuffer.Ref()
	return qc.chunkBuffer
}

// ReleaseChunkBuffer drops one fragment reference; the buffer empties itself
// when the last reference goes.
func (qc *QueryContext) ReleaseChunkBuffer() {
	qc.bufferMu.Lock()
	defer qc.bufferMu.Unlock()
	if qc.chunkBuffer != nil && qc.chunkBuffer.Unref() {
		qc.chunkBuffer = nil
	}
}

// Manager is the process-wide registry of live query contexts.
type Manager struct {
	mu      sync.Mutex
	queries map[uid.UID]*QueryContext
}

// NewManager creates an empty query context registry.
func NewManager() *Manager {
	return &Manager{queries: make(map[uid.UID]*QueryContext)}
}

// Get returns the live context for queryID, or nil.
func (m *Manager) Get(queryID uid.UID) *QueryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[queryID]
}

// GetOrRegister returns the live context for queryID, creating it when this
// is the first fragment of the query to arrive. created reports which case
// happened.
func (m *Manager) GetOrRegister(queryID uid.UID) (qc *QueryContext, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qc, ok := m.queries[queryID]; ok {
		return qc, false
	}
	qc = newQueryContext(queryID)
	m.queries[queryID] = qc
	return qc, true
}

// Unregister removes and returns the context for queryID, nil when absent.
func (m *Manager) Unregister(queryID uid.UID) *QueryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	qc := m.queries[queryID]
	delete(m.queries, queryID)
	return qc
}

// Size returns the number of live queries.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}
