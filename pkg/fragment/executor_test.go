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

package fragment

import (
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/keeldb/keel/pkg/cache"
	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/config"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/execenv"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/plan"
	"github.com/keeldb/keel/pkg/rfilter"
	"github.com/keeldb/keel/pkg/scan"
	"github.com/keeldb/keel/pkg/sink"
	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/workgroup"
)

type stubExecutor struct {
	mu      sync.Mutex
	drivers []*pipeline.Driver
}

func (s *stubExecutor) Submit(d *pipeline.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers = append(s.drivers, d)
}

func (s *stubExecutor) submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drivers)
}

func newTestEnv(t *testing.T) (*execenv.Env, *stubExecutor) {
	t.Helper()
	cfg := config.NewConfig()
	require.NoError(t, cfg.Valid())
	env := execenv.New(cfg)
	stub := &stubExecutor{}
	env.SetDriverExecutor(stub)
	return env, stub
}

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }

func testDescTbl() *catalog.DescriptorTableSpec {
	return &catalog.DescriptorTableSpec{
		Tuples: []catalog.TupleDescSpec{{ID: 1, TableID: 100}},
		Slots:  []catalog.SlotDescSpec{{ID: 1, ParentID: 1, Name: "c1", Type: "INT"}},
		Tables: []catalog.TableDescSpec{{ID: 100, Name: "t1", NumPartitions: 2}},
	}
}

func scanSpec(id int32, limit int64) plan.NodeSpec {
	return plan.NodeSpec{
		Kind:     plan.KindOlapScan,
		ID:       id,
		Limit:    limit,
		TupleIDs: []catalog.TupleID{1},
		Scan:     &plan.ScanSpec{TableID: 100},
	}
}

func singleScanRequest(queryID, instanceID uid.UID) *Request {
	return &Request{
		Params: InstanceParams{
			QueryID:            queryID,
			FragmentInstanceID: instanceID,
			InstancesNumber:    1,
			PerNodeScanRanges: map[int32][]scan.Range{
				0: {{Internal: &scan.InternalRange{TabletID: 1001, PartitionID: 10}}},
			},
		},
		Fragment: &PlanFragment{
			Plan:       []plan.NodeSpec{scanSpec(0, 0)},
			OutputSink: &sink.Spec{Kind: sink.KindResult},
		},
		DescTbl:     testDescTbl(),
		Coord:       "10.0.0.1:9020",
		PipelineDOP: 2,
	}
}

func TestPrepareAndExecuteSingleScan(t *testing.T) {
	env, stub := newTestEnv(t)
	queryID, instanceID := uid.New(), uid.New()

	e := NewExecutor(env, NewUnifiedRequest(singleScanRequest(queryID, instanceID), nil))
	require.NoError(t, e.Prepare())

	qc := env.QueryMgr().Get(queryID)
	require.NotNil(t, qc)
	require.NotNil(t, qc.FragmentMgr().Get(instanceID))
	require.NotNil(t, qc.WorkGroup())
	require.Equal(t, workgroup.DefaultID, qc.WorkGroup().ID())

	fc := e.FragmentContext()
	require.Len(t, fc.Pipelines(), 1)
	require.Equal(t, 2, fc.TotalDOP())
	require.Equal(t, int64(2), env.DriverLimiter().NumTotalDrivers())
	require.True(t, fc.Prepared())

	require.NoError(t, e.Execute())
	require.Equal(t, 2, stub.submitted())
	for _, d := range stub.drivers {
		require.Equal(t, pipeline.DriverReady, d.State())
	}
}

func TestDuplicateInvocation(t *testing.T) {
	env, _ := newTestEnv(t)
	queryID, instanceID := uid.New(), uid.New()

	first := NewExecutor(env, NewUnifiedRequest(singleScanRequest(queryID, instanceID), nil))
	require.NoError(t, first.Prepare())
	admitted := env.DriverLimiter().NumTotalDrivers()

	second := NewExecutor(env, NewUnifiedRequest(singleScanRequest(queryID, instanceID), nil))
	err := second.Prepare()
	require.Error(t, err)
	require.Equal(t, KindDuplicateInvocation, Classify(err))

	// The original preparation is untouched.
	qc := env.QueryMgr().Get(queryID)
	require.NotNil(t, qc)
	require.NotNil(t, qc.FragmentMgr().Get(instanceID))
	require.Equal(t, admitted, env.DriverLimiter().NumTotalDrivers())
}

func TestConcurrentDuplicateInvocation(t *testing.T) {
	env, _ := newTestEnv(t)
	queryID, instanceID := uid.New(), uid.New()

	errs := make([]error, 2)
	var eg errgroup.Group
	for i := 0; i < 2; i++ {
		i := i
		eg.Go(func() error {
			req := singleScanRequest(queryID, instanceID)
			errs[i] = NewExecutor(env, NewUnifiedRequest(req, nil)).Prepare()
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	successes, duplicates := 0, 0
	for _, err := range errs {
		switch Classify(err) {
		case KindOK:
			successes++
		case KindDuplicateInvocation:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, duplicates)
	// No driver is double-admitted: only the winner's token remains.
	require.Equal(t, int64(2), env.DriverLimiter().NumTotalDrivers())
}

func TestComputeExpireSeconds(t *testing.T) {
	cases := []struct {
		name         string
		opts         *exec.QueryOptions
		wantDelivery int32
		wantQuery    int32
	}{
		{
			name:         "both set takes the tighter delivery",
			opts:         &exec.QueryOptions{QueryTimeoutSec: int32Ptr(30), QueryDeliveryTimeoutSec: int32Ptr(10)},
			wantDelivery: 10,
			wantQuery:    30,
		},
		{
			name:         "only query timeout drives both",
			opts:         &exec.QueryOptions{QueryTimeoutSec: int32Ptr(5)},
			wantDelivery: 5,
			wantQuery:    5,
		},
		{
			name:         "neither falls back to the default",
			opts:         &exec.QueryOptions{},
			wantDelivery: config.DefaultExpireSeconds,
			wantQuery:    config.DefaultExpireSeconds,
		},
		{
			name:         "zero timeout is floored at one second",
			opts:         &exec.QueryOptions{QueryTimeoutSec: int32Ptr(0)},
			wantDelivery: 1,
			wantQuery:    1,
		},
		{
			name:         "nil options fall back to the default",
			opts:         nil,
			wantDelivery: config.DefaultExpireSeconds,
			wantQuery:    config.DefaultExpireSeconds,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delivery, query := computeExpireSeconds(tc.opts, config.DefaultExpireSeconds)
			require.Equal(t, tc.wantDelivery, delivery)
			require.Equal(t, tc.wantQuery, query)
		})
	}
}

func TestDefaultExpireSecondsKnob(t *testing.T) {
	delivery, query := computeExpireSeconds(nil, 60)
	require.Equal(t, int32(60), delivery)
	require.Equal(t, int32(60), query)

	// The configured knob, not the package default, drives the fallback.
	cfg := config.NewConfig()
	cfg.DefaultExpireSeconds = 60
	env := execenv.New(cfg)
	env.SetDriverExecutor(&stubExecutor{})

	e := NewExecutor(env, NewUnifiedRequest(singleScanRequest(uid.New(), uid.New()), nil))
	require.NoError(t, e.Prepare())
	require.Equal(t, int32(60), e.QueryContext().DeliveryExpireSeconds())
	require.Equal(t, int32(60), e.QueryContext().QueryExpireSeconds())
}

func TestDeadlinesRecordedOnQueryContext(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	req.QueryOptions = &exec.QueryOptions{
		QueryTimeoutSec:         int32Ptr(30),
		QueryDeliveryTimeoutSec: int32Ptr(10),
	}
	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	qc := e.QueryContext()
	require.Equal(t, int32(10), qc.DeliveryExpireSeconds())
	require.Equal(t, int32(30), qc.QueryExpireSeconds())
	require.False(t, qc.DeliveryExpired())
	require.False(t, qc.QueryExpired())
}

func joinOfScansRequest(queryID, instanceID uid.UID, limits ...int64) *Request {
	// Preorder: each join consumes the chain built so far as probe side and a
	// fresh scan as build side.
	specs := []plan.NodeSpec{scanSpec(0, limits[0])}
	for i := 1; i < len(limits); i++ {
		join := plan.NodeSpec{
			Kind:        plan.KindHashJoin,
			ID:          int32(100 + i),
			NumChildren: 2,
			TupleIDs:    []catalog.TupleID{1},
			Join:        &plan.JoinSpec{JoinOp: "INNER"},
		}
		specs = append([]plan.NodeSpec{join}, specs...)
		specs = append(specs, scanSpec(int32(i), limits[i]))
	}

	ranges := make(map[int32][]scan.Range, len(limits))
	for i := range limits {
		ranges[int32(i)] = []scan.Range{{Internal: &scan.InternalRange{TabletID: int64(1000 + i), PartitionID: 10}}}
	}
	return &Request{
		Params: InstanceParams{
			QueryID:            queryID,
			FragmentInstanceID: instanceID,
			InstancesNumber:    1,
			PerNodeScanRanges:  ranges,
		},
		Fragment: &PlanFragment{
			Plan:       specs,
			OutputSink: &sink.Spec{Kind: sink.KindResult},
		},
		DescTbl:     testDescTbl(),
		PipelineDOP: 2,
	}
}

func TestScanLimitPropagation(t *testing.T) {
	env, _ := newTestEnv(t)
	req := joinOfScansRequest(uid.New(), uid.New(), 5, 10)
	req.Workgroup = &workgroup.Spec{ID: 7, Name: "wg7", BigQueryScanRowsLimit: 20}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	// Logical limit 15 is within the cap of 20, so the physical estimate
	// wins: each scan inflates to one chunk of 4096 rows times dop 2.
	require.Equal(t, int64(16384), e.QueryContext().ScanLimit())
}

func TestScanLimitUnknownUsesWorkgroupCap(t *testing.T) {
	env, _ := newTestEnv(t)
	req := joinOfScansRequest(uid.New(), uid.New(), 5, 10, 0)
	req.Workgroup = &workgroup.Spec{ID: 8, Name: "wg8", BigQueryScanRowsLimit: 20}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	// The third scan has no limit, the logical sum is unknown and the
	// workgroup cap applies verbatim.
	require.Equal(t, int64(20), e.QueryContext().ScanLimit())
}

func cacheableScanRequest(queryID, instanceID uid.UID) *Request {
	req := singleScanRequest(queryID, instanceID)
	req.Params.NodeToPerDriverSeqScanRanges = map[int32]map[int32][]scan.Range{
		0: {
			0: {{Internal: &scan.InternalRange{TabletID: 1001, PartitionID: 10}}},
			1: {{Internal: &scan.InternalRange{TabletID: 1002, PartitionID: 11}}},
		},
	}
	req.Fragment.CacheParam = &cache.ParamSpec{
		PlanNodeID: 0,
		Digest:     []byte{0xde, 0xad},
		RegionMap:  map[int64]string{10: "region-a"},
	}
	return req
}

func TestCacheKeyPrefixDerivation(t *testing.T) {
	env, _ := newTestEnv(t)
	e := NewExecutor(env, NewUnifiedRequest(cacheableScanRequest(uid.New(), uid.New()), nil))
	require.NoError(t, e.Prepare())

	fc := e.FragmentContext()
	require.True(t, fc.CacheEnabled())
	param := fc.CacheParam()
	require.NotNil(t, param)
	// The lane count comes from the per-driver knob alone, not scaled by dop.
	require.Equal(t, config.DefaultQueryCacheNumLanesPerDriver, param.NumLanes)
	// Partition 10 has a region entry; partition 11 does not and its tablet
	// is silently excluded from caching.
	require.Len(t, param.CacheKeyPrefixes, 1)
	require.Equal(t, cache.KeyPrefix(10, "region-a", 1001), param.CacheKeyPrefixes[1001])
}

func TestCacheDisabledBySpill(t *testing.T) {
	env, _ := newTestEnv(t)
	req := cacheableScanRequest(uid.New(), uid.New())
	req.QueryOptions = &exec.QueryOptions{EnableSpill: true}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())
	require.False(t, e.FragmentContext().CacheEnabled())
}

func TestCacheWinsOverSharedScan(t *testing.T) {
	env, _ := newTestEnv(t)
	req := cacheableScanRequest(uid.New(), uid.New())
	req.EnableSharedScan = true

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	// The cache survives the shared-scan request; shared scan yields per node.
	fc := e.FragmentContext()
	require.True(t, fc.CacheEnabled())
	for _, sn := range plan.CollectScanNodes(fc.PlanRoot()) {
		require.False(t, sn.SharedScanEnabled())
	}
}

func TestSharedScanEnabledWhenCacheInactive(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	req.EnableSharedScan = true

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	fc := e.FragmentContext()
	require.False(t, fc.CacheEnabled())
	for _, sn := range plan.CollectScanNodes(fc.PlanRoot()) {
		require.True(t, sn.SharedScanEnabled())
	}
}

func TestCacheDisabledByMissingPerLaneRanges(t *testing.T) {
	env, _ := newTestEnv(t)
	req := cacheableScanRequest(uid.New(), uid.New())
	req.Params.NodeToPerDriverSeqScanRanges = nil

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())
	fc := e.FragmentContext()
	require.False(t, fc.CacheEnabled())
	require.Empty(t, fc.CacheParam().CacheKeyPrefixes)
}

func TestAdmissionRejection(t *testing.T) {
	cfg := config.NewConfig()
	cfg.DriverLimit = 1
	env := execenv.New(cfg)
	env.SetDriverExecutor(&stubExecutor{})

	queryID := uid.New()
	e := NewExecutor(env, NewUnifiedRequest(singleScanRequest(queryID, uid.New()), nil))
	err := e.Prepare()
	require.Error(t, err)
	require.Equal(t, KindResourceExhausted, Classify(err))
	require.Equal(t, int64(0), env.DriverLimiter().NumTotalDrivers())
	// The only fragment counted down, so the query context is reclaimed.
	require.Nil(t, env.QueryMgr().Get(queryID))
}

func TestCleanupCountsDownExactlyOnce(t *testing.T) {
	env, _ := newTestEnv(t)
	queryID := uid.New()

	// Failure before registration: the plan is missing.
	bad := singleScanRequest(queryID, uid.New())
	bad.Params.InstancesNumber = 2
	bad.Fragment.Plan = nil
	e := NewExecutor(env, NewUnifiedRequest(bad, nil))
	err := e.Prepare()
	require.Error(t, err)
	require.Equal(t, KindInvalidPlan, Classify(err))

	// One of two expected fragments counted down; the context survives.
	qc := env.QueryMgr().Get(queryID)
	require.NotNil(t, qc)
	require.Equal(t, 0, qc.FragmentMgr().Size())

	// Failure after registration: unregister plus exactly one countdown,
	// even if cleanup runs twice.
	good := singleScanRequest(queryID, uid.New())
	good.Params.InstancesNumber = 2
	e2 := NewExecutor(env, NewUnifiedRequest(good, nil))
	require.NoError(t, e2.Prepare())
	require.Equal(t, 1, qc.FragmentMgr().Size())

	e2.failCleanup(errors.New("boom"))
	e2.failCleanup(errors.New("boom again"))
	require.Equal(t, 0, qc.FragmentMgr().Size())
	require.Nil(t, env.QueryMgr().Get(queryID))
}

func TestCancelledOnMissingCachedDescTable(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	cached := true
	req.DescTbl.IsCached = &cached

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	err := e.Prepare()
	require.Error(t, err)
	require.Equal(t, KindCancelled, Classify(err))
}

func TestStreamLoadChannelRegistration(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	channelID := int32(3)
	// Channel contexts key off the per-lane broker ranges; a broker range
	// without a channel id is an ordinary file scan. No stream-pipeline flag
	// is required.
	req.Params.NodeToPerDriverSeqScanRanges = map[int32]map[int32][]scan.Range{
		0: {
			0: {{Broker: &scan.BrokerRange{
				ChannelID: &channelID,
				Label:     "load-1",
				DBName:    "db",
				TableName: "t1",
				Format:    "json",
				LoadID:    uid.New(),
				TxnID:     77,
			}}},
			1: {{Broker: &scan.BrokerRange{
				Label:     "load-1",
				DBName:    "db",
				TableName: "t1",
				Format:    "json",
			}}},
		},
	}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	fc := e.FragmentContext()
	require.Len(t, fc.StreamLoadContexts(), 1)
	require.False(t, fc.IsStreamPipeline())
	ctx := env.StreamLoadMgr().GetChannelContext("load-1", 3)
	require.NotNil(t, ctx)
	require.Equal(t, "t1", ctx.Table)
}

func TestRuntimeFilterCoordinatorFlag(t *testing.T) {
	env, _ := newTestEnv(t)

	queryID := uid.New()
	req := singleScanRequest(queryID, uid.New())
	req.Params.RuntimeFilterParams = &rfilter.Params{
		IDToProberParams: map[int32][]rfilter.ProberParam{
			1: {{FilterID: 1, MergeNodeAddr: "10.0.0.2:8060"}},
		},
	}
	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())
	require.True(t, e.QueryContext().IsRuntimeFilterCoordinator())
	require.True(t, env.RuntimeFilterWorker().IsOpen(queryID))

	// An empty payload leaves the flag off.
	otherQueryID := uid.New()
	plainReq := singleScanRequest(otherQueryID, uid.New())
	plain := NewExecutor(env, NewUnifiedRequest(plainReq, nil))
	require.NoError(t, plain.Prepare())
	require.False(t, plain.QueryContext().IsRuntimeFilterCoordinator())
	require.False(t, env.RuntimeFilterWorker().IsOpen(otherQueryID))
}

func TestUnifiedRequestPrefersUniquePart(t *testing.T) {
	queryID := uid.New()
	common := singleScanRequest(queryID, uid.New())
	uniqueID := uid.New()
	unique := &Request{
		Params: InstanceParams{
			FragmentInstanceID: uniqueID,
			SenderID:           9,
			PerNodeScanRanges: map[int32][]scan.Range{
				0: {{Internal: &scan.InternalRange{TabletID: 2001, PartitionID: 20}}},
			},
		},
	}

	r := NewUnifiedRequest(common, unique)
	require.Equal(t, queryID, r.QueryID())
	require.Equal(t, uniqueID, r.FragmentInstanceID())
	require.Equal(t, int32(9), r.SenderID())
	require.Len(t, r.ScanRangesOfNode(0), 1)
	require.Equal(t, int64(2001), r.ScanRangesOfNode(0)[0].Internal.TabletID)
	require.NotNil(t, r.PlanFragment())
	require.Equal(t, sink.KindResult, r.OutputSink().Kind)
}

func TestMemoryPrecheckRejection(t *testing.T) {
	cfg := config.NewConfig()
	cfg.QueryPoolMemLimitBytes = 1024
	env := execenv.New(cfg)
	env.SetDriverExecutor(&stubExecutor{})
	env.QueryPoolMemTracker().Consume(2048)

	queryID := uid.New()
	e := NewExecutor(env, NewUnifiedRequest(singleScanRequest(queryID, uid.New()), nil))
	err := e.Prepare()
	require.Error(t, err)
	require.Equal(t, KindResourceExhausted, Classify(err))
	// The rejection happens before any query state is created.
	require.Nil(t, env.QueryMgr().Get(queryID))
}

func TestBigQueryMemLimitKeptSeparate(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	req.Workgroup = &workgroup.Spec{ID: 30, Name: "big", BigQueryMemLimitBytes: 1 << 30}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	// A query without its own mem limit stays unlimited; the workgroup's
	// big-query threshold rides alongside the tracker, not inside it.
	qc := e.QueryContext()
	require.Equal(t, int64(0), qc.MemTracker().Limit())
	require.Equal(t, int64(1<<30), qc.BigQueryMemLimit())
}

func TestSpillBudgetFromConfiguredLimit(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	req.Workgroup = &workgroup.Spec{ID: 31, Name: "big-spill", BigQueryMemLimitBytes: 1 << 30}
	req.QueryOptions = &exec.QueryOptions{
		MemLimitBytes:          int64Ptr(1000),
		EnableSpill:            true,
		SpillMemLimitThreshold: 0.5,
	}

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	require.NoError(t, e.Prepare())

	qc := e.QueryContext()
	require.Equal(t, int64(1000), qc.MemTracker().Limit())
	require.Equal(t, int64(500), qc.SpillMemLimitBytes())
}

func TestInvalidPlanOnMissingDescTable(t *testing.T) {
	env, _ := newTestEnv(t)
	req := singleScanRequest(uid.New(), uid.New())
	req.DescTbl = nil

	e := NewExecutor(env, NewUnifiedRequest(req, nil))
	err := e.Prepare()
	require.Error(t, err)
	require.Equal(t, KindInvalidPlan, Classify(err))
}
