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
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/cache"
	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/execenv"
	"github.com/keeldb/keel/pkg/metrics"
	"github.com/keeldb/keel/pkg/pipeline"
	"github.com/keeldb/keel/pkg/plan"
	"github.com/keeldb/keel/pkg/query"
	"github.com/keeldb/keel/pkg/sink"
	"github.com/keeldb/keel/pkg/util/logutil"
	"github.com/keeldb/keel/pkg/workgroup"
)

// Executor prepares and launches one fragment instance. It is single-use:
// one Executor per delivery, driven by Prepare then Execute on the caller's
// thread.
type Executor struct {
	env *execenv.Env
	req *UnifiedRequest

	queryCtx    *query.QueryContext
	fragmentCtx *query.FragmentContext

	dop     int
	sinkDOP int
	groups  pipeline.GroupMap

	registered  bool
	countedDown bool
}

// NewExecutor creates an executor over one unified request.
func NewExecutor(env *execenv.Env, req *UnifiedRequest) *Executor {
	return &Executor{env: env, req: req}
}

// QueryContext returns the query context, nil before Prepare.
func (e *Executor) QueryContext() *query.QueryContext { return e.queryCtx }

// FragmentContext returns the fragment context, nil before Prepare.
func (e *Executor) FragmentContext() *query.FragmentContext { return e.fragmentCtx }

// Prepare runs the whole preparation sequence. On any failure it rolls back
// everything this delivery allocated and returns a classifiable error; no
// driver is submitted.
func (e *Executor) Prepare() error {
	start := time.Now()
	err := e.prepare()
	metrics.FragmentPrepareDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FragmentPrepareCounter.WithLabelValues(metrics.LblError).Inc()
		e.failCleanup(err)
		return err
	}
	metrics.FragmentPrepareCounter.WithLabelValues(metrics.LblOK).Inc()
	return nil
}

func (e *Executor) prepare() error {
	if err := e.env.QueryPoolMemTracker().CheckLimit("start execute plan fragment"); err != nil {
		return errors.Trace(err)
	}
	if err := e.prepareQueryCtx(); err != nil {
		return err
	}
	if err := e.prepareFragmentCtx(); err != nil {
		return err
	}
	if err := e.prepareWorkgroup(); err != nil {
		return err
	}
	if err := e.prepareRuntimeState(); err != nil {
		return err
	}
	if err := e.prepareGlobalDicts(); err != nil {
		return err
	}
	if err := e.prepareExecPlan(); err != nil {
		return err
	}
	if err := e.preparePipelineDrivers(); err != nil {
		return err
	}
	if err := e.prepareStreamLoadChannels(); err != nil {
		return err
	}

	// The registry insert is the authoritative duplicate check; the pre-check
	// in prepareQueryCtx only short-circuits the common case.
	if err := e.queryCtx.FragmentMgr().Register(e.fragmentCtx); err != nil {
		return err
	}
	e.registered = true
	e.fragmentCtx.MarkPrepared()

	e.fragmentCtx.RuntimeState().Logger().Info("prepared fragment instance",
		zap.Int("pipelines", len(e.fragmentCtx.Pipelines())),
		zap.Int("total_dop", e.fragmentCtx.TotalDOP()),
		zap.Int("deferred_groups", len(e.groups)))
	return nil
}

// computeExpireSeconds resolves the delivery and query lifetime extensions
// from the request's timeouts. Delivery is the tighter of the two when both
// are set; unset values fall back to defaultSec; both are floored at one
// second.
func computeExpireSeconds(opts *exec.QueryOptions, defaultSec int32) (deliverySec, querySec int32) {
	var queryTimeout, deliveryTimeout int32
	querySet, deliverySet := false, false
	if opts != nil {
		if opts.QueryTimeoutSec != nil {
			queryTimeout, querySet = *opts.QueryTimeoutSec, true
		}
		if opts.QueryDeliveryTimeoutSec != nil {
			deliveryTimeout, deliverySet = *opts.QueryDeliveryTimeoutSec, true
		}
	}

	switch {
	case querySet && deliverySet:
		deliverySec = min32(queryTimeout, deliveryTimeout)
	case querySet:
		deliverySec = queryTimeout
	case deliverySet:
		deliverySec = deliveryTimeout
	default:
		deliverySec = defaultSec
	}
	if querySet {
		querySec = queryTimeout
	} else {
		querySec = defaultSec
	}

	if deliverySec < 1 {
		deliverySec = 1
	}
	if querySec < 1 {
		querySec = 1
	}
	return deliverySec, querySec
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func (e *Executor) prepareQueryCtx() error {
	queryID := e.req.QueryID()
	instanceID := e.req.FragmentInstanceID()

	qc, _ := e.env.QueryMgr().GetOrRegister(queryID)
	e.queryCtx = qc

	if qc.FragmentMgr().Exists(instanceID) {
		return errors.Annotatef(query.ErrDuplicateInvocation,
			"query %s instance %s", queryID, instanceID)
	}
	if qc.Cancelled() {
		return errors.Annotatef(query.ErrCancelled, "query %s", queryID)
	}

	qc.SetTotalFragments(e.req.InstancesNumber())
	deliverySec, querySec := computeExpireSeconds(e.req.QueryOptions(), e.env.Config().DefaultExpireSeconds)
	qc.SetExpireSeconds(deliverySec, querySec)
	qc.ExtendDeliveryLifetime()
	qc.ExtendQueryLifetime()

	if params := e.req.RuntimeFilterParams(); !params.Empty() {
		qc.MarkRuntimeFilterCoordinator()
		e.env.RuntimeFilterWorker().OpenQuery(queryID, params)
	}
	return nil
}

func (e *Executor) prepareFragmentCtx() error {
	fc := query.NewFragmentContext(e.queryCtx, e.req.FragmentInstanceID())
	fc.SetCoordAddress(e.req.Coord())
	fc.SetStreamPipeline(e.req.IsStreamPipeline())
	if p := e.req.AdaptiveDOPParam(); p != nil {
		fc.SetAdaptiveDOPParams(p.MaxBlockRowsPerDriverSeq, p.MaxOutputAmplificationFactor)
	}
	e.fragmentCtx = fc
	return nil
}

func (e *Executor) prepareWorkgroup() error {
	var wg *workgroup.WorkGroup
	spec := e.req.Workgroup()
	switch {
	case spec == nil, spec.ID == workgroup.DefaultID:
		wg = e.env.WorkgroupMgr().DefaultWorkGroup()
	case spec.ID == workgroup.DefaultMVID:
		wg = e.env.WorkgroupMgr().DefaultMVWorkGroup()
	default:
		wg = e.env.WorkgroupMgr().Register(*spec)
	}
	e.fragmentCtx.SetWorkGroup(wg)
	e.queryCtx.BindWorkGroup(wg)
	return nil
}

func (e *Executor) prepareRuntimeState() error {
	opts := e.req.QueryOptions()
	state := exec.NewRuntimeState(e.req.QueryID(), e.req.FragmentInstanceID(), opts, e.req.QueryGlobals())
	state.SetEnablePipelineEngine(true)
	state.SetBackendNumber(e.req.BackendNum())

	// Only the query's own mem limit bounds the tracker; the workgroup's
	// big-query threshold is a separate escalation parameter.
	wg := e.fragmentCtx.WorkGroup()
	var limit int64
	if opts != nil && opts.MemLimitBytes != nil && *opts.MemLimitBytes > 0 {
		limit = *opts.MemLimitBytes
	}
	e.queryCtx.InitMemTracker(limit, wg.MemTracker())
	if wg.UseBigQueryMemLimit() {
		e.queryCtx.SetBigQueryMemLimit(wg.BigQueryMemLimit())
	}
	if opts.SpillEnabled() && limit > 0 && opts.SpillMemLimitThreshold > 0 {
		e.queryCtx.SetSpillMemLimitBytes(int64(float64(limit) * opts.SpillMemLimitThreshold))
	}
	state.InitMemTrackers(e.queryCtx.MemTracker())

	descSpec := e.req.DescTbl()
	switch {
	case descSpec != nil && descSpec.IsCached != nil && *descSpec.IsCached:
		cached := e.queryCtx.CachedDescTable()
		if cached == nil {
			// The query claims a cached table that is gone, so the query
			// context was torn down while this delivery was in flight.
			return errors.Annotatef(query.ErrCancelled,
				"cached descriptor table of query %s is gone", e.req.QueryID())
		}
		state.SetDescTable(cached)
	case descSpec != nil:
		tbl, err := catalog.NewDescriptorTable(descSpec)
		if err != nil {
			return errors.Trace(err)
		}
		if descSpec.IsCached != nil {
			e.queryCtx.CacheDescTable(tbl)
		}
		state.SetDescTable(tbl)
	}

	e.fragmentCtx.SetChunkBuffer(e.queryCtx.PrepareChunkBuffer())
	e.fragmentCtx.SetRuntimeState(state)
	return nil
}

func (e *Executor) prepareGlobalDicts() error {
	frag := e.req.PlanFragment()
	if frag == nil {
		return nil
	}
	state := e.fragmentCtx.RuntimeState()
	if len(frag.QueryGlobalDicts) > 0 {
		if err := state.InitQueryGlobalDicts(frag.QueryGlobalDicts); err != nil {
			return errors.Trace(err)
		}
	}
	if len(frag.QueryGlobalDictExprs) > 0 {
		if err := state.InitQueryGlobalDictExprs(frag.QueryGlobalDictExprs); err != nil {
			return errors.Trace(err)
		}
	}
	if len(frag.LoadGlobalDicts) > 0 {
		if err := state.InitLoadGlobalDicts(frag.LoadGlobalDicts); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func cacheCoversNode(p *cache.Param, planNodeID int32) bool {
	if p.PlanNodeID == planNodeID {
		return true
	}
	_, ok := p.CachedPlanNodeIDs[planNodeID]
	return ok
}

func (e *Executor) prepareExecPlan() error {
	frag := e.req.PlanFragment()
	if frag == nil || len(frag.Plan) == 0 {
		return errors.Annotate(plan.ErrInvalidPlan, "request carries no plan")
	}
	state := e.fragmentCtx.RuntimeState()
	opts := state.Options()

	root, err := plan.BuildTree(state, frag.Plan, state.DescTable())
	if err != nil {
		return err
	}
	state.SetFragmentRootPlanID(root.ID())

	e.dop = e.env.Config().CalcPipelineDOP(e.req.PipelineDOP())
	e.sinkDOP = e.env.Config().CalcPipelineSinkDOP(e.req.PipelineSinkDOP())

	// Cache starts from the request's parameter and is knocked out by spill
	// or by a scan without lane-pinned ranges.
	enableCache := frag.CacheParam != nil && !opts.SpillEnabled()
	var cacheParam *cache.Param
	if frag.CacheParam != nil {
		p := cache.FromSpec(frag.CacheParam)
		p.NumLanes = cache.ClampNumLanes(e.env.Config().QueryCacheNumLanesPerDriver)
		cacheParam = &p
	}

	root.PushDownJoinRuntimeFilters(state, nil)
	if cacheParam != nil && len(cacheParam.ReverseSlotRemapping) > 0 && len(root.TupleIDs()) > 0 {
		t := root.TupleIDs()[0]
		mappings := make([]catalog.TupleSlotMapping, 0, len(cacheParam.ReverseSlotRemapping))
		for from, to := range cacheParam.ReverseSlotRemapping {
			mappings = append(mappings, catalog.TupleSlotMapping{
				FromTupleID: t, FromSlotID: from, ToTupleID: t, ToSlotID: to,
			})
		}
		root.PushDownTupleSlotMappings(state, mappings)
	}

	for _, n := range plan.CollectNodes(root, plan.KindExchange) {
		exch := n.(*plan.ExchangeNode)
		exch.SetNumSenders(int(e.req.ExchNumSendersOfNode(exch.ID())))
	}

	scanNodes := plan.CollectScanNodes(root)
	var logicalLimit, physicalLimit int64
	logicalUnknown := false
	chunkSize := int64(state.ChunkSize())

	for _, sn := range scanNodes {
		ranges := e.req.ScanRangesOfNode(sn.ID())
		perLane := e.req.PerDriverSeqScanRangesOfNode(sn.ID())

		mf, err := sn.ConvertScanRangesToMorselQueueFactory(
			ranges, perLane, e.dop,
			opts.EnableTabletInternalParallel, opts.TabletInternalParallelMode)
		if err != nil {
			return errors.Trace(err)
		}
		e.fragmentCtx.SetMorselQueueFactory(sn.ID(), mf)

		if len(perLane) == 0 {
			enableCache = false
		}
		// Shared scan conflicts with the per-tablet computation the result
		// cache requires; while the cache stays enabled, shared scan is off.
		sn.EnableSharedScan(e.req.EnableSharedScan() && !enableCache && mf.SharedScanSupported())

		if sn.Limit() > 0 {
			logicalLimit += sn.Limit()
			chunks := (sn.Limit() + chunkSize - 1) / chunkSize
			physicalLimit += chunks * chunkSize * int64(e.dop) * int64(sn.IOTasksPerScanOperator())
		} else {
			logicalUnknown = true
		}
	}
	if logicalUnknown {
		logicalLimit = -1
	}

	if enableCache && cacheParam != nil {
		for _, sn := range scanNodes {
			if !cacheCoversNode(cacheParam, sn.ID()) {
				continue
			}
			for _, laneRanges := range e.req.PerDriverSeqScanRangesOfNode(sn.ID()) {
				for _, r := range laneRanges {
					if r.Internal == nil {
						continue
					}
					region, ok := cacheParam.RegionMap[r.Internal.PartitionID]
					if !ok {
						// No region entry: this tablet is excluded from
						// caching, not an error.
						continue
					}
					cacheParam.CacheKeyPrefixes[r.Internal.TabletID] =
						cache.KeyPrefix(r.Internal.PartitionID, region, r.Internal.TabletID)
				}
			}
		}
	}

	if len(scanNodes) > 0 {
		wg := e.fragmentCtx.WorkGroup()
		if rowsCap := wg.BigQueryScanRowsLimit(); rowsCap > 0 {
			effective := rowsCap
			if logicalLimit > 0 && logicalLimit <= rowsCap && physicalLimit > rowsCap {
				effective = physicalLimit
			}
			e.queryCtx.SetScanLimit(effective)
		}
	}

	e.fragmentCtx.SetCacheParam(cacheParam)
	e.fragmentCtx.SetEnableCache(enableCache)
	e.fragmentCtx.SetPlanRoot(root)
	return nil
}

func (e *Executor) preparePipelineDrivers() error {
	state := e.fragmentCtx.RuntimeState()
	bctx := pipeline.NewBuilderContext(e.dop, e.sinkDOP, e.req.IsStreamPipeline())
	builder := pipeline.NewBuilder(bctx)

	rootOps, err := e.fragmentCtx.PlanRoot().Decompose(bctx, state)
	if err != nil {
		return err
	}

	if sinkSpec := e.req.OutputSink(); sinkSpec != nil {
		var rowDesc *catalog.RowDescriptor
		if tbl := state.DescTable(); tbl != nil && len(e.fragmentCtx.PlanRoot().TupleIDs()) > 0 {
			rowDesc, err = tbl.NewRowDescriptor(e.fragmentCtx.PlanRoot().TupleIDs())
			if err != nil {
				return errors.Trace(err)
			}
		}
		var outputExprs []string
		if frag := e.req.PlanFragment(); frag != nil {
			outputExprs = frag.OutputExprs
		}
		ds, err := sink.Create(&sink.CreateContext{
			State:       state,
			Spec:        sinkSpec,
			OutputExprs: outputExprs,
			SenderID:    e.req.SenderID(),
			RowDesc:     rowDesc,
		})
		if err != nil {
			return errors.Annotate(plan.ErrInvalidPlan, err.Error())
		}
		if ds.Kind().IsFinal() {
			e.queryCtx.TrySetFinalSink()
		}
		e.fragmentCtx.SetDataSink(ds)
		if err := ds.DecomposeToPipelines(bctx, state, rootOps); err != nil {
			return err
		}
		rootOps = nil
	}

	pipelines, err := builder.Build(rootOps)
	if err != nil {
		return err
	}
	e.fragmentCtx.SetPipelines(pipelines)

	for _, p := range pipelines {
		if err := p.Prepare(state); err != nil {
			return err
		}
	}

	// Morsel sources bind strictly before any driver exists, keyed by the
	// plan node id of the pipeline's first operator.
	for _, p := range pipelines {
		src := p.SourceOperatorFactory()
		if !src.WithMorsels() {
			continue
		}
		mf := e.fragmentCtx.MorselQueueFactory(src.PlanNodeID())
		if mf == nil {
			return errors.Errorf("no morsel queue factory for scan node %d", src.PlanNodeID())
		}
		src.SetMorselQueueFactory(mf)
	}

	// One token covers the fragment's total concurrency footprint, deferred
	// pipelines included. Rejection is terminal; parallelism is never
	// silently degraded.
	token, err := e.env.DriverLimiter().TryAcquire(e.fragmentCtx.TotalDOP())
	if err != nil {
		return err
	}
	e.fragmentCtx.SetDriverToken(token)

	e.groups = pipeline.GroupMap{}
	for _, p := range pipelines {
		src := p.SourceOperatorFactory()
		if !src.AdaptiveInitialActive() {
			leader := src.GroupLeader()
			e.groups[leader] = append(e.groups[leader], p)
			continue
		}
		if err := p.InstantiateDrivers(state); err != nil {
			return err
		}
	}
	pipeline.CreateGroupInitializeEvents(state, e.env.DriverExecutor(), e.groups)
	return nil
}

// prepareStreamLoadChannels registers one stream-load channel context per
// channel-bearing broker range of the unique request's per-lane assignments.
// Broker ranges without a channel id are ordinary file scans.
func (e *Executor) prepareStreamLoadChannels() error {
	mgr := e.env.StreamLoadMgr()
	for _, sn := range plan.CollectScanNodes(e.fragmentCtx.PlanRoot()) {
		for _, laneRanges := range e.req.PerDriverSeqScanRangesOfNode(sn.ID()) {
			for _, r := range laneRanges {
				if r.Broker == nil || r.Broker.ChannelID == nil {
					continue
				}
				ctx, err := mgr.CreateChannelContext(
					r.Broker.Label, *r.Broker.ChannelID, r.Broker.DBName, r.Broker.TableName,
					r.Broker.Format, r.Broker.LoadID, r.Broker.TxnID)
				if err != nil {
					return errors.Trace(err)
				}
				if err := mgr.PutChannelContext(ctx); err != nil {
					return errors.Trace(err)
				}
				e.fragmentCtx.AddStreamLoadContext(ctx)
			}
		}
	}
	return nil
}

// Execute prepares and submits the drivers of every initially-active
// pipeline. Deferred pipelines are untouched; their group-initialize event
// performs the same sequence when it fires. Any failure tears the whole
// fragment down.
func (e *Executor) Execute() error {
	if err := e.execute(); err != nil {
		e.failCleanup(err)
		return err
	}
	return nil
}

func (e *Executor) execute() error {
	state := e.fragmentCtx.RuntimeState()

	for _, p := range e.fragmentCtx.Pipelines() {
		if !p.SourceOperatorFactory().AdaptiveInitialActive() {
			continue
		}
		for _, d := range p.Drivers() {
			if err := d.Prepare(state); err != nil {
				return err
			}
		}
	}

	// A group whose dependencies are all finished already must still fire.
	for leader := range e.groups {
		if event := leader.GroupInitializeEvent(); event != nil {
			event.Finalize()
		}
	}

	executor := e.env.DriverExecutor()
	for _, p := range e.fragmentCtx.Pipelines() {
		if !p.SourceOperatorFactory().AdaptiveInitialActive() {
			continue
		}
		for _, d := range p.Drivers() {
			executor.Submit(d)
		}
	}
	return nil
}

// failCleanup rolls back whatever this delivery allocated. A duplicate
// invocation owns nothing except its own half-built fragment context; the
// original preparation's registration, countdown and query context are left
// alone.
func (e *Executor) failCleanup(cause error) {
	if e.queryCtx == nil {
		return
	}
	duplicate := Classify(cause) == KindDuplicateInvocation

	if e.registered && !duplicate {
		e.queryCtx.FragmentMgr().Unregister(e.req.FragmentInstanceID())
	}
	if e.fragmentCtx != nil {
		e.fragmentCtx.Destroy()
		e.fragmentCtx = nil
	}
	if duplicate {
		return
	}
	// The countdown runs exactly once per non-duplicate delivery, registered
	// or not, so the query context never waits on a phantom fragment.
	if !e.countedDown {
		e.countedDown = true
		if e.queryCtx.CountDownFragments() {
			e.env.QueryMgr().Unregister(e.req.QueryID())
		}
	}
	logutil.BgLogger().Warn("fragment preparation failed, rolled back",
		zap.String("query_id", e.req.QueryID().String()),
		zap.String("fragment_instance_id", e.req.FragmentInstanceID().String()),
		zap.String("kind", Classify(cause).String()),
		zap.Error(cause))
}
