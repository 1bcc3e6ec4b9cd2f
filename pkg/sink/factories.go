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

package sink

import (
	"github.com/pingcap/errors"

	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
)

func lastPlanNodeID(ops []pipeline.OperatorFactory) int32 {
	if len(ops) == 0 {
		return -1
	}
	return ops[len(ops)-1].PlanNodeID()
}

// inlineSink terminates the fragment's root chain in place: the sink operator
// joins the upstream pipeline without changing its fan-out.
type inlineSink struct {
	name string
	kind Kind
}

func (s *inlineSink) Name() string { return s.name }
func (s *inlineSink) Kind() Kind   { return s.kind }

func (s *inlineSink) DecomposeToPipelines(ctx *pipeline.BuilderContext, _ *exec.RuntimeState, upstreamOps []pipeline.OperatorFactory) error {
	if len(upstreamOps) == 0 {
		return errors.Errorf("%s has no upstream operators", s.name)
	}
	ops := append(upstreamOps, pipeline.NewSimpleFactory(s.name, lastPlanNodeID(upstreamOps)))
	_, err := ctx.AddPipeline(ops)
	return errors.Trace(err)
}

// fanOutSink re-shuffles the root chain into a dedicated sink pipeline whose
// lane count is the sink DOP, independent from the scan-side DOP.
type fanOutSink struct {
	name string
	kind Kind
}

func (s *fanOutSink) Name() string { return s.name }
func (s *fanOutSink) Kind() Kind   { return s.kind }

func (s *fanOutSink) DecomposeToPipelines(ctx *pipeline.BuilderContext, _ *exec.RuntimeState, upstreamOps []pipeline.OperatorFactory) error {
	if len(upstreamOps) == 0 {
		return errors.Errorf("%s has no upstream operators", s.name)
	}
	nodeID := lastPlanNodeID(upstreamOps)
	sealed := append(upstreamOps, pipeline.NewSimpleFactory("local_exchange_sink", nodeID))
	if _, err := ctx.AddPipeline(sealed); err != nil {
		return errors.Trace(err)
	}
	sinkOps := []pipeline.OperatorFactory{
		pipeline.NewSourceFactory("local_exchange_source", nodeID, ctx.SinkDegreeOfParallelism(), false),
		pipeline.NewSimpleFactory(s.name, nodeID),
	}
	_, err := ctx.AddPipeline(sinkOps)
	return errors.Trace(err)
}

// multiCastSink fans the root chain out to several downstream data streams,
// one sink pipeline per target.
type multiCastSink struct {
	targets []Spec
}

func (s *multiCastSink) Name() string { return "multi_cast_data_stream_sink" }
func (s *multiCastSink) Kind() Kind   { return KindMultiCastDataStream }

func (s *multiCastSink) DecomposeToPipelines(ctx *pipeline.BuilderContext, _ *exec.RuntimeState, upstreamOps []pipeline.OperatorFactory) error {
	if len(upstreamOps) == 0 {
		return errors.New("multi-cast sink has no upstream operators")
	}
	nodeID := lastPlanNodeID(upstreamOps)
	sealed := append(upstreamOps, pipeline.NewSimpleFactory("multi_cast_local_exchange_sink", nodeID))
	if _, err := ctx.AddPipeline(sealed); err != nil {
		return errors.Trace(err)
	}
	for _, target := range s.targets {
		ops := []pipeline.OperatorFactory{
			pipeline.NewSourceFactory("multi_cast_local_exchange_source", target.DestPlanNodeID, ctx.SinkDegreeOfParallelism(), false),
			pipeline.NewSimpleFactory("data_stream_sink", target.DestPlanNodeID),
		}
		if _, err := ctx.AddPipeline(ops); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func registerInline(kind Kind, name string) {
	RegisterFactory(kind, func(*CreateContext) (DataSink, error) {
		return &inlineSink{name: name, kind: kind}, nil
	})
}

func registerFanOut(kind Kind, name string) {
	RegisterFactory(kind, func(cc *CreateContext) (DataSink, error) {
		if kind != KindDataStream && cc.Spec.TableID <= 0 {
			return nil, errors.Errorf("%s requires a target table", name)
		}
		return &fanOutSink{name: name, kind: kind}, nil
	})
}

func init() {
	registerInline(KindResult, "result_sink")
	registerInline(KindMemoryScratch, "memory_scratch_sink")
	registerInline(KindExport, "export_sink")
	registerInline(KindBlackhole, "blackhole_table_sink")
	registerInline(KindDictionaryCache, "dictionary_cache_sink")

	RegisterFactory(KindDataStream, func(*CreateContext) (DataSink, error) {
		return &fanOutSink{name: "data_stream_sink", kind: KindDataStream}, nil
	})
	registerFanOut(KindOlapTable, "olap_table_sink")
	registerFanOut(KindIcebergTable, "iceberg_table_sink")
	registerFanOut(KindHiveTable, "hive_table_sink")
	registerFanOut(KindMysqlTable, "mysql_table_sink")
	registerFanOut(KindTableFunctionTable, "table_function_table_sink")

	RegisterFactory(KindMultiCastDataStream, func(cc *CreateContext) (DataSink, error) {
		if len(cc.Spec.Targets) == 0 {
			return nil, errors.New("multi-cast sink has no targets")
		}
		return &multiCastSink{targets: cc.Spec.Targets}, nil
	})
}
