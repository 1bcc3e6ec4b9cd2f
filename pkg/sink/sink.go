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

	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
)

// Kind is the closed enumeration of data sink kinds.
type Kind int32

// Sink kinds.
const (
	KindResult Kind = iota
	KindDataStream
	KindMultiCastDataStream
	KindOlapTable
	KindMemoryScratch
	KindIcebergTable
	KindHiveTable
	KindMysqlTable
	KindTableFunctionTable
	KindExport
	KindBlackhole
	KindDictionaryCache
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "RESULT_SINK"
	case KindDataStream:
		return "DATA_STREAM_SINK"
	case KindMultiCastDataStream:
		return "MULTI_CAST_DATA_STREAM_SINK"
	case KindOlapTable:
		return "OLAP_TABLE_SINK"
	case KindMemoryScratch:
		return "MEMORY_SCRATCH_SINK"
	case KindIcebergTable:
		return "ICEBERG_TABLE_SINK"
	case KindHiveTable:
		return "HIVE_TABLE_SINK"
	case KindMysqlTable:
		return "MYSQL_TABLE_SINK"
	case KindTableFunctionTable:
		return "TABLE_FUNCTION_TABLE_SINK"
	case KindExport:
		return "EXPORT_SINK"
	case KindBlackhole:
		return "BLACKHOLE_TABLE_SINK"
	case KindDictionaryCache:
		return "DICTIONARY_CACHE_SINK"
	default:
		return "UNKNOWN_SINK"
	}
}

// IsFinal reports whether the sink is the terminal consumer of the whole
// query, which flips the owning query context's final-sink flag.
func (k Kind) IsFinal() bool {
	switch k {
	case KindResult, KindOlapTable, KindMemoryScratch, KindIcebergTable,
		KindHiveTable, KindExport, KindBlackhole, KindDictionaryCache:
		return true
	default:
		return false
	}
}

// Spec is the output sink descriptor carried by a fragment request.
type Spec struct {
	Kind Kind
	// DestPlanNodeID is the receiving exchange node for data stream sinks.
	DestPlanNodeID int32
	// TableID is the target table for table sinks.
	TableID int64
	// Label tags load sinks.
	Label string
	// Targets are the per-destination specs of a multi-cast sink.
	Targets []Spec
}

// CreateContext bundles everything a sink constructor may need.
type CreateContext struct {
	State       *exec.RuntimeState
	Spec        *Spec
	OutputExprs []string
	SenderID    int32
	RowDesc     *catalog.RowDescriptor
}

// DataSink consumes the fragment's root operator chain. After construction it
// decomposes itself into one or more pipeline stages appended to the builder.
type DataSink interface {
	Name() string
	Kind() Kind
	// DecomposeToPipelines consumes upstreamOps, sealing them (and any extra
	// fan-out stages) into the builder context.
	DecomposeToPipelines(ctx *pipeline.BuilderContext, state *exec.RuntimeState, upstreamOps []pipeline.OperatorFactory) error
}

// FactoryFn constructs a concrete sink from its descriptor.
type FactoryFn func(cc *CreateContext) (DataSink, error)

var factories = map[Kind]FactoryFn{}

// RegisterFactory installs the constructor for one sink kind. Registering a
// kind twice panics; the table is assembled at init time.
func RegisterFactory(kind Kind, fn FactoryFn) {
	if _, ok := factories[kind]; ok {
		panic("sink factory registered twice for " + kind.String())
	}
	factories[kind] = fn
}

// Create dispatches to the registered constructor for the descriptor's kind.
func Create(cc *CreateContext) (DataSink, error) {
	if cc.Spec == nil {
		return nil, errors.New("sink spec is missing")
	}
	fn, ok := factories[cc.Spec.Kind]
	if !ok {
		return nil, errors.Errorf("unsupported sink kind %s", cc.Spec.Kind)
	}
	sink, err := fn(cc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return sink, nil
}
