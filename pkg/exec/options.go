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

package exec

import (
	"github.com/keeldb/keel/pkg/scan"
)

// QueryOptions are the per-query execution options shipped by the
// coordinator. Pointer fields distinguish "unset" from an explicit zero.
type QueryOptions struct {
	// QueryTimeoutSec bounds the query's total lifetime.
	QueryTimeoutSec *int32
	// QueryDeliveryTimeoutSec bounds the window in which all fragment
	// instances of the query must be delivered to their backends.
	QueryDeliveryTimeoutSec *int32
	// MemLimitBytes is the per-query memory limit. nil or <= 0 means no limit.
	MemLimitBytes *int64
	// EnableSpill turns on operator spilling; it also disables the query
	// result cache.
	EnableSpill bool
	// SpillMemLimitThreshold is the fraction of the query memory limit
	// reserved as spill budget when spill is enabled.
	SpillMemLimitThreshold float64
	// EnableTabletInternalParallel allows splitting a tablet across lanes.
	EnableTabletInternalParallel bool
	// TabletInternalParallelMode selects the split strategy.
	TabletInternalParallelMode scan.TabletInternalParallelMode
	// ChunkSize overrides the configured row batch size when positive.
	ChunkSize int32
	// EnableGroupLevelQueryQueue admits the query through its workgroup's
	// own queue rather than the global one.
	EnableGroupLevelQueryQueue bool
	// EnableProfile turns on runtime profiling for the query.
	EnableProfile bool
}

// SpillEnabled reports whether spill is on.
func (o *QueryOptions) SpillEnabled() bool {
	return o != nil && o.EnableSpill
}

// QueryGlobals are coordinator-computed constants shared by all fragments of
// one query.
type QueryGlobals struct {
	NowString   string
	TimestampMS int64
	TimeZone    string
	LastQueryID string
}
