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
	"fmt"

	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/config"
	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/util/logutil"
	"github.com/keeldb/keel/pkg/util/memory"
)

// RuntimeState is the per-fragment-instance runtime view: identity, options,
// descriptor table, memory trackers and dictionaries. It is constructed once
// during preparation and then read by operators and drivers.
type RuntimeState struct {
	queryID            uid.UID
	fragmentInstanceID uid.UID

	options *QueryOptions
	globals *QueryGlobals

	chunkSize int32
	beNumber  int32

	enablePipelineEngine bool
	fragmentRootPlanID   int32

	descTbl *catalog.DescriptorTable

	queryMemTracker    *memory.Tracker
	instanceMemTracker *memory.Tracker

	queryGlobalDicts     map[catalog.SlotID]*GlobalDict
	queryGlobalDictExprs map[catalog.SlotID]string
	loadGlobalDicts      map[catalog.SlotID]*GlobalDict

	logger *zap.Logger
}

// NewRuntimeState creates a runtime state bound to one fragment instance.
func NewRuntimeState(queryID, instanceID uid.UID, options *QueryOptions, globals *QueryGlobals) *RuntimeState {
	chunkSize := int32(config.DefaultChunkSize)
	if options != nil && options.ChunkSize > 0 {
		chunkSize = options.ChunkSize
	}
	return &RuntimeState{
		queryID:            queryID,
		fragmentInstanceID: instanceID,
		options:            options,
		globals:            globals,
		chunkSize:          chunkSize,
		logger: logutil.BgLogger().With(
			zap.String("query_id", queryID.String()),
			zap.String("fragment_instance_id", instanceID.String())),
	}
}

// QueryID returns the owning query id.
func (s *RuntimeState) QueryID() uid.UID { return s.queryID }

// FragmentInstanceID returns this instance's id.
func (s *RuntimeState) FragmentInstanceID() uid.UID { return s.fragmentInstanceID }

// Options returns the query options, never nil.
func (s *RuntimeState) Options() *QueryOptions {
	if s.options == nil {
		return &QueryOptions{}
	}
	return s.options
}

// Globals returns the query globals, possibly nil.
func (s *RuntimeState) Globals() *QueryGlobals { return s.globals }

// ChunkSize returns the effective row batch size.
func (s *RuntimeState) ChunkSize() int32 { return s.chunkSize }

// SpillEnabled reports whether operator spilling is on for this query.
func (s *RuntimeState) SpillEnabled() bool { return s.Options().SpillEnabled() }

// SetEnablePipelineEngine marks the state as driven by the pipeline engine.
func (s *RuntimeState) SetEnablePipelineEngine(v bool) { s.enablePipelineEngine = v }

// PipelineEngineEnabled reports whether the pipeline engine drives execution.
func (s *RuntimeState) PipelineEngineEnabled() bool { return s.enablePipelineEngine }

// SetBackendNumber records the coordinator-assigned backend sequence number.
func (s *RuntimeState) SetBackendNumber(n int32) { s.beNumber = n }

// BackendNumber returns the backend sequence number.
func (s *RuntimeState) BackendNumber() int32 { return s.beNumber }

// SetFragmentRootPlanID records the plan node id of the fragment's root.
func (s *RuntimeState) SetFragmentRootPlanID(id int32) { s.fragmentRootPlanID = id }

// FragmentRootPlanID returns the plan node id of the fragment's root.
func (s *RuntimeState) FragmentRootPlanID() int32 { return s.fragmentRootPlanID }

// SetDescTable binds the descriptor table view.
func (s *RuntimeState) SetDescTable(t *catalog.DescriptorTable) { s.descTbl = t }

// DescTable returns the descriptor table view.
func (s *RuntimeState) DescTable() *catalog.DescriptorTable { return s.descTbl }

// InitMemTrackers creates the instance tracker as a child of the query
// tracker. Instance consumption is attributed to the query, its workgroup and
// the process.
func (s *RuntimeState) InitMemTrackers(queryTracker *memory.Tracker) {
	s.queryMemTracker = queryTracker
	s.instanceMemTracker = memory.NewTracker(
		fmt.Sprintf("instance/%s", s.fragmentInstanceID), 0)
	if queryTracker != nil {
		s.instanceMemTracker.AttachTo(queryTracker)
	}
}

// QueryMemTracker returns the query-level tracker.
func (s *RuntimeState) QueryMemTracker() *memory.Tracker { return s.queryMemTracker }

// InstanceMemTracker returns the instance-level tracker.
func (s *RuntimeState) InstanceMemTracker() *memory.Tracker { return s.instanceMemTracker }

// Logger returns a logger annotated with the query and instance ids.
func (s *RuntimeState) Logger() *zap.Logger { return s.logger }
