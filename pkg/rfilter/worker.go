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

// Package rfilter tracks the runtime-filter coordination state a backend
// holds for queries whose filter merging it coordinates.
package rfilter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/util/logutil"
)

// ProberParam describes where a merged runtime filter must be probed.
type ProberParam struct {
	FilterID      int32
	MergeNodeAddr string
	DestNodeIDs   []int32
}

// Params is the runtime-filter payload of a fragment request.
type Params struct {
	// IDToProberParams maps filter id to its prober destinations. A query
	// carrying a non-empty map makes this backend the filter coordinator.
	IDToProberParams map[int32][]ProberParam
}

// Empty reports whether there is nothing to coordinate.
func (p *Params) Empty() bool {
	return p == nil || len(p.IDToProberParams) == 0
}

type queryState struct {
	params *Params
}

// Worker keeps per-query runtime-filter tracking state. OpenQuery is
// idempotent: every fragment instance of a coordinating query repeats it.
type Worker struct {
	mu   sync.Mutex
	open map[uid.UID]*queryState
}

// NewWorker creates an empty worker.
func NewWorker() *Worker {
	return &Worker{open: make(map[uid.UID]*queryState)}
}

// OpenQuery opens tracking state for queryID. Repeated calls keep the first
// registration.
func (w *Worker) OpenQuery(queryID uid.UID, params *Params) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.open[queryID]; ok {
		return
	}
	w.open[queryID] = &queryState{params: params}
	logutil.BgLogger().Debug("opened runtime filter tracking",
		zap.String("query_id", queryID.String()),
		zap.Int("filters", len(params.IDToProberParams)))
}

// IsOpen reports whether tracking state exists for queryID.
func (w *Worker) IsOpen(queryID uid.UID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.open[queryID]
	return ok
}

// CloseQuery drops the tracking state of a finished query.
func (w *Worker) CloseQuery(queryID uid.UID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.open, queryID)
}
