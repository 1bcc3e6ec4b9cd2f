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

package workgroup

import (
	"fmt"

	"github.com/keeldb/keel/pkg/util/memory"
)

// Reserved workgroup ids.
const (
	// DefaultID maps to the shared default workgroup.
	DefaultID int64 = 0
	// DefaultMVID maps to the materialized-view maintenance workgroup.
	DefaultMVID int64 = 1
)

// Spec is the workgroup descriptor carried by a fragment request.
type Spec struct {
	ID   int64
	Name string
	// MemLimitBytes caps the group's total memory. <= 0 means no limit.
	MemLimitBytes int64
	// BigQueryMemLimitBytes, when positive, escalates a query's memory limit
	// once it is classified as a big query.
	BigQueryMemLimitBytes int64
	// BigQueryScanRowsLimit, when positive, caps the rows a query in this
	// group may scan.
	BigQueryScanRowsLimit int64
	// ConcurrencyLimit caps concurrent queries in the group. <= 0 means no limit.
	ConcurrencyLimit int32
}

// WorkGroup is an admission/resource-quota group shared by every query bound
// to it. Its memory tracker is the parent of each bound query's tracker.
type WorkGroup struct {
	spec       Spec
	memTracker *memory.Tracker
}

func newWorkGroup(spec Spec, parent *memory.Tracker) *WorkGroup {
	wg := &WorkGroup{
		spec:       spec,
		memTracker: memory.NewTracker(fmt.Sprintf("workgroup/%s", spec.Name), spec.MemLimitBytes),
	}
	if parent != nil {
		wg.memTracker.AttachTo(parent)
	}
	return wg
}

// ID returns the workgroup id.
func (wg *WorkGroup) ID() int64 { return wg.spec.ID }

// Name returns the workgroup name.
func (wg *WorkGroup) Name() string { return wg.spec.Name }

// MemTracker returns the group-scoped memory tracker.
func (wg *WorkGroup) MemTracker() *memory.Tracker { return wg.memTracker }

// UseBigQueryMemLimit reports whether the group escalates big queries to a
// dedicated memory limit.
func (wg *WorkGroup) UseBigQueryMemLimit() bool {
	return wg.spec.BigQueryMemLimitBytes > 0
}

// BigQueryMemLimit returns the big-query memory limit in bytes.
func (wg *WorkGroup) BigQueryMemLimit() int64 {
	return wg.spec.BigQueryMemLimitBytes
}

// BigQueryScanRowsLimit returns the scan-row cap for big queries, 0 when the
// group defines none.
func (wg *WorkGroup) BigQueryScanRowsLimit() int64 {
	return wg.spec.BigQueryScanRowsLimit
}
