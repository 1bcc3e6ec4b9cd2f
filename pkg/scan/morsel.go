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

package scan

import (
	"github.com/pingcap/errors"
	atomicutil "go.uber.org/atomic"

	"github.com/keeldb/keel/pkg/uid"
)

// TabletInternalParallelMode controls how a single tablet's rows may be split
// across parallel lanes.
type TabletInternalParallelMode int32

// TabletInternalParallelMode values.
const (
	TabletInternalParallelAuto TabletInternalParallelMode = iota
	TabletInternalParallelForceSplit
)

// InternalRange is a local-storage scan range: one tablet version of one
// partition.
type InternalRange struct {
	TabletID    int64
	PartitionID int64
	Version     int64
	NumRows     int64
}

// BrokerRange is an external (stream/batch load) scan range. ChannelID is set
// only for stream-load channel ranges.
type BrokerRange struct {
	ChannelID *int32
	Label     string
	DBName    string
	TableName string
	Format    string
	LoadID    uid.UID
	TxnID     int64
}

// Range is one unit of scan work assignment, carrying exactly one concrete
// range payload.
type Range struct {
	Internal *InternalRange
	Broker   *BrokerRange
}

// Morsel is the schedulable unit of scan work handed to a scan driver.
type Morsel struct {
	ScanNodeID int32
	Range      Range
}

// MorselQueue yields morsels to the drivers of one scan pipeline.
type MorselQueue interface {
	// TryGet returns the next morsel, or false when the queue is drained.
	TryGet() (*Morsel, bool)
	// Size returns the total number of morsels the queue was built with.
	Size() int
}

// MorselQueueFactory builds the morsel queue(s) for one scan node. A shared
// factory hands every driver the same dynamically balanced queue; a per-lane
// factory pins each driver sequence to its own queue.
type MorselQueueFactory interface {
	// Create returns the queue for the given driver sequence.
	Create(driverSeq int) MorselQueue
	// Size returns the total morsel count across all lanes.
	Size() int
	// SharedScanSupported reports whether drivers may steal work from each
	// other through this factory.
	SharedScanSupported() bool
}

type sliceMorselQueue struct {
	morsels []*Morsel
	next    atomicutil.Int64
}

func (q *sliceMorselQueue) TryGet() (*Morsel, bool) {
	idx := q.next.Inc() - 1
	if idx >= int64(len(q.morsels)) {
		return nil, false
	}
	return q.morsels[idx], true
}

func (q *sliceMorselQueue) Size() int {
	return len(q.morsels)
}

func newSliceMorselQueue(nodeID int32, ranges []Range) *sliceMorselQueue {
	morsels := make([]*Morsel, 0, len(ranges))
	for _, r := range ranges {
		morsels = append(morsels, &Morsel{ScanNodeID: nodeID, Range: r})
	}
	return &sliceMorselQueue{morsels: morsels}
}

// sharedMorselQueueFactory hands all driver lanes one common queue.
type sharedMorselQueueFactory struct {
	queue *sliceMorselQueue
}

func (f *sharedMorselQueueFactory) Create(int) MorselQueue { return f.queue }
func (f *sharedMorselQueueFactory) Size() int              { return f.queue.Size() }
func (f *sharedMorselQueueFactory) SharedScanSupported() bool {
	return true
}

// perLaneMorselQueueFactory pins each driver sequence to its own queue, which
// is required for per-tablet computations such as result caching.
type perLaneMorselQueueFactory struct {
	queues map[int]*sliceMorselQueue
	size   int
}

func (f *perLaneMorselQueueFactory) Create(driverSeq int) MorselQueue {
	if q, ok := f.queues[driverSeq]; ok {
		return q
	}
	return &sliceMorselQueue{}
}

func (f *perLaneMorselQueueFactory) Size() int                 { return f.size }
func (f *perLaneMorselQueueFactory) SharedScanSupported() bool { return false }

// NewMorselQueueFactory converts raw scan ranges into a morsel queue factory.
// When perLaneRanges is non-empty the assignment is pinned per driver lane;
// otherwise all lanes share one queue. Tablet-internal parallelism does not
// refine the assignment here: every range stays a single morsel in both
// modes, and the shared queue's work stealing supplies the lane balancing.
// dop must be positive.
func NewMorselQueueFactory(
	ranges []Range,
	perLaneRanges map[int32][]Range,
	nodeID int32,
	dop int,
	tabletInternalParallel bool,
	mode TabletInternalParallelMode,
) (MorselQueueFactory, error) {
	if dop <= 0 {
		return nil, errors.Errorf("invalid degree of parallelism %d for scan node %d", dop, nodeID)
	}
	if len(perLaneRanges) > 0 {
		queues := make(map[int]*sliceMorselQueue, len(perLaneRanges))
		size := 0
		for seq, laneRanges := range perLaneRanges {
			if int(seq) < 0 || int(seq) >= dop {
				return nil, errors.Errorf("driver sequence %d out of range for dop %d at scan node %d", seq, dop, nodeID)
			}
			q := newSliceMorselQueue(nodeID, laneRanges)
			queues[int(seq)] = q
			size += q.Size()
		}
		return &perLaneMorselQueueFactory{queues: queues, size: size}, nil
	}
	return &sharedMorselQueueFactory{queue: newSliceMorselQueue(nodeID, ranges)}, nil
}
