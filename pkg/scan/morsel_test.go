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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func internalRanges(tabletIDs ...int64) []Range {
	ranges := make([]Range, 0, len(tabletIDs))
	for _, id := range tabletIDs {
		ranges = append(ranges, Range{Internal: &InternalRange{TabletID: id, PartitionID: 1, Version: 2}})
	}
	return ranges
}

func TestSharedFactoryHandsAllLanesOneQueue(t *testing.T) {
	f, err := NewMorselQueueFactory(internalRanges(1, 2, 3), nil, 5, 2, false, TabletInternalParallelAuto)
	require.NoError(t, err)
	require.True(t, f.SharedScanSupported())
	require.Equal(t, 3, f.Size())

	q0 := f.Create(0)
	q1 := f.Create(1)
	require.Equal(t, q0, q1)

	seen := map[int64]bool{}
	for {
		m, ok := q0.TryGet()
		if !ok {
			break
		}
		require.Equal(t, int32(5), m.ScanNodeID)
		seen[m.Range.Internal.TabletID] = true
	}
	require.Len(t, seen, 3)
	// Drained for every lane, since the queue is shared.
	_, ok := q1.TryGet()
	require.False(t, ok)
}

func TestPerLaneFactoryPinsAssignments(t *testing.T) {
	perLane := map[int32][]Range{
		0: internalRanges(10, 11),
		1: internalRanges(20),
	}
	f, err := NewMorselQueueFactory(nil, perLane, 5, 2, false, TabletInternalParallelAuto)
	require.NoError(t, err)
	require.False(t, f.SharedScanSupported())
	require.Equal(t, 3, f.Size())

	q0 := f.Create(0)
	require.Equal(t, 2, q0.Size())
	m, ok := q0.TryGet()
	require.True(t, ok)
	require.Equal(t, int64(10), m.Range.Internal.TabletID)

	q1 := f.Create(1)
	require.Equal(t, 1, q1.Size())

	// A lane with no assignment gets an empty queue, not a nil one.
	q2 := f.Create(7)
	require.Equal(t, 0, q2.Size())
	_, ok = q2.TryGet()
	require.False(t, ok)
}

func TestPerLaneFactoryValidatesSequences(t *testing.T) {
	perLane := map[int32][]Range{3: internalRanges(10)}
	_, err := NewMorselQueueFactory(nil, perLane, 5, 2, false, TabletInternalParallelAuto)
	require.Error(t, err)
	require.Contains(t, err.Error(), "driver sequence 3 out of range")
}

func TestTabletInternalParallelKeepsOneMorselPerRange(t *testing.T) {
	f, err := NewMorselQueueFactory(internalRanges(1, 2), nil, 5, 4, true, TabletInternalParallelForceSplit)
	require.NoError(t, err)
	require.True(t, f.SharedScanSupported())
	require.Equal(t, 2, f.Size())

	perLane := map[int32][]Range{0: internalRanges(10), 1: internalRanges(20, 21)}
	f, err = NewMorselQueueFactory(nil, perLane, 5, 2, true, TabletInternalParallelForceSplit)
	require.NoError(t, err)
	require.Equal(t, 3, f.Size())
	require.Equal(t, 1, f.Create(0).Size())
	require.Equal(t, 2, f.Create(1).Size())
}

func TestInvalidDegreeOfParallelism(t *testing.T) {
	_, err := NewMorselQueueFactory(internalRanges(1), nil, 5, 0, false, TabletInternalParallelAuto)
	require.Error(t, err)
}

func TestSharedQueueConcurrentDrainYieldsEachMorselOnce(t *testing.T) {
	const numMorsels = 64
	tabletIDs := make([]int64, numMorsels)
	for i := range tabletIDs {
		tabletIDs[i] = int64(i + 1)
	}
	f, err := NewMorselQueueFactory(internalRanges(tabletIDs...), nil, 5, 4, false, TabletInternalParallelAuto)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]int{}
	for lane := 0; lane < 4; lane++ {
		q := f.Create(lane)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok := q.TryGet()
				if !ok {
					return
				}
				mu.Lock()
				seen[m.Range.Internal.TabletID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, numMorsels)
	for tabletID, count := range seen {
		require.Equal(t, 1, count, "tablet %d", tabletID)
	}
}
