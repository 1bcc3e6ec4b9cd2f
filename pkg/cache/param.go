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

// Package cache holds the per-fragment query-result-cache parameters: which
// plan subtree may be served from the per-tablet result cache and under which
// keys.
package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/keeldb/keel/pkg/catalog"
)

// MaxNumLanes bounds the per-driver cache lane count.
const MaxNumLanes = 16

// ParamSpec is the cache parameter payload shipped with a fragment request.
type ParamSpec struct {
	PlanNodeID         int32
	Digest             []byte
	ForcePopulate      bool
	EntryMaxBytes      int64
	EntryMaxRows       int64
	SlotRemapping      map[catalog.SlotID]catalog.SlotID
	CanUseMultiversion bool
	KeysType           string
	CachedPlanNodeIDs  []int32
	// RegionMap maps partition id to its region descriptor string.
	RegionMap map[int64]string
}

// Param is the resolved per-fragment cache descriptor.
type Param struct {
	PlanNodeID           int32
	Digest               []byte
	ForcePopulate        bool
	EntryMaxBytes        int64
	EntryMaxRows         int64
	SlotRemapping        map[catalog.SlotID]catalog.SlotID
	ReverseSlotRemapping map[catalog.SlotID]catalog.SlotID
	CanUseMultiversion   bool
	KeysType             string
	CachedPlanNodeIDs    map[int32]struct{}
	RegionMap            map[int64]string
	// CacheKeyPrefixes maps tablet id to the opaque per-tablet key prefix.
	CacheKeyPrefixes map[int64][]byte
	// NumLanes is the per-driver lane count, clamped to [1, MaxNumLanes].
	NumLanes int
}

// FromSpec resolves a request's cache parameter payload.
func FromSpec(spec *ParamSpec) Param {
	p := Param{
		PlanNodeID:           spec.PlanNodeID,
		Digest:               spec.Digest,
		ForcePopulate:        spec.ForcePopulate,
		EntryMaxBytes:        spec.EntryMaxBytes,
		EntryMaxRows:         spec.EntryMaxRows,
		SlotRemapping:        make(map[catalog.SlotID]catalog.SlotID, len(spec.SlotRemapping)),
		ReverseSlotRemapping: make(map[catalog.SlotID]catalog.SlotID, len(spec.SlotRemapping)),
		CanUseMultiversion:   spec.CanUseMultiversion,
		KeysType:             spec.KeysType,
		CachedPlanNodeIDs:    make(map[int32]struct{}, len(spec.CachedPlanNodeIDs)),
		RegionMap:            spec.RegionMap,
		CacheKeyPrefixes:     make(map[int64][]byte),
	}
	for slot, remapped := range spec.SlotRemapping {
		p.SlotRemapping[slot] = remapped
		p.ReverseSlotRemapping[remapped] = slot
	}
	for _, id := range spec.CachedPlanNodeIDs {
		p.CachedPlanNodeIDs[id] = struct{}{}
	}
	return p
}

// ClampNumLanes bounds a configured lane count to [1, MaxNumLanes].
func ClampNumLanes(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxNumLanes {
		return MaxNumLanes
	}
	return n
}

// KeyPrefix derives the opaque per-tablet cache key prefix: raw bytes of
// partition id + region descriptor + tablet id. Combined with the fragment
// digest it forms the eventual cache key.
func KeyPrefix(partitionID int64, region string, tabletID int64) []byte {
	prefix := make([]byte, 0, 8+len(region)+8)
	prefix = binary.LittleEndian.AppendUint64(prefix, uint64(partitionID))
	prefix = append(prefix, region...)
	prefix = binary.LittleEndian.AppendUint64(prefix, uint64(tabletID))
	return prefix
}

// DigestOf computes the content digest of a serialized plan subtree.
func DigestOf(data []byte) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], xxhash.Sum64(data))
	return out[:]
}
