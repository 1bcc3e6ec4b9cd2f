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

package query

import (
	"sync"

	"github.com/keeldb/keel/pkg/util/memory"
)

// PassThroughChunkBuffer short-circuits exchanges between fragments of the
// same query co-located on one backend: the sender appends serialized chunks
// here instead of going through the network stack. One buffer per query,
// shared by all local fragment instances and refcounted by them.
type PassThroughChunkBuffer struct {
	mu         sync.Mutex
	refs       int
	chunks     map[int32][][]byte // keyed by sender id
	memTracker *memory.Tracker
	bytes      int64
}

// NewPassThroughChunkBuffer creates an empty buffer attributing its memory to
// memTracker, which may be nil.
func NewPassThroughChunkBuffer(memTracker *memory.Tracker) *PassThroughChunkBuffer {
	return &PassThroughChunkBuffer{
		chunks:     make(map[int32][][]byte),
		memTracker: memTracker,
	}
}

// Ref takes one fragment reference.
func (b *PassThroughChunkBuffer) Ref() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
}

// Unref drops one fragment reference, emptying the buffer when the last one
// goes, and reports whether the buffer is now dead.
func (b *PassThroughChunkBuffer) Unref() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs--
	if b.refs > 0 {
		return false
	}
	if b.memTracker != nil && b.bytes > 0 {
		b.memTracker.Consume(-b.bytes)
	}
	b.bytes = 0
	b.chunks = make(map[int32][][]byte)
	return true
}

// Append stores one serialized chunk from senderID.
func (b *PassThroughChunkBuffer) Append(senderID int32, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks[senderID] = append(b.chunks[senderID], chunk)
	b.bytes += int64(len(chunk))
	if b.memTracker != nil {
		b.memTracker.Consume(int64(len(chunk)))
	}
}

// Pull removes and returns everything buffered for senderID.
func (b *PassThroughChunkBuffer) Pull(senderID int32) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunks := b.chunks[senderID]
	delete(b.chunks, senderID)
	var released int64
	for _, c := range chunks {
		released += int64(len(c))
	}
	b.bytes -= released
	if b.memTracker != nil && released > 0 {
		b.memTracker.Consume(-released)
	}
	return chunks
}

// BufferedBytes returns the bytes currently held.
func (b *PassThroughChunkBuffer) BufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
