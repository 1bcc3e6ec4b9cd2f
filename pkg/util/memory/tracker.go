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

package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// ErrMemoryExceeded is the cause of every limit-check failure raised by a
// Tracker. Callers classify it as a resource-exhausted condition.
var ErrMemoryExceeded = errors.New("memory limit exceeded")

// Tracker tracks memory consumption of one level of the execution hierarchy
// (process -> query pool -> query -> fragment instance). Consumption reported
// to a tracker is attributed to every ancestor, so a limit can be enforced at
// any level.
//
// Consume, BytesConsumed and AttachTo are safe for concurrent use; the rest of
// the tree operations are not.
type Tracker struct {
	mu struct {
		sync.Mutex
		children []*Tracker
	}
	parent atomic.Pointer[Tracker]

	label         string
	bytesConsumed int64
	bytesLimit    int64 // <= 0 means no limit.
	maxConsumed   int64
}

// NewTracker creates a memory tracker. bytesLimit <= 0 means no limit.
func NewTracker(label string, bytesLimit int64) *Tracker {
	return &Tracker{label: label, bytesLimit: bytesLimit}
}

// Label returns the tracker's label.
func (t *Tracker) Label() string {
	return t.label
}

// SetLimit updates the byte limit. bytesLimit <= 0 means no limit.
func (t *Tracker) SetLimit(bytesLimit int64) {
	atomic.StoreInt64(&t.bytesLimit, bytesLimit)
}

// Limit returns the byte limit.
func (t *Tracker) Limit() int64 {
	return atomic.LoadInt64(&t.bytesLimit)
}

// AttachTo attaches t as a child of parent. If t already has a parent, it is
// detached first. t's current consumption is propagated to the new ancestors.
func (t *Tracker) AttachTo(parent *Tracker) {
	if old := t.parent.Load(); old != nil {
		old.remove(t)
	}
	parent.mu.Lock()
	parent.mu.children = append(parent.mu.children, t)
	parent.mu.Unlock()
	t.parent.Store(parent)
	parent.Consume(t.BytesConsumed())
}

// Detach removes t from its parent, deducting t's consumption from the old
// ancestor chain.
func (t *Tracker) Detach() {
	parent := t.parent.Load()
	if parent == nil {
		return
	}
	parent.remove(t)
}

func (t *Tracker) remove(child *Tracker) {
	found := false
	t.mu.Lock()
	for i, c := range t.mu.children {
		if c == child {
			t.mu.children = append(t.mu.children[:i], t.mu.children[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if found {
		child.parent.Store(nil)
		t.Consume(-child.BytesConsumed())
	}
}

// Consume adds bytes to this tracker and every ancestor. A negative value is
// a release.
func (t *Tracker) Consume(bytes int64) {
	if bytes == 0 {
		return
	}
	for tracker := t; tracker != nil; tracker = tracker.parent.Load() {
		consumed := atomic.AddInt64(&tracker.bytesConsumed, bytes)
		for {
			maxNow := atomic.LoadInt64(&tracker.maxConsumed)
			if consumed <= maxNow || atomic.CompareAndSwapInt64(&tracker.maxConsumed, maxNow, consumed) {
				break
			}
		}
	}
}

// BytesConsumed returns the currently consumed bytes.
func (t *Tracker) BytesConsumed() int64 {
	return atomic.LoadInt64(&t.bytesConsumed)
}

// MaxConsumed returns the high-water mark of consumed bytes.
func (t *Tracker) MaxConsumed() int64 {
	return atomic.LoadInt64(&t.maxConsumed)
}

// AnyLimitExceeded walks from t to the root and returns the first tracker
// whose limit is exceeded, or nil.
func (t *Tracker) AnyLimitExceeded() *Tracker {
	for tracker := t; tracker != nil; tracker = tracker.parent.Load() {
		limit := tracker.Limit()
		if limit > 0 && tracker.BytesConsumed() >= limit {
			return tracker
		}
	}
	return nil
}

// CheckLimit returns ErrMemoryExceeded (annotated with msg) if this tracker or
// any ancestor exceeds its limit. It is the synchronous pre-admission check:
// callers must treat a failure as fatal for the operation being admitted.
func (t *Tracker) CheckLimit(msg string) error {
	exceeded := t.AnyLimitExceeded()
	if exceeded == nil {
		return nil
	}
	return errors.Annotatef(ErrMemoryExceeded,
		"%s: tracker %q consumed %s over limit %s",
		msg, exceeded.label, FormatBytes(exceeded.BytesConsumed()), FormatBytes(exceeded.Limit()))
}

const (
	byteSizeGB = int64(1 << 30)
	byteSizeMB = int64(1 << 20)
	byteSizeKB = int64(1 << 10)
)

// FormatBytes converts a byte count to a readable string.
func FormatBytes(numBytes int64) string {
	switch {
	case numBytes >= byteSizeGB:
		return fmt.Sprintf("%.2f GB", float64(numBytes)/float64(byteSizeGB))
	case numBytes >= byteSizeMB:
		return fmt.Sprintf("%.2f MB", float64(numBytes)/float64(byteSizeMB))
	case numBytes >= byteSizeKB:
		return fmt.Sprintf("%.2f KB", float64(numBytes)/float64(byteSizeKB))
	default:
		return fmt.Sprintf("%d Bytes", numBytes)
	}
}
