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

package driverlimit

import (
	"github.com/pingcap/errors"
	atomicutil "go.uber.org/atomic"

	"github.com/keeldb/keel/pkg/metrics"
)

// ErrResourceExhausted is returned when admitting a fragment's drivers would
// exceed the process-wide driver limit. The fragment must be rejected, not
// queued or degraded.
var ErrResourceExhausted = errors.New("driver limit exceeded")

// Limiter caps the number of concurrently admitted pipeline drivers in the
// whole process. One token is acquired per fragment, sized to the fragment's
// total driver count across all pipelines.
type Limiter struct {
	max   int64 // <= 0 means unlimited
	total atomicutil.Int64
}

// NewLimiter creates a limiter admitting at most max drivers. max <= 0 means
// no limit.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: int64(max)}
}

// TryAcquire reserves n driver slots. It never blocks; on failure it returns
// ErrResourceExhausted and reserves nothing.
func (l *Limiter) TryAcquire(n int) (*Token, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid driver count %d", n)
	}
	for {
		cur := l.total.Load()
		if l.max > 0 && cur+int64(n) > l.max {
			metrics.AdmissionRejectCounter.Inc()
			return nil, errors.Annotatef(ErrResourceExhausted,
				"acquire %d drivers, running %d, limit %d", n, cur, l.max)
		}
		if l.total.CompareAndSwap(cur, cur+int64(n)) {
			metrics.AdmittedDrivers.Add(float64(n))
			return &Token{limiter: l, count: n}, nil
		}
	}
}

// NumTotalDrivers returns the currently admitted driver count.
func (l *Limiter) NumTotalDrivers() int64 {
	return l.total.Load()
}

// Token is a fragment's reservation against the limiter. Release is
// idempotent and must be called exactly once when the fragment's execution
// context is torn down.
type Token struct {
	limiter  *Limiter
	count    int
	released atomicutil.Bool
}

// Count returns the number of reserved driver slots.
func (t *Token) Count() int {
	return t.count
}

// Release returns the reserved slots to the limiter.
func (t *Token) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.limiter.total.Sub(int64(t.count))
	metrics.AdmittedDrivers.Sub(float64(t.count))
}
