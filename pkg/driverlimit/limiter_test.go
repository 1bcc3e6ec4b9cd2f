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
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	l := NewLimiter(10)

	token, err := l.TryAcquire(6)
	require.NoError(t, err)
	require.Equal(t, 6, token.Count())
	require.Equal(t, int64(6), l.NumTotalDrivers())

	_, err = l.TryAcquire(5)
	require.Error(t, err)
	require.Equal(t, ErrResourceExhausted, errors.Cause(err))
	require.Equal(t, int64(6), l.NumTotalDrivers())

	token2, err := l.TryAcquire(4)
	require.NoError(t, err)
	require.Equal(t, int64(10), l.NumTotalDrivers())

	token.Release()
	require.Equal(t, int64(4), l.NumTotalDrivers())
	token2.Release()
	require.Equal(t, int64(0), l.NumTotalDrivers())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(4)
	token, err := l.TryAcquire(3)
	require.NoError(t, err)

	token.Release()
	token.Release()
	require.Equal(t, int64(0), l.NumTotalDrivers())

	var nilToken *Token
	nilToken.Release()
}

func TestUnlimitedLimiter(t *testing.T) {
	l := NewLimiter(0)
	token, err := l.TryAcquire(1 << 20)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), l.NumTotalDrivers())
	token.Release()
}

func TestInvalidAcquireCount(t *testing.T) {
	l := NewLimiter(4)
	_, err := l.TryAcquire(0)
	require.Error(t, err)
	_, err = l.TryAcquire(-1)
	require.Error(t, err)
}

func TestConcurrentAcquireNeverOversubscribes(t *testing.T) {
	const limit = 64
	l := NewLimiter(limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var tokens []*Token
	for i := 0; i < 128; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if token, err := l.TryAcquire(2); err == nil {
				mu.Lock()
				tokens = append(tokens, token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, l.NumTotalDrivers(), int64(limit))
	require.Equal(t, int64(len(tokens)*2), l.NumTotalDrivers())
	for _, token := range tokens {
		token.Release()
	}
	require.Equal(t, int64(0), l.NumTotalDrivers())
}
