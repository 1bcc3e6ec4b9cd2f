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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeldb/keel/pkg/util/memory"
)

func TestManagerDefaults(t *testing.T) {
	parent := memory.NewTracker("pool", 0)
	m := NewManager(parent)

	def := m.DefaultWorkGroup()
	require.NotNil(t, def)
	require.Equal(t, DefaultID, def.ID())
	require.Equal(t, def, m.Get(DefaultID))

	mv := m.DefaultMVWorkGroup()
	require.NotNil(t, mv)
	require.Equal(t, DefaultMVID, mv.ID())
	require.NotEqual(t, def, mv)
}

func TestRegisterKeepsFirstRegistration(t *testing.T) {
	m := NewManager(memory.NewTracker("pool", 0))

	first := m.Register(Spec{ID: 5, Name: "etl", MemLimitBytes: 1 << 20})
	second := m.Register(Spec{ID: 5, Name: "etl-changed"})
	require.Equal(t, first, second)
	require.Equal(t, "etl", second.Name())
}

func TestRegisterConcurrently(t *testing.T) {
	m := NewManager(memory.NewTracker("pool", 0))

	var wg sync.WaitGroup
	groups := make([]*WorkGroup, 16)
	for i := range groups {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[i] = m.Register(Spec{ID: 9, Name: "shared"})
		}()
	}
	wg.Wait()
	for _, wgrp := range groups {
		require.Equal(t, groups[0], wgrp)
	}
}

func TestWorkGroupMemTrackerAttachesToParent(t *testing.T) {
	parent := memory.NewTracker("pool", 0)
	m := NewManager(parent)
	wg := m.Register(Spec{ID: 3, Name: "reporting", MemLimitBytes: 100})

	wg.MemTracker().Consume(40)
	require.Equal(t, int64(40), parent.BytesConsumed())
	require.Equal(t, int64(100), wg.MemTracker().Limit())
}

func TestBigQuerySettings(t *testing.T) {
	m := NewManager(memory.NewTracker("pool", 0))

	plain := m.Register(Spec{ID: 20, Name: "plain"})
	require.False(t, plain.UseBigQueryMemLimit())
	require.Equal(t, int64(0), plain.BigQueryScanRowsLimit())

	big := m.Register(Spec{ID: 21, Name: "big", BigQueryMemLimitBytes: 1 << 30, BigQueryScanRowsLimit: 1000})
	require.True(t, big.UseBigQueryMemLimit())
	require.Equal(t, int64(1<<30), big.BigQueryMemLimit())
	require.Equal(t, int64(1000), big.BigQueryScanRowsLimit())
}
