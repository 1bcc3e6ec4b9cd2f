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

	"github.com/keeldb/keel/pkg/util/memory"
)

// Manager owns every workgroup of one backend process. It is constructed
// explicitly and injected into the preparation entry point; there is no
// ambient singleton.
type Manager struct {
	mu     sync.RWMutex
	groups map[int64]*WorkGroup
	parent *memory.Tracker

	defaultWG   *WorkGroup
	defaultMVWG *WorkGroup
}

// NewManager creates a manager whose workgroup trackers are children of
// parentTracker (typically the query-pool tracker).
func NewManager(parentTracker *memory.Tracker) *Manager {
	m := &Manager{groups: make(map[int64]*WorkGroup), parent: parentTracker}
	m.defaultWG = newWorkGroup(Spec{ID: DefaultID, Name: "default_wg"}, parentTracker)
	m.defaultMVWG = newWorkGroup(Spec{ID: DefaultMVID, Name: "default_mv_wg"}, parentTracker)
	m.groups[DefaultID] = m.defaultWG
	m.groups[DefaultMVID] = m.defaultMVWG
	return m
}

// DefaultWorkGroup returns the shared default workgroup.
func (m *Manager) DefaultWorkGroup() *WorkGroup { return m.defaultWG }

// DefaultMVWorkGroup returns the materialized-view workgroup.
func (m *Manager) DefaultMVWorkGroup() *WorkGroup { return m.defaultMVWG }

// Get returns the workgroup with the given id, or nil.
func (m *Manager) Get(id int64) *WorkGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[id]
}

// Register returns the workgroup for spec, constructing and registering it on
// first use. An already-registered id wins over the incoming spec so that all
// fragments of a query observe one consistent group.
func (m *Manager) Register(spec Spec) *WorkGroup {
	m.mu.RLock()
	if wg, ok := m.groups[spec.ID]; ok {
		m.mu.RUnlock()
		return wg
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if wg, ok := m.groups[spec.ID]; ok {
		return wg
	}
	wg := newWorkGroup(spec, m.parent)
	m.groups[spec.ID] = wg
	return wg
}
