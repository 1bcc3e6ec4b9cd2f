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

// Package streamload manages per-channel stream load contexts. A stream load
// fragment whose scan ranges carry broker addresses binds one context per
// channel before its pipelines run.
package streamload

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/uid"
	"github.com/keeldb/keel/pkg/util/logutil"
)

// Context is the state of one stream load channel: the transactional load it
// belongs to and the table it feeds.
type Context struct {
	Label     string
	ChannelID int32
	DB        string
	Table     string
	Format    string
	LoadID    uid.UID
	TxnID     int64
}

type channelKey struct {
	label     string
	channelID int32
}

// Manager tracks the live stream load contexts of this backend, keyed by
// load label and channel id.
type Manager struct {
	mu       sync.Mutex
	channels map[channelKey]*Context
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[channelKey]*Context)}
}

// CreateChannelContext builds a context for one stream load channel. It does
// not register it; PutChannelContext does that once the fragment owns it.
func (m *Manager) CreateChannelContext(label string, channelID int32, db, table, format string, loadID uid.UID, txnID int64) (*Context, error) {
	if label == "" {
		return nil, errors.New("stream load channel has no label")
	}
	return &Context{
		Label:     label,
		ChannelID: channelID,
		DB:        db,
		Table:     table,
		Format:    format,
		LoadID:    loadID,
		TxnID:     txnID,
	}, nil
}

// PutChannelContext registers ctx. A channel registered twice keeps the first
// registration and reports an error.
func (m *Manager) PutChannelContext(ctx *Context) error {
	key := channelKey{label: ctx.Label, channelID: ctx.ChannelID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[key]; ok {
		return errors.Errorf("stream load channel %d of load %s already exists", ctx.ChannelID, ctx.Label)
	}
	m.channels[key] = ctx
	logutil.BgLogger().Info("registered stream load channel",
		zap.String("label", ctx.Label),
		zap.Int32("channel_id", ctx.ChannelID),
		zap.String("table", ctx.Table))
	return nil
}

// GetChannelContext returns the registered context, or nil.
func (m *Manager) GetChannelContext(label string, channelID int32) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[channelKey{label: label, channelID: channelID}]
}

// RemoveChannelContext drops a finished channel.
func (m *Manager) RemoveChannelContext(label string, channelID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelKey{label: label, channelID: channelID})
}
