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

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeldb/keel/pkg/scan"
)

func TestBuilderSealsDanglingChainWithNoopSink(t *testing.T) {
	bctx := NewBuilderContext(2, 1, false)
	builder := NewBuilder(bctx)

	ops := []OperatorFactory{
		NewSourceFactory("src", 1, 2, false),
		NewSimpleFactory("project", 2),
	}
	pipelines, err := builder.Build(ops)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	factories := pipelines[0].OpFactories()
	require.Equal(t, "noop_sink", factories[len(factories)-1].Name())
	require.Equal(t, int32(2), factories[len(factories)-1].PlanNodeID())
}

func TestBuilderRejectsEmptyFragment(t *testing.T) {
	builder := NewBuilder(NewBuilderContext(2, 1, false))
	_, err := builder.Build(nil)
	require.Error(t, err)
}

func TestPipelineRequiresLeadingSource(t *testing.T) {
	_, err := NewPipeline(0, []OperatorFactory{NewSimpleFactory("project", 1)})
	require.Error(t, err)

	_, err = NewPipeline(0, nil)
	require.Error(t, err)
}

func TestInstantiateDriversCreatesOnePerLane(t *testing.T) {
	state := newTestState()
	src := NewSourceFactory("src", 1, 3, false)
	p, err := NewPipeline(0, []OperatorFactory{src, NewSimpleFactory("sink", 1)})
	require.NoError(t, err)

	require.NoError(t, p.InstantiateDrivers(state))
	require.Len(t, p.Drivers(), 3)
	for seq, d := range p.Drivers() {
		require.Equal(t, seq, d.Sequence())
		require.Len(t, d.Operators(), 2)
	}

	// A second instantiation is a bug, not a refresh.
	require.Error(t, p.InstantiateDrivers(state))
}

func TestInstantiateDriversRequiresMorselBinding(t *testing.T) {
	state := newTestState()
	src := NewSourceFactory("scan", 1, 2, true)
	p, err := NewPipeline(0, []OperatorFactory{src, NewSimpleFactory("sink", 1)})
	require.NoError(t, err)
	require.Error(t, p.InstantiateDrivers(state))

	mf, err := scan.NewMorselQueueFactory(
		[]scan.Range{{Internal: &scan.InternalRange{TabletID: 1}}},
		nil, 1, 2, false, scan.TabletInternalParallelAuto)
	require.NoError(t, err)
	src.SetMorselQueueFactory(mf)
	require.NoError(t, p.InstantiateDrivers(state))
	for _, d := range p.Drivers() {
		require.NotNil(t, d.morselQueue)
	}
}

func TestPipelineCompletionEventFinishesWithLastDriver(t *testing.T) {
	state := newTestState()
	p, err := NewPipeline(0, []OperatorFactory{
		NewSourceFactory("src", 1, 2, false),
		NewSimpleFactory("sink", 1),
	})
	require.NoError(t, err)
	require.NoError(t, p.InstantiateDrivers(state))

	for _, d := range p.Drivers() {
		require.NoError(t, d.Prepare(state))
	}
	require.False(t, p.CompletionEvent().Finished())

	require.NoError(t, p.Drivers()[0].Run(context.Background()))
	require.False(t, p.CompletionEvent().Finished())
	require.NoError(t, p.Drivers()[1].Run(context.Background()))
	require.True(t, p.CompletionEvent().Finished())
	require.Equal(t, DriverFinished, p.Drivers()[0].State())
}

func TestDriverLifecycle(t *testing.T) {
	state := newTestState()
	p, err := NewPipeline(0, []OperatorFactory{
		NewSourceFactory("src", 1, 1, false),
		NewSimpleFactory("sink", 1),
	})
	require.NoError(t, err)
	require.NoError(t, p.InstantiateDrivers(state))
	d := p.Drivers()[0]

	require.Equal(t, DriverCreated, d.State())
	require.Error(t, d.Run(context.Background()))

	require.NoError(t, d.Prepare(state))
	require.Equal(t, DriverReady, d.State())
	require.Error(t, d.Prepare(state))

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, DriverFinished, d.State())
}

func TestDriverCancelBeforeRun(t *testing.T) {
	state := newTestState()
	p, err := NewPipeline(0, []OperatorFactory{
		NewSourceFactory("src", 1, 1, false),
		NewSimpleFactory("sink", 1),
	})
	require.NoError(t, err)
	require.NoError(t, p.InstantiateDrivers(state))
	d := p.Drivers()[0]
	require.NoError(t, d.Prepare(state))

	d.Cancel()
	require.Equal(t, DriverCanceled, d.State())
	require.Error(t, d.Run(context.Background()))
}
