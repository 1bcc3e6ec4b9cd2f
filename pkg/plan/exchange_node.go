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

package plan

import (
	"github.com/keeldb/keel/pkg/catalog"
	"github.com/keeldb/keel/pkg/exec"
	"github.com/keeldb/keel/pkg/pipeline"
)

// ExchangeNode receives rows from sender fragments. Within its own fragment
// it is a leaf; its child subtrees run elsewhere.
type ExchangeNode struct {
	baseNode
	spec       ExchangeSpec
	numSenders int
}

func init() {
	registerNodeBuilder(KindExchange, func(spec *NodeSpec, _ *catalog.DescriptorTable) (ExecNode, error) {
		n := &ExchangeNode{}
		n.id, n.kind, n.limit, n.tupleIDs = spec.ID, spec.Kind, spec.Limit, spec.TupleIDs
		if spec.Exchange != nil {
			n.spec = *spec.Exchange
		}
		return n, nil
	})
}

// SetNumSenders binds the expected sender count resolved from the request.
func (n *ExchangeNode) SetNumSenders(num int) { n.numSenders = num }

// NumSenders returns the expected sender count.
func (n *ExchangeNode) NumSenders() int { return n.numSenders }

// Decompose yields a new pipeline source fed by the exchange receiver.
func (n *ExchangeNode) Decompose(ctx *pipeline.BuilderContext, _ *exec.RuntimeState) ([]pipeline.OperatorFactory, error) {
	src := pipeline.NewSourceFactory("exchange_source", n.id, ctx.DegreeOfParallelism(), false)
	return []pipeline.OperatorFactory{src}, nil
}
