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

package fragment

import (
	"github.com/pingcap/errors"

	"github.com/keeldb/keel/pkg/driverlimit"
	"github.com/keeldb/keel/pkg/plan"
	"github.com/keeldb/keel/pkg/query"
	"github.com/keeldb/keel/pkg/util/memory"
)

// ErrorKind classifies preparation failures for the RPC layer, which maps
// each kind to a response status code.
type ErrorKind int

// Preparation failure kinds.
const (
	// KindOK is the zero kind of a nil error.
	KindOK ErrorKind = iota
	// KindDuplicateInvocation: the instance is already registered. The caller
	// must treat this as a non-retryable no-op; the original preparation owns
	// the fragment.
	KindDuplicateInvocation
	// KindCancelled: the query was torn down concurrently with preparation.
	KindCancelled
	// KindResourceExhausted: the admission limiter or a memory pre-check
	// rejected the fragment.
	KindResourceExhausted
	// KindInvalidPlan: malformed or unsupported plan or sink.
	KindInvalidPlan
	// KindInternal: any other collaborator failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindDuplicateInvocation:
		return "DUPLICATE_INVOCATION"
	case KindCancelled:
		return "CANCELLED"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindInvalidPlan:
		return "INVALID_PLAN"
	default:
		return "INTERNAL"
	}
}

// Classify maps an error to its kind by its root cause.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	switch errors.Cause(err) {
	case query.ErrDuplicateInvocation:
		return KindDuplicateInvocation
	case query.ErrCancelled:
		return KindCancelled
	case driverlimit.ErrResourceExhausted, memory.ErrMemoryExceeded:
		return KindResourceExhausted
	case plan.ErrInvalidPlan:
		return KindInvalidPlan
	default:
		return KindInternal
	}
}
