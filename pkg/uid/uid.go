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

package uid

import (
	"github.com/google/uuid"
)

// UID identifies a query or a fragment instance. It is comparable and can be
// used as a map key directly.
type UID uuid.UUID

// Nil is the zero UID.
var Nil = UID(uuid.Nil)

// New returns a random UID.
func New() UID {
	return UID(uuid.New())
}

// Parse parses the canonical string form of a UID.
func Parse(s string) (UID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return UID(u), nil
}

// IsNil reports whether u is the zero UID.
func (u UID) IsNil() bool {
	return u == Nil
}

func (u UID) String() string {
	return uuid.UUID(u).String()
}
