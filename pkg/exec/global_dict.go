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

package exec

import (
	"github.com/pingcap/errors"

	"github.com/keeldb/keel/pkg/catalog"
)

// GlobalDictSpec is the serialized form of a low-cardinality string
// dictionary computed by the coordinator for one slot.
type GlobalDictSpec struct {
	SlotID  catalog.SlotID
	Values  []string
	Codes   []int32
	Version int64
}

// GlobalDict is the decoded dictionary: string value to integer code.
type GlobalDict struct {
	SlotID  catalog.SlotID
	Mapping map[string]int32
	Version int64
}

func decodeDicts(specs []GlobalDictSpec) (map[catalog.SlotID]*GlobalDict, error) {
	dicts := make(map[catalog.SlotID]*GlobalDict, len(specs))
	for _, spec := range specs {
		if len(spec.Values) != len(spec.Codes) {
			return nil, errors.Errorf("global dict for slot %d has %d values but %d codes",
				spec.SlotID, len(spec.Values), len(spec.Codes))
		}
		d := &GlobalDict{
			SlotID:  spec.SlotID,
			Mapping: make(map[string]int32, len(spec.Values)),
			Version: spec.Version,
		}
		for i, v := range spec.Values {
			d.Mapping[v] = spec.Codes[i]
		}
		dicts[spec.SlotID] = d
	}
	return dicts, nil
}

// InitQueryGlobalDicts installs the per-query dictionaries used to rewrite
// string columns into integer codes.
func (s *RuntimeState) InitQueryGlobalDicts(specs []GlobalDictSpec) error {
	dicts, err := decodeDicts(specs)
	if err != nil {
		return errors.Trace(err)
	}
	s.queryGlobalDicts = dicts
	return nil
}

// InitQueryGlobalDictExprs installs the expressions producing dict-encoded
// slots. Every expression must target a slot that has a dictionary.
func (s *RuntimeState) InitQueryGlobalDictExprs(exprs map[catalog.SlotID]string) error {
	for slot := range exprs {
		if _, ok := s.queryGlobalDicts[slot]; !ok {
			return errors.Errorf("global dict expr targets slot %d without a dictionary", slot)
		}
	}
	s.queryGlobalDictExprs = exprs
	return nil
}

// InitLoadGlobalDicts installs the dictionaries used on the load path.
func (s *RuntimeState) InitLoadGlobalDicts(specs []GlobalDictSpec) error {
	dicts, err := decodeDicts(specs)
	if err != nil {
		return errors.Trace(err)
	}
	s.loadGlobalDicts = dicts
	return nil
}

// QueryGlobalDict returns the query-path dictionary for slot, or nil.
func (s *RuntimeState) QueryGlobalDict(slot catalog.SlotID) *GlobalDict {
	return s.queryGlobalDicts[slot]
}

// LoadGlobalDict returns the load-path dictionary for slot, or nil.
func (s *RuntimeState) LoadGlobalDict(slot catalog.SlotID) *GlobalDict {
	return s.loadGlobalDicts[slot]
}
