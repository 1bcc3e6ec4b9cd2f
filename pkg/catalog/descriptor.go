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

package catalog

import (
	"github.com/pingcap/errors"
)

// TupleID identifies a tuple layout within a descriptor table.
type TupleID int32

// SlotID identifies a slot (column position) within a tuple.
type SlotID int32

// SlotDescSpec is the serialized form of a slot descriptor.
type SlotDescSpec struct {
	ID       SlotID
	ParentID TupleID
	Name     string
	Type     string
	Nullable bool
}

// TupleDescSpec is the serialized form of a tuple descriptor.
type TupleDescSpec struct {
	ID      TupleID
	TableID int64
}

// TableDescSpec is the serialized form of a table descriptor.
type TableDescSpec struct {
	ID            int64
	Name          string
	NumPartitions int
}

// DescriptorTableSpec carries the descriptor table shipped with a fragment
// request. IsCached, when non-nil, indicates whether this backend already
// holds a deserialized copy keyed by the query.
type DescriptorTableSpec struct {
	IsCached *bool
	Tuples   []TupleDescSpec
	Slots    []SlotDescSpec
	Tables   []TableDescSpec
}

// SlotDescriptor describes one materialized slot.
type SlotDescriptor struct {
	ID       SlotID
	Name     string
	Type     string
	Nullable bool
}

// TupleDescriptor describes one tuple layout.
type TupleDescriptor struct {
	ID      TupleID
	TableID int64
	Slots   []*SlotDescriptor
}

// TableDescriptor describes one referenced table.
type TableDescriptor struct {
	ID            int64
	Name          string
	NumPartitions int
}

// DescriptorTable is the deserialized, query-scoped descriptor view.
type DescriptorTable struct {
	tuples map[TupleID]*TupleDescriptor
	tables map[int64]*TableDescriptor
}

// NewDescriptorTable builds a descriptor table from its serialized spec.
func NewDescriptorTable(spec *DescriptorTableSpec) (*DescriptorTable, error) {
	if spec == nil {
		return nil, errors.New("descriptor table spec is missing")
	}
	t := &DescriptorTable{
		tuples: make(map[TupleID]*TupleDescriptor, len(spec.Tuples)),
		tables: make(map[int64]*TableDescriptor, len(spec.Tables)),
	}
	for _, ts := range spec.Tables {
		t.tables[ts.ID] = &TableDescriptor{ID: ts.ID, Name: ts.Name, NumPartitions: ts.NumPartitions}
	}
	for _, tu := range spec.Tuples {
		t.tuples[tu.ID] = &TupleDescriptor{ID: tu.ID, TableID: tu.TableID}
	}
	for _, s := range spec.Slots {
		tuple, ok := t.tuples[s.ParentID]
		if !ok {
			return nil, errors.Errorf("slot %d references unknown tuple %d", s.ID, s.ParentID)
		}
		tuple.Slots = append(tuple.Slots, &SlotDescriptor{
			ID: s.ID, Name: s.Name, Type: s.Type, Nullable: s.Nullable,
		})
	}
	return t, nil
}

// Tuple returns the tuple descriptor for id.
func (t *DescriptorTable) Tuple(id TupleID) (*TupleDescriptor, error) {
	tuple, ok := t.tuples[id]
	if !ok {
		return nil, errors.Errorf("unknown tuple id %d", id)
	}
	return tuple, nil
}

// Table returns the table descriptor for id, or nil.
func (t *DescriptorTable) Table(id int64) *TableDescriptor {
	return t.tables[id]
}

// RowDescriptor is the row layout produced by a plan subtree: an ordered list
// of tuple layouts.
type RowDescriptor struct {
	Tuples []*TupleDescriptor
}

// NewRowDescriptor resolves tuple ids against the descriptor table.
func (t *DescriptorTable) NewRowDescriptor(tupleIDs []TupleID) (*RowDescriptor, error) {
	rd := &RowDescriptor{Tuples: make([]*TupleDescriptor, 0, len(tupleIDs))}
	for _, id := range tupleIDs {
		tuple, err := t.Tuple(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rd.Tuples = append(rd.Tuples, tuple)
	}
	return rd, nil
}

// TupleSlotMapping maps a slot of one tuple onto a slot of another. It is
// pushed down the plan tree before pipeline construction so that operators
// reading remapped layouts resolve the physical slot.
type TupleSlotMapping struct {
	FromTupleID TupleID
	FromSlotID  SlotID
	ToTupleID   TupleID
	ToSlotID    SlotID
}
