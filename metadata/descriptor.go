/*
 * Copyright 2026 capstan-io.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metadata

import (
	"fmt"
	"reflect"
)

// FetchTiming controls when an association is materialized.
type FetchTiming int

const (
	FetchLazy FetchTiming = iota
	FetchEager
)

func (t FetchTiming) String() string {
	if t == FetchEager {
		return "EAGER"
	}
	return "LAZY"
}

// CascadeSet is a bitmask of operations that propagate across an association.
type CascadeSet uint8

const (
	CascadePersist CascadeSet = 1 << iota
	CascadeRemove
	CascadeRefresh
)

func (s CascadeSet) Has(c CascadeSet) bool { return s&c != 0 }

// Attribute describes one persistent scalar attribute of an entity.
type Attribute struct {
	Name   string
	Column string
	Index  int // struct field index on the entity type
}

// Association describes a mapped relation to another entity. For owning
// to-one associations Column is the foreign-key column on this entity's
// table; for mapped-by collections MappedBy names the foreign-key column
// on the target's table.
type Association struct {
	Name       string
	Column     string
	Index      int
	Target     string
	Timing     FetchTiming
	Cascades   CascadeSet
	Owning     bool
	Collection bool
	MappedBy   string
}

// EntityFilter attaches a named filter to an entity. An empty Condition
// falls back to the filter definition's default condition.
type EntityFilter struct {
	Name      string
	Condition string
}

// FetchProfile names a set of associations loaded eagerly while the
// profile is enabled on a session.
type FetchProfile struct {
	Name         string
	Associations []string
}

// FilterDef is a registry-wide filter definition. Conditions use :name
// placeholders for parameters; every listed parameter is required at the
// time the filter is applied.
type FilterDef struct {
	Name             string
	Parameters       []string
	DefaultCondition string
}

// EntityDescriptor is the immutable mapping description of one entity
// type. Descriptors are built once at startup and shared by all sessions.
type EntityDescriptor struct {
	Name          string
	Table         string
	Type          reflect.Type // the entity struct type
	ID            Attribute
	Version       *Attribute
	Attributes    []Attribute // persistent attributes, identifier and version excluded
	Associations  []Association
	Filters       []EntityFilter
	FetchProfiles []FetchProfile
}

// New allocates a zero instance of the entity type.
func (d *EntityDescriptor) New() any {
	return reflect.New(d.Type).Interface()
}

func (d *EntityDescriptor) Association(name string) *Association {
	for i := range d.Associations {
		if d.Associations[i].Name == name {
			return &d.Associations[i]
		}
	}
	return nil
}

func (d *EntityDescriptor) Filter(name string) *EntityFilter {
	for i := range d.Filters {
		if d.Filters[i].Name == name {
			return &d.Filters[i]
		}
	}
	return nil
}

func (d *EntityDescriptor) FetchProfile(name string) *FetchProfile {
	for i := range d.FetchProfiles {
		if d.FetchProfiles[i].Name == name {
			return &d.FetchProfiles[i]
		}
	}
	return nil
}

// HasVersion reports whether the entity carries an optimistic version column.
func (d *EntityDescriptor) HasVersion() bool { return d.Version != nil }

func (d *EntityDescriptor) field(entity any, index int) reflect.Value {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Pointer || v.Elem().Type() != d.Type {
		panic(fmt.Sprintf("metadata: %T is not a *%s", entity, d.Type))
	}
	return v.Elem().Field(index)
}

// IDOf returns the identifier value of the given instance.
func (d *EntityDescriptor) IDOf(entity any) any {
	return d.field(entity, d.ID.Index).Interface()
}

// Value returns the current value of one persistent attribute.
func (d *EntityDescriptor) Value(entity any, attr Attribute) any {
	return d.field(entity, attr.Index).Interface()
}

// SetValue writes one persistent attribute on the instance.
func (d *EntityDescriptor) SetValue(entity any, attr Attribute, value any) error {
	f := d.field(entity, attr.Index)
	if value == nil {
		f.SetZero()
		return nil
	}
	v := reflect.ValueOf(value)
	if !v.Type().AssignableTo(f.Type()) {
		if !v.Type().ConvertibleTo(f.Type()) {
			return fmt.Errorf("metadata: cannot assign %T to %s.%s", value, d.Name, attr.Name)
		}
		v = v.Convert(f.Type())
	}
	f.Set(v)
	return nil
}

// VersionOf reads the version attribute as an int64. Returns 0 when the
// entity is not versioned.
func (d *EntityDescriptor) VersionOf(entity any) int64 {
	if d.Version == nil {
		return 0
	}
	return d.field(entity, d.Version.Index).Int()
}

// SetVersion writes the version attribute. User-assigned values are always
// overwritten by the engine; the column is engine-owned.
func (d *EntityDescriptor) SetVersion(entity any, version int64) {
	if d.Version == nil {
		return
	}
	d.field(entity, d.Version.Index).SetInt(version)
}

// MarkerAt returns the association marker stored at the association's
// field, or nil when the field does not hold one.
func (d *EntityDescriptor) MarkerAt(entity any, assoc *Association) Marker {
	f := d.field(entity, assoc.Index)
	if f.Kind() != reflect.Struct {
		return nil
	}
	m, _ := f.Addr().Interface().(Marker)
	return m
}
