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
	"sync"
)

// Registry is the metadata provider: it holds every entity descriptor and
// filter definition, built once at startup and read-only afterwards. All
// sessions share one registry.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*EntityDescriptor
	byType  map[reflect.Type]*EntityDescriptor
	filters map[string]*FilterDef
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*EntityDescriptor),
		byType:  make(map[reflect.Type]*EntityDescriptor),
		filters: make(map[string]*FilterDef),
	}
}

// Register adds an entity descriptor. Registering the same entity name
// twice is an error.
func (r *Registry) Register(d *EntityDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("metadata: entity %q already registered", d.Name)
	}
	r.byName[d.Name] = d
	r.byType[d.Type] = d
	return nil
}

// RegisterFilter adds a registry-wide filter definition.
func (r *Registry) RegisterFilter(def *FilterDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[def.Name]; ok {
		return fmt.Errorf("metadata: filter %q already registered", def.Name)
	}
	r.filters[def.Name] = def
	return nil
}

// Describe returns the descriptor for an entity name.
func (r *Registry) Describe(name string) (*EntityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("metadata: unknown entity %q", name)
	}
	return d, nil
}

// DescribeEntity returns the descriptor for an entity instance (a struct
// pointer) or a struct type.
func (r *Registry) DescribeEntity(entity any) (*EntityDescriptor, error) {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return nil, fmt.Errorf("metadata: nil entity")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("metadata: unmapped entity type %s", t)
	}
	return d, nil
}

// FilterDef returns a registered filter definition.
func (r *Registry) FilterDef(name string) (*FilterDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.filters[name]
	if !ok {
		return nil, fmt.Errorf("metadata: unknown filter %q", name)
	}
	return def, nil
}

// Descriptors returns every registered descriptor, in no particular order.
func (r *Registry) Descriptors() []*EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityDescriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	return out
}
