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

package capstan

// Ref is a lazy reference to one related entity. A freshly loaded Ref
// holds only the foreign-key value; reading it never touches the
// database. Resolve it explicitly with Fetch.
type Ref[T any] struct {
	target   string
	key      any
	resolved bool
	entity   *T
}

// NewRef returns an already-resolved reference, for wiring associations
// on instances built in memory before Persist.
func NewRef[T any](entity *T) Ref[T] {
	return Ref[T]{resolved: true, entity: entity}
}

func (r *Ref[T]) Seed(target string, key any) {
	r.target = target
	r.key = key
	r.resolved = false
	r.entity = nil
}

func (r *Ref[T]) TargetEntity() string { return r.target }

func (r *Ref[T]) Key() any { return r.key }

func (r *Ref[T]) Resolved() bool { return r.resolved }

func (r *Ref[T]) Bind(entity any) {
	r.resolved = true
	if entity == nil {
		r.entity = nil
		return
	}
	r.entity = entity.(*T)
}

// Entity returns the bound target as an untyped value, nil until
// resolved or when the association is null.
func (r *Ref[T]) Entity() any {
	if r.entity == nil {
		return nil
	}
	return r.entity
}

// Get returns the bound target. It does not resolve; an unresolved
// reference yields nil.
func (r *Ref[T]) Get() *T { return r.entity }

// RefSlice is a lazy reference to a to-many association. It records the
// owner's identifier and the foreign-key column on the target table;
// FetchAll resolves it with one select.
type RefSlice[T any] struct {
	target   string
	fkColumn string
	key      any
	resolved bool
	entities []*T
}

// NewRefSlice returns an already-resolved collection reference.
func NewRefSlice[T any](entities ...*T) RefSlice[T] {
	return RefSlice[T]{resolved: true, entities: entities}
}

func (r *RefSlice[T]) Seed(target string, key any) {
	r.target = target
	r.key = key
	r.resolved = false
	r.entities = nil
}

func (r *RefSlice[T]) SeedCollection(target string, fkColumn string, ownerKey any) {
	r.Seed(target, ownerKey)
	r.fkColumn = fkColumn
}

func (r *RefSlice[T]) TargetEntity() string { return r.target }

func (r *RefSlice[T]) Key() any { return r.key }

func (r *RefSlice[T]) ForeignKeyColumn() string { return r.fkColumn }

func (r *RefSlice[T]) Resolved() bool { return r.resolved }

func (r *RefSlice[T]) BindAll(entities []any) {
	r.resolved = true
	r.entities = make([]*T, 0, len(entities))
	for _, e := range entities {
		r.entities = append(r.entities, e.(*T))
	}
}

// Entities returns the bound targets as untyped values.
func (r *RefSlice[T]) Entities() []any {
	out := make([]any, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

// Get returns the bound targets, nil until resolved.
func (r *RefSlice[T]) Get() []*T { return r.entities }
