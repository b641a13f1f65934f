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

package engine

import (
	"fmt"
	"reflect"

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

// Entry tracks one entity instance inside one session. At most one Entry
// exists per (entity, identifier) pair within a session.
type Entry struct {
	Desc   *metadata.EntityDescriptor
	Entity any
	ID     any
	State  types.EntityState

	// RequestedLock is the mode the caller asked for; EffectiveLock is
	// the mode recorded against the entry, which can differ (FORCE).
	RequestedLock types.LockMode
	EffectiveLock types.LockMode

	// Version is the last version value read from or written to the row.
	Version int64

	ReadOnly bool

	snapshot []any
	inserted bool // the row exists in the database
	seq      int  // registration order, drives flush ordering

	// pendingForceIncrement defers an OPTIMISTIC_FORCE_INCREMENT bump
	// acquired at load time until the next flush.
	pendingForceIncrement bool
}

// Inserted reports whether the entry's row already exists in the database.
func (e *Entry) Inserted() bool { return e.inserted }

// Event is a lifecycle event applied to an entry.
type Event int

const (
	EventPersist Event = iota
	EventRemove
	EventDetach
	EventLoadComplete
	EventFlushComplete
)

var eventNames = map[Event]string{
	EventPersist:       "persist",
	EventRemove:        "remove",
	EventDetach:        "detach",
	EventLoadComplete:  "load-complete",
	EventFlushComplete: "flush-complete",
}

func (ev Event) String() string { return eventNames[ev] }

type identityKey struct {
	entity string
	id     any
}

// IdentityMap owns every Entry of one session. Identifier values must be
// comparable; that is a property of the mapped identifier types, not a
// restriction the map checks.
type IdentityMap struct {
	reg      *metadata.Registry
	entries  map[identityKey]*Entry
	byEntity map[any]*Entry
	nextSeq  int
}

func NewIdentityMap(reg *metadata.Registry) *IdentityMap {
	return &IdentityMap{
		reg:      reg,
		entries:  make(map[identityKey]*Entry),
		byEntity: make(map[any]*Entry),
	}
}

// Register tracks an instance under (descriptor, id). Registering the same
// instance twice returns the existing entry; a different instance under a
// tracked identity fails with ErrDuplicateIdentity.
func (m *IdentityMap) Register(desc *metadata.EntityDescriptor, id any, entity any) (*Entry, error) {
	key := identityKey{desc.Name, id}
	if existing, ok := m.entries[key]; ok {
		if existing.Entity == entity {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s #%v already tracks another instance", ErrDuplicateIdentity, desc.Name, id)
	}
	e := &Entry{
		Desc:   desc,
		Entity: entity,
		ID:     id,
		State:  types.StateManaged,
		seq:    m.nextSeq,
	}
	m.nextSeq++
	m.entries[key] = e
	m.byEntity[entity] = e
	return e, nil
}

// Lookup returns the entry for (descriptor, id), or nil.
func (m *IdentityMap) Lookup(desc *metadata.EntityDescriptor, id any) *Entry {
	return m.entries[identityKey{desc.Name, id}]
}

// LookupEntity returns the entry tracking the given instance, or nil.
func (m *IdentityMap) LookupEntity(entity any) *Entry {
	return m.byEntity[entity]
}

// Contains reports whether the instance is tracked.
func (m *IdentityMap) Contains(entity any) bool {
	return m.byEntity[entity] != nil
}

// Transition applies a lifecycle event to an entry.
func (m *IdentityMap) Transition(e *Entry, ev Event) error {
	switch ev {
	case EventPersist:
		switch e.State {
		case types.StateManaged:
			return nil // already scheduled
		case types.StateRemoved:
			// Re-persisting before flush cancels the removal.
			e.State = types.StateManaged
			return nil
		}
	case EventRemove:
		switch e.State {
		case types.StateManaged:
			e.State = types.StateRemoved
			return nil
		case types.StateRemoved:
			return nil
		}
	case EventDetach:
		switch e.State {
		case types.StateManaged, types.StateRemoved:
			e.State = types.StateDetached
			m.discard(e)
			return nil
		case types.StateDetached:
			return nil
		}
	case EventLoadComplete:
		if e.State == types.StateManaged {
			return nil
		}
	case EventFlushComplete:
		switch e.State {
		case types.StateManaged:
			e.inserted = true
			return nil
		case types.StateRemoved:
			m.discard(e)
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s %s #%v",
		ErrInvalidStateTransition, ev, e.State, e.Desc.Name, e.ID)
}

func (m *IdentityMap) discard(e *Entry) {
	delete(m.entries, identityKey{e.Desc.Name, e.ID})
	delete(m.byEntity, e.Entity)
}

// Snapshot records the entity's current persistent state as the baseline
// for dirty checking: every scalar attribute plus the foreign-key value
// of every owning to-one association.
func (m *IdentityMap) Snapshot(e *Entry) {
	e.snapshot = m.stateOf(e)
}

func (m *IdentityMap) stateOf(e *Entry) []any {
	state := make([]any, 0, len(e.Desc.Attributes)+len(e.Desc.Associations))
	for _, attr := range e.Desc.Attributes {
		state = append(state, e.Desc.Value(e.Entity, attr))
	}
	for i := range e.Desc.Associations {
		assoc := &e.Desc.Associations[i]
		if assoc.Collection || !assoc.Owning {
			continue
		}
		state = append(state, foreignKeyValue(m.reg, e.Desc, e.Entity, assoc))
	}
	return state
}

// Dirty compares current persistent state against the last snapshot. Any
// persistent attribute counts; identifier and version do not. Read-only
// entries are never dirty.
func (m *IdentityMap) Dirty(e *Entry) bool {
	if e.ReadOnly || e.snapshot == nil {
		return false
	}
	state := m.stateOf(e)
	for i := range state {
		if !reflect.DeepEqual(state[i], e.snapshot[i]) {
			return true
		}
	}
	return false
}

// foreignKeyValue reads the identifier an owning to-one association
// currently points at: the bound target's id once resolved, the seeded
// key otherwise.
func foreignKeyValue(reg *metadata.Registry, desc *metadata.EntityDescriptor, entity any, assoc *metadata.Association) any {
	marker, ok := desc.MarkerAt(entity, assoc).(metadata.SingleMarker)
	if !ok {
		return nil
	}
	if marker.Resolved() {
		target := marker.Entity()
		if target == nil {
			return nil
		}
		td, err := reg.Describe(assoc.Target)
		if err != nil {
			return nil
		}
		return normalizeKey(td.IDOf(target))
	}
	return marker.Key()
}

// Entries returns every tracked entry in registration order.
func (m *IdentityMap) Entries() []*Entry {
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// DetachAll detaches every tracked entry, used at session boundaries.
func (m *IdentityMap) DetachAll() {
	for _, e := range m.Entries() {
		e.State = types.StateDetached
	}
	m.Clear()
}

// Clear drops every entry without touching entity state fields.
func (m *IdentityMap) Clear() {
	m.entries = make(map[identityKey]*Entry)
	m.byEntity = make(map[any]*Entry)
}

func sortEntries(entries []*Entry) {
	// Insertion sort: flush sets are small and mostly ordered.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].seq > entries[j].seq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
