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

package types

// EntityState is the lifecycle state of an entity instance relative to one
// session. A transient instance has no identity-map entry at all; the
// remaining states belong to a tracked entry.
type EntityState int

const (
	StateTransient EntityState = iota
	StateManaged
	StateRemoved
	StateDetached
)

var entityStateNames = map[EntityState]string{
	StateTransient: "TRANSIENT",
	StateManaged:   "MANAGED",
	StateRemoved:   "REMOVED",
	StateDetached:  "DETACHED",
}

var entityStateDescs = map[EntityState]string{
	StateTransient: "not tracked by any session",
	StateManaged:   "tracked, written back on flush when dirty",
	StateRemoved:   "scheduled for deletion at flush",
	StateDetached:  "no longer tracked by this session",
}

func (s EntityState) IsValid() bool {
	_, ok := entityStateNames[s]
	return ok
}

func (s EntityState) Number() int {
	if !s.IsValid() {
		return IllegalValue
	}
	return int(s)
}

func (s EntityState) String() string {
	if n, ok := entityStateNames[s]; ok {
		return n
	}
	return IllegalName
}

func (s EntityState) Name() string { return s.String() }

func (s EntityState) Desc() string {
	if d, ok := entityStateDescs[s]; ok {
		return d
	}
	return IllegalDesc
}

var _ BaseEnum = StateTransient

// SessionState is the lifecycle state of a unit of work.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionFlushing
	SessionCommitting
	SessionRollingBack
	SessionClosed
)

var sessionStateNames = map[SessionState]string{
	SessionActive:      "ACTIVE",
	SessionFlushing:    "FLUSHING",
	SessionCommitting:  "COMMITTING",
	SessionRollingBack: "ROLLING_BACK",
	SessionClosed:      "CLOSED",
}

func (s SessionState) String() string {
	if n, ok := sessionStateNames[s]; ok {
		return n
	}
	return IllegalName
}
