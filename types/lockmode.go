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

// LockMode is the closed set of row-lock levels a session can hold on a
// managed entity. The numeric value is the mode's strength: a mode with a
// higher number subsumes every weaker one.
type LockMode int

const (
	LockNone LockMode = iota
	LockRead
	LockOptimistic
	LockOptimisticForceIncrement
	LockPessimisticRead
	LockPessimisticWrite
	LockPessimisticForceIncrement

	// LockForce is never requested directly. It is the effective mode
	// recorded after a load performed under LockPessimisticForceIncrement,
	// kept distinct from the requested mode for read-back compatibility.
	LockForce
)

var lockModeNames = map[LockMode]string{
	LockNone:                      "NONE",
	LockRead:                      "READ",
	LockOptimistic:                "OPTIMISTIC",
	LockOptimisticForceIncrement:  "OPTIMISTIC_FORCE_INCREMENT",
	LockPessimisticRead:           "PESSIMISTIC_READ",
	LockPessimisticWrite:          "PESSIMISTIC_WRITE",
	LockPessimisticForceIncrement: "PESSIMISTIC_FORCE_INCREMENT",
	LockForce:                     "FORCE",
}

var lockModeDescs = map[LockMode]string{
	LockNone:                      "no locking",
	LockRead:                      "read verification at load",
	LockOptimistic:                "optimistic version check",
	LockOptimisticForceIncrement:  "optimistic version check with forced increment",
	LockPessimisticRead:           "shared row lock",
	LockPessimisticWrite:          "exclusive row lock",
	LockPessimisticForceIncrement: "exclusive row lock with forced increment",
	LockForce:                     "exclusive row lock with forced increment (recorded)",
}

func (m LockMode) IsValid() bool {
	_, ok := lockModeNames[m]
	return ok
}

func (m LockMode) Number() int {
	if !m.IsValid() {
		return IllegalValue
	}
	// FORCE reports the strength of the mode it stands in for.
	if m == LockForce {
		return int(LockPessimisticForceIncrement)
	}
	return int(m)
}

func (m LockMode) String() string {
	if s, ok := lockModeNames[m]; ok {
		return s
	}
	return IllegalName
}

func (m LockMode) Name() string { return m.String() }

func (m LockMode) Desc() string {
	if s, ok := lockModeDescs[m]; ok {
		return s
	}
	return IllegalDesc
}

// StrongerThan reports whether m acquires strictly more than other.
func (m LockMode) StrongerThan(other LockMode) bool {
	return m.Number() > other.Number()
}

// Pessimistic reports whether the mode requires a database row lock.
func (m LockMode) Pessimistic() bool {
	switch m {
	case LockPessimisticRead, LockPessimisticWrite, LockPessimisticForceIncrement, LockForce:
		return true
	}
	return false
}

// ForceIncrement reports whether the mode unconditionally bumps the
// version column, even when no attribute changed.
func (m LockMode) ForceIncrement() bool {
	switch m {
	case LockOptimisticForceIncrement, LockPessimisticForceIncrement, LockForce:
		return true
	}
	return false
}

var _ BaseEnum = LockNone
