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

import "errors"

var (
	// ErrDuplicateIdentity signals an identity-map collision: a second
	// instance registered under an already-tracked (entity, id) pair.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrInvalidStateTransition signals a lifecycle event that is not
	// legal from the entry's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrStaleState signals an optimistic-version mismatch: a versioned
	// update, delete, or lock matched zero rows.
	ErrStaleState = errors.New("stale state")

	// ErrMissingFilterParameter signals an enabled filter applied without
	// one of its required parameters.
	ErrMissingFilterParameter = errors.New("missing filter parameter")

	// ErrAssociationNotFound signals a dangling foreign key discovered
	// while resolving an association.
	ErrAssociationNotFound = errors.New("association not found")

	// ErrSessionClosed signals an operation on a closed unit of work.
	ErrSessionClosed = errors.New("session closed")

	// ErrDependencyCycle signals a foreign-key cycle among rows that
	// would all be inserted in the same flush.
	ErrDependencyCycle = errors.New("insert dependency cycle")

	// ErrRollbackOnly signals a transaction marked for rollback.
	ErrRollbackOnly = errors.New("transaction marked for rollback")
)
