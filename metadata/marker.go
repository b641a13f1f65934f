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

// Marker is the contract of a lazy association reference. A marker holds
// only enough to resolve the association later: the target entity name and
// a key. Resolution is always explicit; reading the field never loads.
type Marker interface {
	// Seed installs the unresolved state: target entity name plus key.
	// For to-one references the key is the foreign-key identifier value;
	// for collections it is the owner's identifier.
	Seed(target string, key any)

	TargetEntity() string
	Key() any
	Resolved() bool
}

// SingleMarker is a marker standing in for one related entity.
type SingleMarker interface {
	Marker

	// Bind installs the materialized target and marks the reference
	// resolved. A nil entity resolves a null association.
	Bind(entity any)

	// Entity returns the bound target, nil until resolved.
	Entity() any
}

// SliceMarker is a marker standing in for a to-many association. Its key
// is the owner's identifier; ForeignKeyColumn names the column on the
// target's table that refers back to the owner.
type SliceMarker interface {
	Marker

	SeedCollection(target string, fkColumn string, ownerKey any)
	ForeignKeyColumn() string

	BindAll(entities []any)
	Entities() []any
}
