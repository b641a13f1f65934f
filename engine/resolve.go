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
	"context"
	"fmt"

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

// ResolveOne materializes a to-one association marker on explicit request.
// The identity map is consulted before any I/O: an already-managed target
// is bound without a load. A failed resolve leaves the marker unresolved
// so the call can be retried.
func (u *UnitOfWork) ResolveOne(ctx context.Context, marker metadata.SingleMarker) (any, error) {
	if err := u.active(); err != nil {
		return nil, err
	}
	if marker.Resolved() {
		return marker.Entity(), nil
	}
	desc, err := u.reg.Describe(marker.TargetEntity())
	if err != nil {
		return nil, err
	}
	key := marker.Key()
	if key == nil {
		marker.Bind(nil)
		return nil, nil
	}
	if e := u.ids.Lookup(desc, key); e != nil && e.State != types.StateRemoved {
		marker.Bind(e.Entity)
		return e.Entity, nil
	}

	e, err := u.loadEntry(ctx, desc, key, types.LockNone, nil)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s #%v referenced but missing",
			ErrAssociationNotFound, desc.Name, key)
	}
	marker.Bind(e.Entity)
	return e.Entity, nil
}

// ResolveMany materializes a to-many association marker: a select of the
// target rows holding the owner's key in the mapped-by column, with the
// target's enabled filters applied. Results are registered managed; rows
// already tracked resolve to their managed instances.
func (u *UnitOfWork) ResolveMany(ctx context.Context, marker metadata.SliceMarker) ([]any, error) {
	if err := u.active(); err != nil {
		return nil, err
	}
	if marker.Resolved() {
		return marker.Entities(), nil
	}
	desc, err := u.reg.Describe(marker.TargetEntity())
	if err != nil {
		return nil, err
	}
	ownerKey := marker.Key()
	if ownerKey == nil {
		marker.BindAll(nil)
		return nil, nil
	}
	fkColumn := marker.ForeignKeyColumn()
	if fkColumn == "" {
		return nil, fmt.Errorf("engine: collection of %s has no mapped-by column", desc.Name)
	}

	entities, err := u.Select(ctx, desc, &types.Criteria{
		Schema: desc.Table + "." + fkColumn + " = ?",
		Args:   []any{ownerKey},
	}, types.LockNone)
	if err != nil {
		return nil, err
	}
	marker.BindAll(entities)
	return entities, nil
}
