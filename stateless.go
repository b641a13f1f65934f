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

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/capstan-io/capstan/engine"
	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

// StatelessSession runs each operation against the database immediately,
// bypassing the identity map, dirty checking, and batching. Instances it
// returns are always detached.
type StatelessSession struct {
	ss *engine.StatelessSession
}

// OpenStatelessSession opens a stateless session on the given Bun
// database or transaction.
func OpenStatelessSession(db bun.IDB, reg *metadata.Registry) *StatelessSession {
	return &StatelessSession{ss: engine.NewStateless(db, reg)}
}

// Insert writes the instances as new rows, one statement each.
func (s *StatelessSession) Insert(ctx context.Context, entities ...any) error {
	return s.ss.Insert(ctx, entities...)
}

// Update writes every persistent column, with an optimistic version
// check when the entity is versioned.
func (s *StatelessSession) Update(ctx context.Context, entity any) error {
	return s.ss.Update(ctx, entity)
}

// Delete removes the instance's row.
func (s *StatelessSession) Delete(ctx context.Context, entity any) error {
	return s.ss.Delete(ctx, entity)
}

// Upsert inserts or, on key conflict, updates the named columns. The
// conflict keys default to the identifier column on dialects that need
// them.
func (s *StatelessSession) Upsert(ctx context.Context, entity any, columns []string, conflictKeys []string) error {
	return s.ss.Upsert(ctx, entity, columns, conflictKeys)
}

// GetOne loads a detached T by identifier. Nil with nil error means no
// such row.
func GetOne[T any](ctx context.Context, s *StatelessSession, id any) (*T, error) {
	desc, err := describeFor[T](s)
	if err != nil {
		return nil, err
	}
	v, err := s.ss.Get(ctx, desc, id)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*T), nil
}

// SelectAll loads every detached T matching the criteria.
func SelectAll[T any](ctx context.Context, s *StatelessSession, criteria *types.Criteria) ([]*T, error) {
	desc, err := describeFor[T](s)
	if err != nil {
		return nil, err
	}
	values, err := s.ss.SelectAll(ctx, desc, criteria)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*T))
	}
	return out, nil
}

// Page loads one page of detached instances plus the total row count for
// the request's criteria.
func Page[T any](ctx context.Context, s *StatelessSession, req *types.PageRequest) (*types.Pagination[T], error) {
	desc, err := describeFor[T](s)
	if err != nil {
		return nil, err
	}
	pagination := types.NewDefaultPagination[T](req.GetPage(), req.GetPageSize())
	total, values, err := s.ss.Page(ctx, desc, req)
	if err != nil || total == 0 {
		return pagination, err
	}
	pagination.Total = total
	for _, v := range values {
		pagination.Items = append(pagination.Items, v.(*T))
	}
	return pagination, nil
}

func describeFor[T any](s *StatelessSession) (*metadata.EntityDescriptor, error) {
	return s.ss.Registry().DescribeEntity((*T)(nil))
}
