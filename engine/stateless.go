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
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
	"github.com/capstan-io/capstan/utils"
)

// StatelessSession executes each operation immediately against the
// database: no identity map, no dirty checking, no write batching, no
// session filters. Versioned rows still get optimistic checks on update
// and delete.
type StatelessSession struct {
	reg  *metadata.Registry
	db   bun.IDB
	exec Executor
	log  *logrus.Logger
}

// NewStateless creates a stateless session on the given Bun database or
// transaction.
func NewStateless(db bun.IDB, reg *metadata.Registry) *StatelessSession {
	return &StatelessSession{
		reg:  reg,
		db:   db,
		exec: NewExecutor(db),
		log:  utils.NewLogger("STATELESS"),
	}
}

// Registry returns the shared metadata registry.
func (s *StatelessSession) Registry() *metadata.Registry { return s.reg }

// Insert writes the given instances as new rows, one statement each.
// Versioned entities start at version 0, whatever the instance held.
func (s *StatelessSession) Insert(ctx context.Context, entities ...any) error {
	for _, entity := range entities {
		desc, err := s.reg.DescribeEntity(entity)
		if err != nil {
			return err
		}
		if desc.HasVersion() {
			desc.SetVersion(entity, 0)
		}
		id := normalizeKey(desc.IDOf(entity))
		if _, err := s.exec.Exec(ctx, buildInsert(s.reg, desc, entity, id, 0)); err != nil {
			return err
		}
		s.log.Debugf("insert %s #%v", desc.Name, id)
	}
	return nil
}

// Update writes every persistent column of the instance. A versioned row
// is matched on its current version and bumped; zero affected rows means
// a concurrent writer got there first.
func (s *StatelessSession) Update(ctx context.Context, entity any) error {
	desc, err := s.reg.DescribeEntity(entity)
	if err != nil {
		return err
	}
	id := normalizeKey(desc.IDOf(entity))

	var (
		sets []string
		args []any
	)
	for _, attr := range desc.Attributes {
		sets = append(sets, attr.Column+" = ?")
		args = append(args, desc.Value(entity, attr))
	}
	for i := range desc.Associations {
		assoc := &desc.Associations[i]
		if assoc.Collection || !assoc.Owning {
			continue
		}
		sets = append(sets, assoc.Column+" = ?")
		args = append(args, foreignKeyValue(s.reg, desc, entity, assoc))
	}

	sql := "UPDATE " + desc.Table + " SET " + strings.Join(sets, ", ")
	version := desc.VersionOf(entity)
	if desc.HasVersion() {
		sql += ", " + desc.Version.Column + " = ?"
		args = append(args, version+1)
		sql += " WHERE " + desc.ID.Column + " = ? AND " + desc.Version.Column + " = ?"
		args = append(args, id, version)
	} else {
		sql += " WHERE " + desc.ID.Column + " = ?"
		args = append(args, id)
	}

	affected, err := s.exec.Exec(ctx, &Statement{SQL: sql, Args: args})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s #%v version %d no longer matches",
			ErrStaleState, desc.Name, id, version)
	}
	if desc.HasVersion() {
		desc.SetVersion(entity, version+1)
	}
	return nil
}

// Delete removes the instance's row, matching the version when the
// entity carries one.
func (s *StatelessSession) Delete(ctx context.Context, entity any) error {
	desc, err := s.reg.DescribeEntity(entity)
	if err != nil {
		return err
	}
	id := normalizeKey(desc.IDOf(entity))

	sql := "DELETE FROM " + desc.Table + " WHERE " + desc.ID.Column + " = ?"
	args := []any{id}
	if desc.HasVersion() {
		sql += " AND " + desc.Version.Column + " = ?"
		args = append(args, desc.VersionOf(entity))
	}
	affected, err := s.exec.Exec(ctx, &Statement{SQL: sql, Args: args})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s #%v already gone or version advanced",
			ErrStaleState, desc.Name, id)
	}
	return nil
}

// Get loads one row by identifier, returning a detached instance. Nil
// with nil error means not found.
func (s *StatelessSession) Get(ctx context.Context, desc *metadata.EntityDescriptor, id any) (any, error) {
	rows, err := s.query(ctx, desc, &types.Criteria{
		Schema: desc.Table + "." + desc.ID.Column + " = ?",
		Args:   []any{normalizeKey(id)},
	}, "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	entity := desc.New()
	if err := populate(desc, entity, rows[0], ""); err != nil {
		return nil, err
	}
	return entity, nil
}

// SelectAll loads every row matching the criteria as detached instances.
func (s *StatelessSession) SelectAll(ctx context.Context, desc *metadata.EntityDescriptor, criteria *types.Criteria) ([]any, error) {
	rows, err := s.query(ctx, desc, criteria, "")
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		entity := desc.New()
		if err := populate(desc, entity, row, ""); err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Page counts the rows matching the request's criteria, then loads one
// page of them with the requested ordering.
func (s *StatelessSession) Page(ctx context.Context, desc *metadata.EntityDescriptor, req *types.PageRequest) (int, []any, error) {
	countSQL := "SELECT COUNT(*) AS n FROM " + desc.Table
	var countArgs []any
	if c := req.GetCriteria(); c != nil && c.Schema != "" {
		countSQL += " WHERE " + c.Schema
		countArgs = c.Args
	}
	rows, err := s.exec.Query(ctx, &Statement{SQL: countSQL, Args: countArgs})
	if err != nil {
		return 0, nil, err
	}
	total := 0
	if len(rows) > 0 {
		if n, ok := normalizeKey(rows[0]["n"]).(int64); ok {
			total = int(n)
		}
	}
	if total == 0 {
		return 0, nil, nil
	}

	suffix := ""
	if orders := req.GetOrders(); len(orders) > 0 {
		suffix = " ORDER BY " + strings.Join(orders, ", ")
	}
	suffix += fmt.Sprintf(" LIMIT %d OFFSET %d", req.GetPageSize(), req.GetOffset())
	dataRows, err := s.query(ctx, desc, req.GetCriteria(), suffix)
	if err != nil {
		return 0, nil, err
	}
	out := make([]any, 0, len(dataRows))
	for _, row := range dataRows {
		entity := desc.New()
		if err := populate(desc, entity, row, ""); err != nil {
			return 0, nil, err
		}
		out = append(out, entity)
	}
	return total, out, nil
}

// Upsert inserts the instance or, when its key already exists, updates
// the named columns. The statement shape follows the dialect: ON
// CONFLICT for PostgreSQL and SQLite, ON DUPLICATE KEY for MySQL, and an
// insert-then-update fallback elsewhere.
func (s *StatelessSession) Upsert(ctx context.Context, entity any, columns []string, conflictKeys []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("engine: upsert needs at least one column to update")
	}
	desc, err := s.reg.DescribeEntity(entity)
	if err != nil {
		return err
	}
	id := normalizeKey(desc.IDOf(entity))
	insert := buildInsert(s.reg, desc, entity, id, desc.VersionOf(entity))

	features := s.db.Dialect().Features()
	switch {
	case features.Has(feature.InsertOnConflict):
		if len(conflictKeys) == 0 {
			conflictKeys = []string{desc.ID.Column}
		}
		var sets []string
		for _, col := range columns {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
		insert.SQL += " ON CONFLICT (" + strings.Join(conflictKeys, ", ") + ") DO UPDATE SET " +
			strings.Join(sets, ", ")
	case features.Has(feature.InsertOnDuplicateKey):
		var sets []string
		for _, col := range columns {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		}
		insert.SQL += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		if _, err := s.exec.Exec(ctx, insert); err != nil {
			return s.Update(ctx, entity)
		}
		return nil
	}
	_, err = s.exec.Exec(ctx, insert)
	return err
}

func (s *StatelessSession) query(ctx context.Context, desc *metadata.EntityDescriptor, criteria *types.Criteria, suffix string) (RowSet, error) {
	sql := "SELECT " + strings.Join(aliasedColumns(desc, desc.Table, ""), ", ") +
		" FROM " + desc.Table
	var args []any
	if criteria != nil && criteria.Schema != "" {
		sql += " WHERE " + criteria.Schema
		args = criteria.Args
	}
	return s.exec.Query(ctx, &Statement{SQL: sql + suffix, Args: args})
}
