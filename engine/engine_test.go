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
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"

	"github.com/capstan-io/capstan/metadata"
)

// fakeExecutor records every statement and serves scripted results, so
// session behavior can be observed without a database.
type fakeExecutor struct {
	queries []*Statement
	execs   []*Statement

	queryFn func(stmt *Statement) (RowSet, error)
	execFn  func(stmt *Statement) (int64, error)

	queryResults []RowSet
}

func (f *fakeExecutor) Query(ctx context.Context, stmt *Statement) (RowSet, error) {
	f.queries = append(f.queries, stmt)
	if f.queryFn != nil {
		return f.queryFn(stmt)
	}
	if len(f.queryResults) > 0 {
		rows := f.queryResults[0]
		f.queryResults = f.queryResults[1:]
		return rows, nil
	}
	return nil, nil
}

func (f *fakeExecutor) Exec(ctx context.Context, stmt *Statement) (int64, error) {
	f.execs = append(f.execs, stmt)
	if f.execFn != nil {
		return f.execFn(stmt)
	}
	return 1, nil
}

func (f *fakeExecutor) reset() {
	f.queries = nil
	f.execs = nil
}

// testRef is a to-one marker for entities used in these tests.
type testRef struct {
	target   string
	key      any
	resolved bool
	entity   any
}

func (r *testRef) Seed(target string, key any) {
	r.target = target
	r.key = key
	r.resolved = false
	r.entity = nil
}

func (r *testRef) TargetEntity() string { return r.target }
func (r *testRef) Key() any             { return r.key }
func (r *testRef) Resolved() bool       { return r.resolved }

func (r *testRef) Bind(entity any) {
	r.resolved = true
	r.entity = entity
}

func (r *testRef) Entity() any { return r.entity }

func refTo(entity any) testRef {
	return testRef{resolved: true, entity: entity}
}

// testRefSlice is a to-many marker for entities used in these tests.
type testRefSlice struct {
	target   string
	fkColumn string
	key      any
	resolved bool
	entities []any
}

func (r *testRefSlice) Seed(target string, key any) {
	r.target = target
	r.key = key
	r.resolved = false
	r.entities = nil
}

func (r *testRefSlice) SeedCollection(target string, fkColumn string, ownerKey any) {
	r.Seed(target, ownerKey)
	r.fkColumn = fkColumn
}

func (r *testRefSlice) TargetEntity() string     { return r.target }
func (r *testRefSlice) Key() any                 { return r.key }
func (r *testRefSlice) ForeignKeyColumn() string { return r.fkColumn }
func (r *testRefSlice) Resolved() bool           { return r.resolved }

func (r *testRefSlice) BindAll(entities []any) {
	r.resolved = true
	r.entities = entities
}

func (r *testRefSlice) Entities() []any { return r.entities }

type GuineaPig struct {
	ID      int64 `capstan:"id"`
	Name    string
	Weight  int64
	Version int64 `capstan:"version"`
}

type Book struct {
	ID    int64 `capstan:"id"`
	Title string
}

type Author struct {
	ID    int64 `capstan:"id"`
	Name  string
	Book  testRef      `capstan:"assoc=Book,column=book_id,cascade=persist"`
	Books testRefSlice `capstan:"assoc=Book,mappedby=author_id"`
}

type Node struct {
	ID   int64   `capstan:"id"`
	Next testRef `capstan:"assoc=Node,column=next_id"`
}

func newTestRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()

	pig, err := metadata.Describe(&GuineaPig{}, "pigs", metadata.WithFilter("adult", ""))
	require.NoError(t, err)
	require.NoError(t, reg.Register(pig))

	book, err := metadata.Describe(&Book{}, "books")
	require.NoError(t, err)
	require.NoError(t, reg.Register(book))

	author, err := metadata.Describe(&Author{}, "authors",
		metadata.WithFetchProfile("author-with-book", "Book"))
	require.NoError(t, err)
	require.NoError(t, reg.Register(author))

	node, err := metadata.Describe(&Node{}, "nodes")
	require.NoError(t, err)
	require.NoError(t, reg.Register(node))

	require.NoError(t, reg.RegisterFilter(&metadata.FilterDef{
		Name:             "adult",
		Parameters:       []string{"minWeight"},
		DefaultCondition: "{t}.weight >= :minWeight",
	}))
	return reg
}

func newTestUOW(t *testing.T, reg *metadata.Registry) (*UnitOfWork, *fakeExecutor) {
	return newTestUOWDialect(t, reg, sqlitedialect.New())
}

func newTestUOWDialect(t *testing.T, reg *metadata.Registry, dialect schema.Dialect) (*UnitOfWork, *fakeExecutor) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	require.NoError(t, err)
	db := bun.NewDB(sqldb, dialect)
	t.Cleanup(func() { _ = db.Close() })

	u := New(db, reg, Config{})
	fake := &fakeExecutor{}
	u.exec = fake
	return u, fake
}

// newPGUOW uses the PostgreSQL dialect so pessimistic lock clauses are
// rendered.
func newPGUOW(t *testing.T, reg *metadata.Registry) (*UnitOfWork, *fakeExecutor) {
	return newTestUOWDialect(t, reg, pgdialect.New())
}

func pigRow(id, weight, version int64, name string) Row {
	return Row{"id": id, "name": name, "weight": weight, "version": version}
}

func authorRow(id int64, name string, bookID any) Row {
	return Row{"id": id, "name": name, "book_id": bookID}
}

func bookRow(id int64, title string) Row {
	return Row{"id": id, "title": title}
}
