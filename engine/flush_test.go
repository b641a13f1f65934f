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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan/types"
)

func TestFlushInsertsTransientEntity(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)

	pig := &GuineaPig{ID: 3, Name: "Aloi", Weight: 900}
	require.NoError(t, u.Persist(pig))
	assert.Equal(t, types.StateManaged, u.EntryOf(pig).State)

	require.NoError(t, u.Flush(context.Background()))
	require.Len(t, fake.execs, 1)
	assert.Equal(t, "INSERT INTO pigs (id, name, weight, version) VALUES (?, ?, ?, ?)", fake.execs[0].SQL)
	assert.Equal(t, []any{int64(3), "Aloi", int64(900), int64(0)}, fake.execs[0].Args)

	// A second flush owes nothing.
	fake.reset()
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
	assert.True(t, u.Contains(pig))
}

func TestFlushInsertsReferencedRowFirst(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)

	book := &Book{ID: 6, Title: "Snow Crash"}
	author := &Author{ID: 5, Name: "Colleen", Book: refTo(book)}

	// Cascade registers the book; registration order puts the author
	// first, the dependency order must not.
	require.NoError(t, u.Persist(author))
	assert.True(t, u.Contains(book))

	require.NoError(t, u.Flush(context.Background()))
	require.Len(t, fake.execs, 2)
	assert.Equal(t, "INSERT INTO books (id, title) VALUES (?, ?)", fake.execs[0].SQL)
	assert.Equal(t, "INSERT INTO authors (id, name, book_id) VALUES (?, ?, ?)", fake.execs[1].SQL)
	assert.Equal(t, []any{int64(5), "Colleen", int64(6)}, fake.execs[1].Args)
}

func TestFlushDependencyCycle(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)

	n1 := &Node{ID: 1}
	n2 := &Node{ID: 2}
	n1.Next = refTo(n2)
	n2.Next = refTo(n1)
	require.NoError(t, u.Persist(n1, n2))

	err := u.Flush(context.Background())
	require.ErrorIs(t, err, ErrDependencyCycle)
}

func TestFlushDirtyUpdateBumpsVersionOnce(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	pig := v.(*GuineaPig)

	// Two attribute changes, one version increment.
	pig.Name = "Zed"
	pig.Weight = 950
	require.NoError(t, u.Flush(context.Background()))

	require.Len(t, fake.execs, 1)
	assert.Equal(t, "UPDATE pigs SET name = ?, weight = ?, version = ? WHERE id = ? AND version = ?", fake.execs[0].SQL)
	assert.Equal(t, []any{"Zed", int64(950), int64(1), int64(3), int64(0)}, fake.execs[0].Args)
	assert.Equal(t, int64(1), pig.Version)

	// The snapshot was reset; flushing again writes nothing.
	fake.reset()
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
}

func TestFlushStaleUpdatePoisonsSession(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	pig := v.(*GuineaPig)

	pig.Name = "Zed"
	fake.execFn = func(stmt *Statement) (int64, error) { return 0, nil }
	err = u.Flush(context.Background())
	require.ErrorIs(t, err, ErrStaleState)

	// Nothing was applied in memory and further flushes are refused.
	assert.Equal(t, int64(0), pig.Version)
	assert.Equal(t, int64(0), u.EntryOf(pig).Version)
	err = u.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable after failed flush")
}

func TestFlushRemoveIssuesVersionedDelete(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 2, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	require.NoError(t, u.Remove(v))

	require.NoError(t, u.Flush(context.Background()))
	require.Len(t, fake.execs, 1)
	assert.Equal(t, "DELETE FROM pigs WHERE id = ? AND version = ?", fake.execs[0].SQL)
	assert.Equal(t, []any{int64(3), int64(2)}, fake.execs[0].Args)
	assert.False(t, u.Contains(v))
}

func TestFlushDeletesReferencingRowsFirst(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	authors, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{
		{authorRow(5, "Colleen", int64(6))},
		{bookRow(6, "Snow Crash")},
	}
	authorV, err := u.Find(context.Background(), authors, 5, LoadOptions{})
	require.NoError(t, err)
	author := authorV.(*Author)
	bookV, err := u.ResolveOne(context.Background(), &author.Book)
	require.NoError(t, err)

	require.NoError(t, u.Remove(bookV))
	require.NoError(t, u.Remove(author))

	fake.reset()
	require.NoError(t, u.Flush(context.Background()))
	require.Len(t, fake.execs, 2)
	assert.Equal(t, "DELETE FROM authors WHERE id = ?", fake.execs[0].SQL)
	assert.Equal(t, "DELETE FROM books WHERE id = ?", fake.execs[1].SQL)
}

func TestFlushDiscardsNeverInsertedRemoval(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)

	pig := &GuineaPig{ID: 3, Name: "Aloi"}
	require.NoError(t, u.Persist(pig))
	require.NoError(t, u.Remove(pig))

	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
	assert.False(t, u.Contains(pig))
}

func TestFlushPersistCancelsPendingRemoval(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)

	require.NoError(t, u.Remove(v))
	require.NoError(t, u.Persist(v))

	fake.reset()
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
	assert.True(t, u.Contains(v))
}

func TestFlushSkipsReadOnlyChanges(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	pig := v.(*GuineaPig)

	u.SetReadOnly(pig, true)
	pig.Name = "Zed"
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)

	// Lifting the flag makes the change visible to the next flush.
	u.SetReadOnly(pig, false)
	require.NoError(t, u.Flush(context.Background()))
	require.Len(t, fake.execs, 1)
}

func TestFlushWritesRebindingOfForeignKey(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	authors, err := reg.Describe("Author")
	require.NoError(t, err)
	books, err := reg.Describe("Book")
	require.NoError(t, err)

	fake.queryResults = []RowSet{
		{authorRow(5, "Colleen", int64(6))},
		{bookRow(7, "Anathem")},
	}
	authorV, err := u.Find(context.Background(), authors, 5, LoadOptions{})
	require.NoError(t, err)
	author := authorV.(*Author)
	otherV, err := u.Find(context.Background(), books, 7, LoadOptions{})
	require.NoError(t, err)

	author.Book = refTo(otherV)
	fake.reset()
	require.NoError(t, u.Flush(context.Background()))

	require.Len(t, fake.execs, 1)
	assert.Equal(t, "UPDATE authors SET name = ?, book_id = ? WHERE id = ?", fake.execs[0].SQL)
	assert.Equal(t, []any{"Colleen", int64(7), int64(5)}, fake.execs[0].Args)
}

func TestFlushGroupsSameTemplateStatements(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, u.Persist(&GuineaPig{ID: i, Name: "p", Weight: i}))
	}
	require.NoError(t, u.Flush(context.Background()))

	require.Len(t, fake.execs, 5)
	for _, stmt := range fake.execs {
		assert.Equal(t, fake.execs[0].SQL, stmt.SQL)
	}
}

func TestFlushBatchSizeCapsRuns(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	u.cfg = Config{MaxBatchSize: 2}

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, u.Persist(&GuineaPig{ID: i, Name: "p", Weight: i}))
	}
	// Grouping is a send-side concern; every row still goes out exactly
	// once regardless of the cap.
	require.NoError(t, u.Flush(context.Background()))
	assert.Len(t, fake.execs, 5)
}

func TestClearForgetsPendingChanges(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)

	require.NoError(t, u.Persist(&GuineaPig{ID: 3, Name: "Aloi"}))
	u.Clear()
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
}

func TestClosedSessionRefusesWork(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	require.NoError(t, u.Close())
	require.ErrorIs(t, u.Persist(&GuineaPig{ID: 1}), ErrSessionClosed)
	_, err = u.Find(context.Background(), desc, 1, LoadOptions{})
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, u.Flush(context.Background()), ErrSessionClosed)
}

func TestRemoveUnmanagedInstanceFails(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)

	err := u.Remove(&GuineaPig{ID: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not managed")
}

func TestDetachStopsAutomaticWrites(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	pig := v.(*GuineaPig)

	u.Detach(pig)
	pig.Name = "Zed"
	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, fake.execs)
	assert.False(t, u.Contains(pig))
	assert.Equal(t, types.LockNone, u.LockModeOf(pig))
}
