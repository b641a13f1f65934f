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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan/types"
)

func TestFindMaterializesRow(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, v)

	pig := v.(*GuineaPig)
	assert.Equal(t, int64(3), pig.ID)
	assert.Equal(t, "Aloi", pig.Name)
	assert.Equal(t, int64(900), pig.Weight)
	assert.True(t, u.Contains(pig))
	assert.Equal(t, types.LockRead, u.LockModeOf(pig))
}

func TestFindNotFoundReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	v, err := u.Find(context.Background(), desc, 404, LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFindIdentityMapWinsOverDatabase(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	first, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)

	// The second lookup with an equivalent key of a different integer
	// width must not touch the database.
	second, err := u.Find(context.Background(), desc, int32(3), LoadOptions{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, fake.queries, 1)
}

func TestFindRemovedReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	require.NoError(t, u.Remove(v))

	again, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, fake.queries, 1)
}

func TestFindSeedsLazyReference(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{authorRow(5, "Colleen", int64(6))}}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)

	author := v.(*Author)
	assert.False(t, author.Book.Resolved())
	assert.Equal(t, "Book", author.Book.TargetEntity())
	assert.Equal(t, int64(6), author.Book.Key())
	// One select only; the reference stays cold until resolved.
	assert.Len(t, fake.queries, 1)
}

func TestResolveOneLoadsTarget(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{
		{authorRow(5, "Colleen", int64(6))},
		{bookRow(6, "Snow Crash")},
	}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)
	author := v.(*Author)

	bookV, err := u.ResolveOne(context.Background(), &author.Book)
	require.NoError(t, err)
	book := bookV.(*Book)
	assert.Equal(t, "Snow Crash", book.Title)
	assert.True(t, author.Book.Resolved())
	assert.True(t, u.Contains(book))

	// Resolving again is free.
	fake.reset()
	again, err := u.ResolveOne(context.Background(), &author.Book)
	require.NoError(t, err)
	assert.Same(t, book, again.(*Book))
	assert.Empty(t, fake.queries)
}

func TestResolveOneHitsIdentityMap(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	books, err := reg.Describe("Book")
	require.NoError(t, err)
	authors, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{
		{bookRow(6, "Snow Crash")},
		{authorRow(5, "Colleen", int64(6))},
	}
	bookV, err := u.Find(context.Background(), books, 6, LoadOptions{})
	require.NoError(t, err)
	authorV, err := u.Find(context.Background(), authors, 5, LoadOptions{})
	require.NoError(t, err)
	author := authorV.(*Author)

	fake.reset()
	resolved, err := u.ResolveOne(context.Background(), &author.Book)
	require.NoError(t, err)
	assert.Same(t, bookV, resolved)
	assert.Empty(t, fake.queries)
}

func TestResolveOneMissingRowLeavesMarkerUnresolved(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{authorRow(5, "Colleen", int64(666))}}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)
	author := v.(*Author)

	_, err = u.ResolveOne(context.Background(), &author.Book)
	require.ErrorIs(t, err, ErrAssociationNotFound)
	assert.False(t, author.Book.Resolved())
}

func TestResolveManySelectsByForeignKey(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{
		{authorRow(5, "Colleen", nil)},
		{bookRow(6, "Snow Crash"), bookRow(7, "Anathem")},
	}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)
	author := v.(*Author)

	books, err := u.ResolveMany(context.Background(), &author.Books)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Contains(t, fake.queries[1].SQL, "books.author_id = ?")
	assert.Equal(t, []any{int64(5)}, fake.queries[1].Args)
	assert.True(t, author.Books.Resolved())
	assert.True(t, u.Contains(books[0]))
}

func TestNullForeignKeyResolvesToNothing(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{authorRow(5, "Colleen", nil)}}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)
	author := v.(*Author)

	assert.True(t, author.Book.Resolved())
	fake.reset()
	resolved, err := u.ResolveOne(context.Background(), &author.Book)
	require.NoError(t, err)
	assert.Nil(t, resolved)
	assert.Empty(t, fake.queries)
}

func TestFetchOverrideJoinsToOne(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{Row{
		"t0_id": int64(5), "t0_name": "Colleen", "t0_book_id": int64(6),
		"t1_id": int64(6), "t1_title": "Snow Crash",
	}}}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{Fetch: []string{"Book"}})
	require.NoError(t, err)
	author := v.(*Author)

	require.Len(t, fake.queries, 1)
	sql := fake.queries[0].SQL
	assert.Contains(t, sql, "LEFT JOIN books AS t1 ON t0.book_id = t1.id")
	assert.Contains(t, sql, "FROM authors AS t0")

	assert.True(t, author.Book.Resolved())
	book := author.Book.Entity().(*Book)
	assert.Equal(t, "Snow Crash", book.Title)
	assert.True(t, u.Contains(book))
}

func TestFetchProfileAppliesWhileEnabled(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	u.EnableFetchProfile("author-with-book")
	fake.queryResults = []RowSet{{Row{
		"t0_id": int64(5), "t0_name": "Colleen", "t0_book_id": int64(6),
		"t1_id": int64(6), "t1_title": "Snow Crash",
	}}}
	v, err := u.Find(context.Background(), desc, 5, LoadOptions{})
	require.NoError(t, err)
	assert.True(t, v.(*Author).Book.Resolved())

	u.DisableFetchProfile("author-with-book")
	fake.reset()
	fake.queryResults = []RowSet{{authorRow(7, "Neal", int64(6))}}
	v, err = u.Find(context.Background(), desc, 7, LoadOptions{})
	require.NoError(t, err)
	assert.False(t, strings.Contains(fake.queries[0].SQL, "LEFT JOIN"))
	// The join target is already managed, so even a lazy reference to it
	// could be resolved without I/O; the marker itself stays cold.
	assert.False(t, v.(*Author).Book.Resolved())
}

func TestUnknownFetchOverrideFails(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	_, err = u.Find(context.Background(), desc, 5, LoadOptions{Fetch: []string{"Publisher"}})
	require.Error(t, err)
}

func TestSelectAppliesEnabledFilters(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	u.EnableFilter("adult").SetParameter("minWeight", 800)
	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	out, err := u.Select(context.Background(), desc, nil, types.LockNone)
	require.NoError(t, err)
	require.Len(t, out, 1)

	sql := fake.queries[0].SQL
	assert.Contains(t, sql, "(pigs.weight >= ?)")
	assert.Equal(t, []any{800}, fake.queries[0].Args)
}

func TestFilterMissingParameterFailsAtApplication(t *testing.T) {
	reg := newTestRegistry(t)
	u, _ := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	u.EnableFilter("adult")
	_, err = u.Select(context.Background(), desc, nil, types.LockNone)
	require.ErrorIs(t, err, ErrMissingFilterParameter)
}

func TestFilterScopedToOneSession(t *testing.T) {
	reg := newTestRegistry(t)
	u1, fake1 := newTestUOW(t, reg)
	u2, fake2 := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	u1.EnableFilter("adult").SetParameter("minWeight", 800)
	_, err = u1.Select(context.Background(), desc, nil, types.LockNone)
	require.NoError(t, err)
	_, err = u2.Select(context.Background(), desc, nil, types.LockNone)
	require.NoError(t, err)

	assert.Contains(t, fake1.queries[0].SQL, "weight >= ?")
	assert.NotContains(t, fake2.queries[0].SQL, "weight")
}

func TestDisableFilterDropsPredicate(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	u.EnableFilter("adult").SetParameter("minWeight", 800)
	u.DisableFilter("adult")
	_, err = u.Select(context.Background(), desc, nil, types.LockNone)
	require.NoError(t, err)
	assert.NotContains(t, fake.queries[0].SQL, "weight")
}

func TestFilterAppliesToJoinTarget(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("Author")
	require.NoError(t, err)

	// "adult" is attached to GuineaPig only, so neither the root select
	// nor the Book join may pick it up.
	u.EnableFilter("adult").SetParameter("minWeight", 800)
	fake.queryResults = []RowSet{{Row{
		"t0_id": int64(5), "t0_name": "Colleen", "t0_book_id": nil,
	}}}
	_, err = u.Find(context.Background(), desc, 5, LoadOptions{Fetch: []string{"Book"}})
	require.NoError(t, err)
	// Book carries no "adult" filter, so the join stays clean.
	assert.NotContains(t, fake.queries[0].SQL, "weight")
}

func TestSelectCompiledBindsNamedParameters(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	out, err := u.SelectCompiled(context.Background(), desc,
		"{t}.weight >= :min AND {t}.name <> :name",
		map[string]any{"min": 800, "name": "Pim"}, types.LockNone)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Contains(t, fake.queries[0].SQL, "pigs.weight >= ? AND pigs.name <> ?")
	assert.Equal(t, []any{800, "Pim"}, fake.queries[0].Args)

	_, err = u.SelectCompiled(context.Background(), desc,
		"{t}.weight >= :min", nil, types.LockNone)
	require.Error(t, err)
}

func TestRefreshOverwritesLocalChanges(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 2, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)
	pig := v.(*GuineaPig)

	pig.Name = "Zed"
	fake.queryResults = []RowSet{{pigRow(3, 950, 3, "Aloi")}}
	require.NoError(t, u.Refresh(context.Background(), pig, types.LockNone))

	assert.Equal(t, "Aloi", pig.Name)
	assert.Equal(t, int64(950), pig.Weight)
	assert.Equal(t, int64(3), pig.Version)
	assert.False(t, u.ids.Dirty(u.EntryOf(pig)))
}

func TestRefreshVanishedRowIsStale(t *testing.T) {
	reg := newTestRegistry(t)
	u, fake := newTestUOW(t, reg)
	desc, err := reg.Describe("GuineaPig")
	require.NoError(t, err)

	fake.queryResults = []RowSet{{pigRow(3, 900, 0, "Aloi")}}
	v, err := u.Find(context.Background(), desc, 3, LoadOptions{})
	require.NoError(t, err)

	err = u.Refresh(context.Background(), v, types.LockNone)
	require.ErrorIs(t, err, ErrStaleState)
}
