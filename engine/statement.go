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

	"github.com/uptrace/bun"

	"github.com/capstan-io/capstan/database"
)

// Statement is one parameterized SQL statement. SQL is the template used
// for batch grouping: two statements with equal SQL differ only in Args.
type Statement struct {
	SQL  string
	Args []any
}

func (s *Statement) String() string { return s.SQL }

// Row is one result row keyed by (possibly aliased) column name.
type Row map[string]any

// RowSet is an ordered collection of result rows.
type RowSet []Row

// Executor runs statements against the database. Implementations must be
// safe to call concurrently across independent sessions; one session only
// ever issues statements sequentially.
type Executor interface {
	Query(ctx context.Context, stmt *Statement) (RowSet, error)
	Exec(ctx context.Context, stmt *Statement) (int64, error)
}

// Compiler translates a declarative query string into a statement. The
// session post-processes compiled statements, splicing in enabled filter
// predicates and lock hints before execution.
type Compiler interface {
	Compile(query string, bindings map[string]any) (*Statement, error)
}

type dbExecutor struct {
	db bun.IDB
}

// NewExecutor returns an Executor backed by a Bun database or transaction.
// Placeholder rewriting and query hooks (debug, slow query) are inherited
// from Bun.
func NewExecutor(db bun.IDB) Executor {
	return &dbExecutor{db: db}
}

func (e *dbExecutor) Query(ctx context.Context, stmt *Statement) (RowSet, error) {
	rows, err := e.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out RowSet
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			v := raw[i]
			// Drivers disagree on text columns; normalize to string.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (e *dbExecutor) Exec(ctx context.Context, stmt *Statement) (int64, error) {
	res, err := e.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, classifyErr(err)
	}
	return res.RowsAffected()
}

// classifyErr tags recognized driver errors with their database error
// class, so callers can match the category without dialect-specific
// checks. The original driver error stays reachable through errors.As.
func classifyErr(err error) error {
	if is, class := database.IsSqlError(err); is && class != database.UnknownErr {
		return fmt.Errorf("%s: %w", class, err)
	}
	return err
}

type templateCompiler struct{}

// NewCompiler returns the default query compiler. It understands
// :name placeholders, replacing each with a positional placeholder bound
// from the bindings map.
func NewCompiler() Compiler {
	return templateCompiler{}
}

func (templateCompiler) Compile(query string, bindings map[string]any) (*Statement, error) {
	var (
		sql  strings.Builder
		args []any
	)
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != ':' || i+1 >= len(query) || !isIdentByte(query[i+1]) {
			sql.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && isIdentByte(query[j]) {
			j++
		}
		name := query[i+1 : j]
		v, ok := bindings[name]
		if !ok {
			return nil, fmt.Errorf("engine: unbound query parameter :%s", name)
		}
		sql.WriteByte('?')
		args = append(args, v)
		i = j - 1
	}
	return &Statement{SQL: sql.String(), Args: args}, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
