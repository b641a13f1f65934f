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
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan/database"
)

func TestCompileNamedParameters(t *testing.T) {
	stmt, err := NewCompiler().Compile(
		"weight >= :minWeight AND name <> :minWeightOwner",
		map[string]any{"minWeight": 800, "minWeightOwner": "x"})
	require.NoError(t, err)
	assert.Equal(t, "weight >= ? AND name <> ?", stmt.SQL)
	assert.Equal(t, []any{800, "x"}, stmt.Args)
}

func TestCompileRepeatedParameter(t *testing.T) {
	stmt, err := NewCompiler().Compile(
		"a = :v OR b = :v", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, "a = ? OR b = ?", stmt.SQL)
	assert.Equal(t, []any{1, 1}, stmt.Args)
}

func TestCompileUnboundParameter(t *testing.T) {
	_, err := NewCompiler().Compile("a = :missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":missing")
}

func TestClassifyErrTagsDriverErrors(t *testing.T) {
	driverErr := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '3' for key 'PRIMARY'"}
	err := classifyErr(driverErr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")

	// The driver error stays reachable for callers that want the code.
	var unwrapped *mysql.MySQLError
	require.True(t, errors.As(err, &unwrapped))
	assert.Equal(t, uint16(1062), unwrapped.Number)

	is, class := database.IsSqlError(err)
	assert.True(t, is)
	assert.Equal(t, database.DuplicateKeyErr, class)
}

func TestClassifyErrPassesUnknownErrorsThrough(t *testing.T) {
	plain := errors.New("context deadline exceeded")
	assert.Same(t, plain, classifyErr(plain))
}
