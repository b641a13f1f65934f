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

package types

// Criteria describes a WHERE clause fragment and its argument values.
// The schema uses positional placeholders understood by the dialect.
type Criteria struct {
	Schema string
	Args   []interface{}
}

// NewCriteria creates query criteria with schema and args.
func NewCriteria(schema string, args ...interface{}) *Criteria {
	return &Criteria{schema, args}
}

// PageRequest describes pagination, optional criteria, and ordering for
// stateless queries.
type PageRequest struct {
	page     int
	pageSize int
	criteria *Criteria
	orders   []string // "id ASC", "name DESC"
}

func (p *PageRequest) GetPageSize() int {
	if p.pageSize < 1 {
		p.pageSize = 10
	}
	return p.pageSize
}

func (p *PageRequest) GetPage() int {
	if p.page < 1 {
		p.page = 1
	}
	return p.page
}

func (p *PageRequest) GetOffset() int {
	return (p.GetPage() - 1) * p.GetPageSize()
}

func (p *PageRequest) GetCriteria() *Criteria {
	return p.criteria
}

func (p *PageRequest) GetOrders() []string {
	return p.orders
}

// NewPageRequest constructs a PageRequest with criteria and order settings.
func NewPageRequest(page int, pageSize int, criteria *Criteria, orders []string) *PageRequest {
	return &PageRequest{page, pageSize, criteria, orders}
}

// NewDefaultPageRequest constructs a PageRequest with no criteria or ordering.
func NewDefaultPageRequest(page int, pageSize int) *PageRequest {
	return NewPageRequest(page, pageSize, nil, make([]string, 0))
}

// Pagination holds paged result items along with pagination metadata.
type Pagination[T any] struct {
	Page     int
	PageSize int
	Total    int
	Items    []*T
}

// NewDefaultPagination constructs an empty pagination container.
func NewDefaultPagination[T any](page int, pageSize int) *Pagination[T] {
	return &Pagination[T]{page, pageSize, 0, make([]*T, 0)}
}
