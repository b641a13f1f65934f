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
	"fmt"
	"strings"

	"github.com/capstan-io/capstan/metadata"
)

// FilterHandle is a named filter activation on one session. Parameters are
// checked when the filter is applied to a statement, not when it is set.
type FilterHandle struct {
	name   string
	params map[string]any
}

// SetParameter binds a filter parameter, returning the handle for chaining.
func (h *FilterHandle) SetParameter(name string, value any) *FilterHandle {
	h.params[name] = value
	return h
}

// Name returns the filter name.
func (h *FilterHandle) Name() string { return h.name }

// filterSet holds the filter activations of one session, in enable order.
type filterSet struct {
	order   []string
	enabled map[string]*FilterHandle
}

func newFilterSet() *filterSet {
	return &filterSet{enabled: make(map[string]*FilterHandle)}
}

func (s *filterSet) enable(name string) *FilterHandle {
	if h, ok := s.enabled[name]; ok {
		return h
	}
	h := &FilterHandle{name: name, params: make(map[string]any)}
	s.enabled[name] = h
	s.order = append(s.order, name)
	return h
}

func (s *filterSet) disable(name string) {
	if _, ok := s.enabled[name]; !ok {
		return
	}
	delete(s.enabled, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// apply collects the predicates of every enabled filter attached to the
// entity, compiled against the given table alias. Conditions compose
// conjunctively. The token {t} in a condition stands for the alias.
func (s *filterSet) apply(reg *metadata.Registry, desc *metadata.EntityDescriptor, alias string) ([]string, []any, error) {
	var (
		conds []string
		args  []any
	)
	for _, name := range s.order {
		attached := desc.Filter(name)
		if attached == nil {
			continue
		}
		def, err := reg.FilterDef(name)
		if err != nil {
			return nil, nil, err
		}
		cond := attached.Condition
		if cond == "" {
			cond = def.DefaultCondition
		}
		if cond == "" {
			return nil, nil, fmt.Errorf("engine: filter %q has no condition for entity %s", name, desc.Name)
		}
		cond = strings.ReplaceAll(cond, "{t}", alias)

		handle := s.enabled[name]
		bindings := make(map[string]any, len(handle.params))
		for _, p := range def.Parameters {
			v, ok := handle.params[p]
			if !ok {
				return nil, nil, fmt.Errorf("%w: filter %q parameter %q", ErrMissingFilterParameter, name, p)
			}
			bindings[p] = v
		}
		stmt, err := NewCompiler().Compile(cond, bindings)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: filter %q: %w", name, err)
		}
		conds = append(conds, "("+stmt.SQL+")")
		args = append(args, stmt.Args...)
	}
	return conds, args, nil
}
