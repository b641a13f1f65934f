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

	"github.com/capstan-io/capstan/metadata"
)

// fetchPlan is the set of associations one load materializes eagerly:
// declared-eager associations, enabled fetch profiles, and per-call
// overrides, merged before the load statement is built.
type fetchPlan struct {
	eager map[string]bool
}

// fetchPlanFor merges the entity's declared fetch timing, the session's
// enabled fetch profiles, and the per-call association list.
func (u *UnitOfWork) fetchPlanFor(desc *metadata.EntityDescriptor, extra []string) (*fetchPlan, error) {
	plan := &fetchPlan{eager: make(map[string]bool)}
	for _, assoc := range desc.Associations {
		if assoc.Timing == metadata.FetchEager {
			plan.eager[assoc.Name] = true
		}
	}
	for _, profile := range desc.FetchProfiles {
		if !u.profiles[profile.Name] {
			continue
		}
		for _, name := range profile.Associations {
			if desc.Association(name) == nil {
				return nil, fmt.Errorf("engine: fetch profile %q names unknown association %s.%s", profile.Name, desc.Name, name)
			}
			plan.eager[name] = true
		}
	}
	for _, name := range extra {
		if desc.Association(name) == nil {
			return nil, fmt.Errorf("engine: unknown association %s.%s in fetch override", desc.Name, name)
		}
		plan.eager[name] = true
	}
	return plan, nil
}

// toOne returns the eagerly fetched to-one associations in declaration
// order; these become LEFT JOINs of the load statement.
func (p *fetchPlan) toOne(desc *metadata.EntityDescriptor) []*metadata.Association {
	if p == nil {
		return nil
	}
	var out []*metadata.Association
	for i := range desc.Associations {
		a := &desc.Associations[i]
		if !a.Collection && p.eager[a.Name] {
			out = append(out, a)
		}
	}
	return out
}

// collections returns the eagerly fetched to-many associations; these are
// resolved with a follow-up select inside the same load operation, so the
// caller still observes them pre-resolved.
func (p *fetchPlan) collections(desc *metadata.EntityDescriptor) []string {
	if p == nil {
		return nil
	}
	var out []string
	for i := range desc.Associations {
		a := &desc.Associations[i]
		if a.Collection && p.eager[a.Name] {
			out = append(out, a.Name)
		}
	}
	return out
}
