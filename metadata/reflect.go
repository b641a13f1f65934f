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

package metadata

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// DescribeOption customizes a descriptor built by Describe.
type DescribeOption func(*EntityDescriptor)

// WithName overrides the entity name (defaults to the struct type name).
func WithName(name string) DescribeOption {
	return func(d *EntityDescriptor) { d.Name = name }
}

// WithFilter attaches a named filter to the entity. An empty condition
// uses the filter definition's default condition.
func WithFilter(name, condition string) DescribeOption {
	return func(d *EntityDescriptor) {
		d.Filters = append(d.Filters, EntityFilter{Name: name, Condition: condition})
	}
}

// WithFetchProfile declares a named eager-fetch profile for the entity.
func WithFetchProfile(name string, associations ...string) DescribeOption {
	return func(d *EntityDescriptor) {
		d.FetchProfiles = append(d.FetchProfiles, FetchProfile{Name: name, Associations: associations})
	}
}

var markerType = reflect.TypeOf((*Marker)(nil)).Elem()
var sliceMarkerType = reflect.TypeOf((*SliceMarker)(nil)).Elem()

// Describe builds an entity descriptor from a tagged struct. The argument
// must be a struct pointer; only the type is inspected.
//
// Tag grammar (key "capstan"): "id", "version", "column=name",
// "assoc=Entity" with options "column=fk", "mappedby=fk", "eager",
// "cascade=persist|remove|refresh", and "-" to skip a field. Untagged
// exported scalar fields map to a snake_case column of the field name.
func Describe(entity any, table string, opts ...DescribeOption) (*EntityDescriptor, error) {
	t := reflect.TypeOf(entity)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("metadata: %T is not a struct", entity)
	}

	d := &EntityDescriptor{Name: t.Name(), Table: table, Type: t}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("capstan")
		if tag == "-" {
			continue
		}
		parts := splitTag(tag)

		if reflect.PointerTo(f.Type).Implements(markerType) {
			assoc, err := buildAssociation(f, i, parts)
			if err != nil {
				return nil, fmt.Errorf("metadata: %s.%s: %w", d.Name, f.Name, err)
			}
			d.Associations = append(d.Associations, *assoc)
			continue
		}

		attr := Attribute{Name: f.Name, Column: snakeCase(f.Name), Index: i}
		var id, version bool
		for _, p := range parts {
			switch {
			case p == "id":
				id = true
			case p == "version":
				version = true
			case strings.HasPrefix(p, "column="):
				attr.Column = strings.TrimPrefix(p, "column=")
			case p == "":
			default:
				return nil, fmt.Errorf("metadata: %s.%s: unknown tag option %q", d.Name, f.Name, p)
			}
		}
		switch {
		case id:
			d.ID = attr
		case version:
			switch f.Type.Kind() {
			case reflect.Int, reflect.Int32, reflect.Int64:
			default:
				return nil, fmt.Errorf("metadata: %s.%s: version attribute must be an integer", d.Name, f.Name)
			}
			v := attr
			d.Version = &v
		default:
			d.Attributes = append(d.Attributes, attr)
		}
	}

	if d.ID.Column == "" {
		return nil, fmt.Errorf("metadata: entity %s has no identifier attribute", d.Name)
	}

	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func buildAssociation(f reflect.StructField, index int, parts []string) (*Association, error) {
	a := &Association{
		Name:       f.Name,
		Index:      index,
		Timing:     FetchLazy,
		Owning:     true,
		Collection: reflect.PointerTo(f.Type).Implements(sliceMarkerType),
	}
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "assoc="):
			a.Target = strings.TrimPrefix(p, "assoc=")
		case strings.HasPrefix(p, "column="):
			a.Column = strings.TrimPrefix(p, "column=")
		case strings.HasPrefix(p, "mappedby="):
			a.MappedBy = strings.TrimPrefix(p, "mappedby=")
			a.Owning = false
		case p == "eager":
			a.Timing = FetchEager
		case strings.HasPrefix(p, "cascade="):
			for _, c := range strings.Split(strings.TrimPrefix(p, "cascade="), "|") {
				switch c {
				case "persist":
					a.Cascades |= CascadePersist
				case "remove":
					a.Cascades |= CascadeRemove
				case "refresh":
					a.Cascades |= CascadeRefresh
				default:
					return nil, fmt.Errorf("unknown cascade %q", c)
				}
			}
		case p == "":
		default:
			return nil, fmt.Errorf("unknown tag option %q", p)
		}
	}
	if a.Target == "" {
		return nil, fmt.Errorf("association needs assoc=<entity>")
	}
	if a.Collection && a.MappedBy == "" {
		return nil, fmt.Errorf("collection association needs mappedby=<column>")
	}
	if !a.Collection && a.Column == "" {
		a.Column = snakeCase(f.Name) + "_id"
	}
	return a, nil
}

func splitTag(tag string) []string {
	if tag == "" {
		return nil
	}
	return strings.Split(tag, ",")
}

func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Break before an upper rune unless it continues an acronym run.
			if i > 0 && (!unicode.IsUpper(runes[i-1]) ||
				(i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
