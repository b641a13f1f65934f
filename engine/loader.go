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
	"math"
	"strings"

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

// LoadOptions augment one load operation.
type LoadOptions struct {
	Lock types.LockMode

	// Fetch lists associations to load eagerly for this call only, on
	// top of declared eager associations and enabled fetch profiles.
	Fetch []string
}

// Find loads the entity with the given identifier, going through the
// identity map first: an already-managed instance is returned without
// touching the database. A nil entity with nil error means not found.
func (u *UnitOfWork) Find(ctx context.Context, desc *metadata.EntityDescriptor, id any, opts LoadOptions) (any, error) {
	if err := u.active(); err != nil {
		return nil, err
	}
	id = normalizeKey(id)

	if e := u.ids.Lookup(desc, id); e != nil {
		if e.State == types.StateRemoved {
			return nil, nil
		}
		if opts.Lock != types.LockNone && opts.Lock.StrongerThan(e.EffectiveLock) {
			if err := u.lockEntry(ctx, e, opts.Lock); err != nil {
				return nil, err
			}
		}
		return e.Entity, nil
	}

	plan, err := u.fetchPlanFor(desc, opts.Fetch)
	if err != nil {
		return nil, err
	}
	e, err := u.loadEntry(ctx, desc, id, opts.Lock, plan)
	if err != nil || e == nil {
		return nil, err
	}
	return e.Entity, nil
}

// Refresh re-reads the row backing a managed instance, overwriting every
// persistent attribute and resetting the dirty-check snapshot. An
// optional lock mode is applied with the reload.
func (u *UnitOfWork) Refresh(ctx context.Context, entity any, mode types.LockMode) error {
	if err := u.active(); err != nil {
		return err
	}
	e := u.ids.LookupEntity(entity)
	if e == nil {
		desc, err := u.reg.DescribeEntity(entity)
		if err != nil {
			return err
		}
		return fmt.Errorf("engine: cannot refresh %s instance not managed by this session", desc.Name)
	}

	stmt, err := u.buildSelect(e.Desc, &types.Criteria{
		Schema: e.Desc.Table + "." + e.Desc.ID.Column + " = ?",
		Args:   []any{e.ID},
	}, mode)
	if err != nil {
		return err
	}
	rows, err := u.exec.Query(ctx, stmt)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s #%v vanished during refresh", ErrStaleState, e.Desc.Name, e.ID)
	}
	if err := populate(e.Desc, e.Entity, rows[0], ""); err != nil {
		return err
	}
	e.Version = rowVersion(e.Desc, rows[0], "")
	u.ids.Snapshot(e)
	if mode != types.LockNone {
		e.RequestedLock = mode
		e.EffectiveLock = mode
	}
	return nil
}

// loadEntry issues the select for one identifier and registers the result.
func (u *UnitOfWork) loadEntry(ctx context.Context, desc *metadata.EntityDescriptor, id any, mode types.LockMode, plan *fetchPlan) (*Entry, error) {
	stmt, joined, err := u.buildFetchSelect(desc, id, mode, plan)
	if err != nil {
		return nil, err
	}
	rows, err := u.exec.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]

	prefix := ""
	if len(joined) > 0 {
		prefix = "t0_"
	}
	entity := desc.New()
	if err := populate(desc, entity, row, prefix); err != nil {
		return nil, err
	}
	e, err := u.registerLoaded(desc, id, entity, rowVersion(desc, row, prefix))
	if err != nil {
		return nil, err
	}

	for i, assoc := range joined {
		if err := u.bindJoined(e, assoc, row, fmt.Sprintf("t%d_", i+1)); err != nil {
			return nil, err
		}
	}
	if plan != nil {
		for _, name := range plan.collections(desc) {
			assoc := desc.Association(name)
			marker, ok := desc.MarkerAt(entity, assoc).(metadata.SliceMarker)
			if !ok {
				continue
			}
			if _, err := u.ResolveMany(ctx, marker); err != nil {
				return nil, err
			}
		}
	}

	if err := u.applyLoadLock(ctx, e, mode); err != nil {
		return nil, err
	}
	return e, nil
}

// registerLoaded registers a freshly materialized instance, or returns the
// already-managed one for the same identity (the loaded copy is dropped).
func (u *UnitOfWork) registerLoaded(desc *metadata.EntityDescriptor, id any, entity any, version int64) (*Entry, error) {
	if existing := u.ids.Lookup(desc, id); existing != nil {
		return existing, nil
	}
	e, err := u.ids.Register(desc, id, entity)
	if err != nil {
		return nil, err
	}
	e.inserted = true
	e.Version = version
	e.RequestedLock = types.LockNone
	e.EffectiveLock = types.LockRead
	u.ids.Snapshot(e)
	if err := u.ids.Transition(e, EventLoadComplete); err != nil {
		return nil, err
	}
	return e, nil
}

// populate writes row values into the instance and seeds lazy markers for
// every association that was not part of the join.
func populate(desc *metadata.EntityDescriptor, entity any, row Row, prefix string) error {
	if err := desc.SetValue(entity, desc.ID, row[prefix+desc.ID.Column]); err != nil {
		return err
	}
	for _, attr := range desc.Attributes {
		if err := desc.SetValue(entity, attr, row[prefix+attr.Column]); err != nil {
			return err
		}
	}
	if desc.HasVersion() {
		desc.SetVersion(entity, rowVersion(desc, row, prefix))
	}
	for i := range desc.Associations {
		assoc := &desc.Associations[i]
		marker := desc.MarkerAt(entity, assoc)
		if marker == nil {
			continue
		}
		if assoc.Collection {
			if sm, ok := marker.(metadata.SliceMarker); ok {
				sm.SeedCollection(assoc.Target, assoc.MappedBy, normalizeKey(row[prefix+desc.ID.Column]))
			}
			continue
		}
		fk := row[prefix+assoc.Column]
		if fk == nil {
			// Null foreign key: the association is resolved to nothing.
			if sm, ok := marker.(metadata.SingleMarker); ok {
				sm.Seed(assoc.Target, nil)
				sm.Bind(nil)
			}
			continue
		}
		marker.Seed(assoc.Target, normalizeKey(fk))
	}
	return nil
}

// bindJoined materializes one eagerly joined to-one target from the same
// row and pre-resolves the owning marker.
func (u *UnitOfWork) bindJoined(owner *Entry, assoc *metadata.Association, row Row, prefix string) error {
	marker, ok := owner.Desc.MarkerAt(owner.Entity, assoc).(metadata.SingleMarker)
	if !ok {
		return nil
	}
	target, err := u.reg.Describe(assoc.Target)
	if err != nil {
		return err
	}
	rawID := row[prefix+target.ID.Column]
	if rawID == nil {
		marker.Bind(nil)
		return nil
	}
	id := normalizeKey(rawID)
	if existing := u.ids.Lookup(target, id); existing != nil {
		marker.Seed(assoc.Target, id)
		marker.Bind(existing.Entity)
		return nil
	}
	entity := target.New()
	if err := populate(target, entity, row, prefix); err != nil {
		return err
	}
	if _, err := u.registerLoaded(target, id, entity, rowVersion(target, row, prefix)); err != nil {
		return err
	}
	marker.Seed(assoc.Target, id)
	marker.Bind(entity)
	return nil
}

// buildFetchSelect builds the load statement for one identifier,
// including eager joins, enabled filters, and the lock clause. It returns
// the joined to-one associations in alias order (t1, t2, ...).
func (u *UnitOfWork) buildFetchSelect(desc *metadata.EntityDescriptor, id any, mode types.LockMode, plan *fetchPlan) (*Statement, []*metadata.Association, error) {
	joined := plan.toOne(desc)
	if len(joined) == 0 {
		stmt, err := u.buildSelect(desc, &types.Criteria{
			Schema: desc.Table + "." + desc.ID.Column + " = ?",
			Args:   []any{id},
		}, mode)
		return stmt, nil, err
	}

	var (
		cols  []string
		from  strings.Builder
		args  []any
		where []string
	)
	cols = append(cols, aliasedColumns(desc, "t0", "t0_")...)
	from.WriteString(desc.Table + " AS t0")

	for i, assoc := range joined {
		target, err := u.reg.Describe(assoc.Target)
		if err != nil {
			return nil, nil, err
		}
		alias := fmt.Sprintf("t%d", i+1)
		cols = append(cols, aliasedColumns(target, alias, alias+"_")...)

		on := []string{fmt.Sprintf("t0.%s = %s.%s", assoc.Column, alias, target.ID.Column)}
		conds, condArgs, err := u.filters.apply(u.reg, target, alias)
		if err != nil {
			return nil, nil, err
		}
		on = append(on, conds...)
		args = append(args, condArgs...)
		from.WriteString(" LEFT JOIN " + target.Table + " AS " + alias + " ON " + strings.Join(on, " AND "))
	}

	where = append(where, "t0."+desc.ID.Column+" = ?")
	args = append(args, id)
	conds, condArgs, err := u.filters.apply(u.reg, desc, "t0")
	if err != nil {
		return nil, nil, err
	}
	where = append(where, conds...)
	args = append(args, condArgs...)

	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + from.String() +
		" WHERE " + strings.Join(where, " AND ")
	if clause := u.lockClause(mode); clause != "" {
		sql += " " + clause
	}
	return &Statement{SQL: sql, Args: args}, joined, nil
}

// buildSelect builds a plain single-table select with enabled filters and
// an optional lock clause. The criteria schema references columns through
// the table name.
func (u *UnitOfWork) buildSelect(desc *metadata.EntityDescriptor, criteria *types.Criteria, mode types.LockMode) (*Statement, error) {
	var (
		where []string
		args  []any
	)
	if criteria != nil && criteria.Schema != "" {
		where = append(where, criteria.Schema)
		args = append(args, criteria.Args...)
	}
	conds, condArgs, err := u.filters.apply(u.reg, desc, desc.Table)
	if err != nil {
		return nil, err
	}
	where = append(where, conds...)
	args = append(args, condArgs...)

	sql := "SELECT " + strings.Join(aliasedColumns(desc, desc.Table, ""), ", ") +
		" FROM " + desc.Table
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if clause := u.lockClause(mode); clause != "" {
		sql += " " + clause
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// Select runs a compiled query for the given entity with filters and an
// optional lock mode spliced in, materializing managed instances.
func (u *UnitOfWork) Select(ctx context.Context, desc *metadata.EntityDescriptor, criteria *types.Criteria, mode types.LockMode) ([]any, error) {
	if err := u.active(); err != nil {
		return nil, err
	}
	stmt, err := u.buildSelect(desc, criteria, mode)
	if err != nil {
		return nil, err
	}
	rows, err := u.exec.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		entity := desc.New()
		if err := populate(desc, entity, row, ""); err != nil {
			return nil, err
		}
		id := normalizeKey(row[desc.ID.Column])
		e, err := u.registerLoaded(desc, id, entity, rowVersion(desc, row, ""))
		if err != nil {
			return nil, err
		}
		if mode != types.LockNone {
			if err := u.applyLoadLock(ctx, e, mode); err != nil {
				return nil, err
			}
		}
		out = append(out, e.Entity)
	}
	return out, nil
}

// SelectCompiled compiles a condition written with :name parameters and
// runs it as a filtered select. The token {t} in the condition stands for
// the entity's table.
func (u *UnitOfWork) SelectCompiled(ctx context.Context, desc *metadata.EntityDescriptor, condition string, params map[string]any, mode types.LockMode) ([]any, error) {
	if condition == "" {
		return u.Select(ctx, desc, nil, mode)
	}
	stmt, err := u.compiler.Compile(strings.ReplaceAll(condition, "{t}", desc.Table), params)
	if err != nil {
		return nil, err
	}
	return u.Select(ctx, desc, &types.Criteria{Schema: stmt.SQL, Args: stmt.Args}, mode)
}

func aliasedColumns(desc *metadata.EntityDescriptor, alias, prefix string) []string {
	add := func(cols []string, col string) []string {
		if prefix == "" {
			return append(cols, alias+"."+col)
		}
		return append(cols, alias+"."+col+" AS "+prefix+col)
	}
	cols := add(nil, desc.ID.Column)
	for _, attr := range desc.Attributes {
		cols = add(cols, attr.Column)
	}
	if desc.HasVersion() {
		cols = add(cols, desc.Version.Column)
	}
	for _, assoc := range desc.Associations {
		if !assoc.Collection && assoc.Owning {
			cols = add(cols, assoc.Column)
		}
	}
	return cols
}

func rowVersion(desc *metadata.EntityDescriptor, row Row, prefix string) int64 {
	if !desc.HasVersion() {
		return 0
	}
	switch v := row[prefix+desc.Version.Column].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case nil:
		return 0
	default:
		return 0
	}
}

// normalizeKey folds identifier values into canonical comparable forms so
// driver-returned keys and caller-supplied keys collide in the map.
func normalizeKey(id any) any {
	switch v := id.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		// Values past the int64 range stay unsigned; no signed key can
		// collide with them anyway.
		if uint64(v) > math.MaxInt64 {
			return uint64(v)
		}
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return v
		}
		return int64(v)
	case []byte:
		return string(v)
	default:
		return id
	}
}
