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

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

type writeKind int

const (
	writeInsert writeKind = iota
	writeUpdate
	writeBump
	writeDelete
	writeDiscard // removed before ever being inserted; nothing to send
)

// writeOp is one pending statement of a flush, paired with the entry it
// belongs to so in-memory state is only touched after the whole flush
// succeeded.
type writeOp struct {
	kind       writeKind
	entry      *Entry
	stmt       *Statement
	versioned  bool
	newVersion int64
}

// Flush writes every pending change to the database: inserts for new
// entries in foreign-key dependency order, updates for dirty ones,
// deferred version bumps, then deletes in reverse dependency order.
// Same-template statements are grouped into batches. On failure the
// in-memory state is left untouched and the unit of work refuses further
// flushes.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	if err := u.active(); err != nil {
		return err
	}
	if u.flushFailed {
		return fmt.Errorf("engine: unit of work unusable after failed flush")
	}
	prev := u.state
	u.state = types.SessionFlushing
	defer func() {
		if u.state == types.SessionFlushing {
			u.state = prev
		}
	}()

	ops, err := u.computeWriteSet()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := u.executeOps(ctx, ops); err != nil {
		u.flushFailed = true
		return err
	}
	for _, op := range ops {
		u.completeOp(op)
	}
	return nil
}

func (u *UnitOfWork) computeWriteSet() ([]writeOp, error) {
	var (
		news    []*Entry
		updates []*Entry
		bumps   []*Entry
		removed []*Entry
	)
	for _, e := range u.ids.Entries() {
		switch e.State {
		case types.StateManaged:
			switch {
			case !e.inserted:
				news = append(news, e)
			case u.ids.Dirty(e):
				updates = append(updates, e)
			case e.pendingForceIncrement:
				bumps = append(bumps, e)
			}
		case types.StateRemoved:
			removed = append(removed, e)
		}
	}

	inserts, err := u.orderByDependency(news)
	if err != nil {
		return nil, err
	}
	deletes, err := u.orderByDependency(removed)
	if err != nil {
		return nil, err
	}
	reverse(deletes)

	var ops []writeOp
	for _, e := range inserts {
		ops = append(ops, writeOp{kind: writeInsert, entry: e, stmt: u.insertStatement(e)})
	}
	for _, e := range updates {
		ops = append(ops, u.updateOp(e))
	}
	for _, e := range bumps {
		ops = append(ops, writeOp{
			kind:  writeBump,
			entry: e,
			stmt: &Statement{
				SQL: "UPDATE " + e.Desc.Table + " SET " + e.Desc.Version.Column + " = ? WHERE " +
					e.Desc.ID.Column + " = ? AND " + e.Desc.Version.Column + " = ?",
				Args: []any{e.Version + 1, e.ID, e.Version},
			},
			versioned:  true,
			newVersion: e.Version + 1,
		})
	}
	for _, e := range deletes {
		if !e.inserted {
			ops = append(ops, writeOp{kind: writeDiscard, entry: e})
			continue
		}
		ops = append(ops, u.deleteOp(e))
	}
	return ops, nil
}

func (u *UnitOfWork) insertStatement(e *Entry) *Statement {
	return buildInsert(u.reg, e.Desc, e.Entity, e.ID, e.Version)
}

// buildInsert renders the full-row insert: identifier, scalar attributes,
// version, then owning foreign-key columns.
func buildInsert(reg *metadata.Registry, desc *metadata.EntityDescriptor, entity any, id any, version int64) *Statement {
	var (
		cols []string
		args []any
	)
	cols = append(cols, desc.ID.Column)
	args = append(args, id)
	for _, attr := range desc.Attributes {
		cols = append(cols, attr.Column)
		args = append(args, desc.Value(entity, attr))
	}
	if desc.HasVersion() {
		cols = append(cols, desc.Version.Column)
		args = append(args, version)
	}
	for i := range desc.Associations {
		assoc := &desc.Associations[i]
		if assoc.Collection || !assoc.Owning {
			continue
		}
		cols = append(cols, assoc.Column)
		args = append(args, foreignKeyValue(reg, desc, entity, assoc))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return &Statement{
		SQL:  "INSERT INTO " + desc.Table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders + ")",
		Args: args,
	}
}

func (u *UnitOfWork) updateOp(e *Entry) writeOp {
	desc := e.Desc
	var (
		sets []string
		args []any
	)
	for _, attr := range desc.Attributes {
		sets = append(sets, attr.Column+" = ?")
		args = append(args, desc.Value(e.Entity, attr))
	}
	for i := range desc.Associations {
		assoc := &desc.Associations[i]
		if assoc.Collection || !assoc.Owning {
			continue
		}
		sets = append(sets, assoc.Column+" = ?")
		args = append(args, foreignKeyValue(u.reg, desc, e.Entity, assoc))
	}
	op := writeOp{kind: writeUpdate, entry: e, newVersion: e.Version}
	sql := "UPDATE " + desc.Table + " SET " + strings.Join(sets, ", ")
	if desc.HasVersion() {
		// One increment per flush, however many attributes changed.
		op.versioned = true
		op.newVersion = e.Version + 1
		sql += ", " + desc.Version.Column + " = ?"
		args = append(args, op.newVersion)
		sql += " WHERE " + desc.ID.Column + " = ? AND " + desc.Version.Column + " = ?"
		args = append(args, e.ID, e.Version)
	} else {
		sql += " WHERE " + desc.ID.Column + " = ?"
		args = append(args, e.ID)
	}
	op.stmt = &Statement{SQL: sql, Args: args}
	return op
}

func (u *UnitOfWork) deleteOp(e *Entry) writeOp {
	desc := e.Desc
	op := writeOp{kind: writeDelete, entry: e}
	sql := "DELETE FROM " + desc.Table + " WHERE " + desc.ID.Column + " = ?"
	args := []any{e.ID}
	if desc.HasVersion() {
		op.versioned = true
		sql += " AND " + desc.Version.Column + " = ?"
		args = append(args, e.Version)
	}
	op.stmt = &Statement{SQL: sql, Args: args}
	return op
}

// executeOps sends statements grouped into batches: a run of statements
// sharing one template forms a batch, capped at the configured size.
// The first failure stops everything; unsent statements stay unsent.
func (u *UnitOfWork) executeOps(ctx context.Context, ops []writeOp) error {
	size := u.cfg.batchSize()
	for start := 0; start < len(ops); {
		if ops[start].kind == writeDiscard {
			start++
			continue
		}
		end := start + 1
		for end < len(ops) && end-start < size &&
			ops[end].kind != writeDiscard &&
			ops[end].stmt.SQL == ops[start].stmt.SQL {
			end++
		}
		u.log.Debugf("flush batch n=%d template=%s", end-start, ops[start].stmt.SQL)
		for _, op := range ops[start:end] {
			affected, err := u.exec.Exec(ctx, op.stmt)
			if err != nil {
				return err
			}
			if op.versioned && affected == 0 {
				return fmt.Errorf("%w: %s #%v version %d no longer matches",
					ErrStaleState, op.entry.Desc.Name, op.entry.ID, op.entry.Version)
			}
		}
		start = end
	}
	return nil
}

// completeOp applies the in-memory effects of one executed statement.
func (u *UnitOfWork) completeOp(op writeOp) {
	e := op.entry
	switch op.kind {
	case writeInsert:
		_ = u.ids.Transition(e, EventFlushComplete)
		u.ids.Snapshot(e)
	case writeUpdate:
		e.Version = op.newVersion
		e.Desc.SetVersion(e.Entity, op.newVersion)
		e.pendingForceIncrement = false
		u.ids.Snapshot(e)
	case writeBump:
		// In-memory version field deliberately left alone; the entry
		// records the advanced value for later stale checks.
		e.Version = op.newVersion
		e.pendingForceIncrement = false
	case writeDelete, writeDiscard:
		_ = u.ids.Transition(e, EventFlushComplete)
	}
}

// orderByDependency topologically orders entries so that a row referenced
// through an owning to-one foreign key comes before the rows pointing at
// it. Registration order breaks ties. A reference cycle among the given
// entries is an error.
func (u *UnitOfWork) orderByDependency(entries []*Entry) ([]*Entry, error) {
	if len(entries) < 2 {
		return entries, nil
	}
	inSet := make(map[*Entry]bool, len(entries))
	for _, e := range entries {
		inSet[e] = true
	}
	deps := make(map[*Entry][]*Entry, len(entries)) // entry -> entries it waits for
	for _, e := range entries {
		for i := range e.Desc.Associations {
			assoc := &e.Desc.Associations[i]
			if assoc.Collection || !assoc.Owning {
				continue
			}
			fk := foreignKeyValue(u.reg, e.Desc, e.Entity, assoc)
			if fk == nil {
				continue
			}
			target, err := u.reg.Describe(assoc.Target)
			if err != nil {
				return nil, err
			}
			if t := u.ids.Lookup(target, fk); t != nil && inSet[t] && t != e {
				deps[e] = append(deps[e], t)
			}
		}
	}

	var (
		out  []*Entry
		done = make(map[*Entry]bool, len(entries))
	)
	for len(out) < len(entries) {
		progressed := false
		for _, e := range entries {
			if done[e] {
				continue
			}
			ready := true
			for _, d := range deps[e] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				done[e] = true
				out = append(out, e)
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("%w among %d pending rows", ErrDependencyCycle, len(entries)-len(out))
		}
	}
	return out, nil
}

func reverse(entries []*Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
