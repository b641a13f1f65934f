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

	"github.com/uptrace/bun/dialect"

	"github.com/capstan-io/capstan/types"
)

// lockClause renders the row-lock clause for a load statement. Dialects
// without row-level lock syntax (SQLite locks the whole database) get no
// clause.
func (u *UnitOfWork) lockClause(mode types.LockMode) string {
	if !mode.Pessimistic() {
		return ""
	}
	if u.db.Dialect().Name() == dialect.SQLite {
		return ""
	}
	if mode == types.LockPessimisticRead {
		return "FOR SHARE"
	}
	return "FOR UPDATE"
}

// applyLoadLock records the lock mode acquired by a load. Pessimistic
// modes had their clause included in the load statement itself, so the
// lock is already held; force-increment bumps the version on top.
func (u *UnitOfWork) applyLoadLock(ctx context.Context, e *Entry, mode types.LockMode) error {
	if mode == types.LockNone {
		return nil
	}
	e.RequestedLock = mode
	e.EffectiveLock = mode
	switch mode {
	case types.LockPessimisticForceIncrement:
		// Read back reports FORCE rather than the requested mode.
		e.EffectiveLock = types.LockForce
		return u.forceIncrement(ctx, e, true)
	case types.LockOptimisticForceIncrement:
		// Deferred: the bump happens at flush even if nothing is dirty.
		e.pendingForceIncrement = true
		return nil
	}
	return nil
}

// Lock acquires (or upgrades to) the given mode on an already-managed
// instance. Pessimistic modes issue a lock-only statement; force-increment
// modes bump the version column immediately.
func (u *UnitOfWork) Lock(ctx context.Context, entity any, mode types.LockMode) error {
	if err := u.active(); err != nil {
		return err
	}
	e := u.ids.LookupEntity(entity)
	if e == nil {
		desc, err := u.reg.DescribeEntity(entity)
		if err != nil {
			return err
		}
		return fmt.Errorf("engine: cannot lock %s instance not managed by this session", desc.Name)
	}
	return u.lockEntry(ctx, e, mode)
}

func (u *UnitOfWork) lockEntry(ctx context.Context, e *Entry, mode types.LockMode) error {
	if !mode.IsValid() || mode == types.LockForce {
		return fmt.Errorf("engine: cannot request lock mode %s", mode)
	}
	if mode.Pessimistic() && !mode.ForceIncrement() {
		if err := u.lockOnly(ctx, e, mode); err != nil {
			return err
		}
	}
	if mode.ForceIncrement() {
		// The version write also takes the exclusive row lock for the
		// pessimistic flavor.
		if err := u.forceIncrement(ctx, e, mode == types.LockPessimisticForceIncrement); err != nil {
			return err
		}
		e.pendingForceIncrement = false
	}
	e.RequestedLock = mode
	e.EffectiveLock = mode
	u.log.Debugf("lock %s #%v mode=%s", e.Desc.Name, e.ID, mode)
	return nil
}

// lockOnly issues a locking select against the already-loaded row,
// verifying the version read earlier is still current.
func (u *UnitOfWork) lockOnly(ctx context.Context, e *Entry, mode types.LockMode) error {
	desc := e.Desc
	sql := "SELECT " + desc.ID.Column + " FROM " + desc.Table + " WHERE " + desc.ID.Column + " = ?"
	args := []any{e.ID}
	if desc.HasVersion() {
		sql += " AND " + desc.Version.Column + " = ?"
		args = append(args, e.Version)
	}
	if clause := u.lockClause(mode); clause != "" {
		sql += " " + clause
	}
	rows, err := u.exec.Query(ctx, &Statement{SQL: sql, Args: args})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s #%v version %d no longer current",
			ErrStaleState, desc.Name, e.ID, e.Version)
	}
	return nil
}

// forceIncrement bumps the version column unconditionally and writes it
// through immediately. writeBack controls whether the new version is also
// pushed into the in-memory instance.
func (u *UnitOfWork) forceIncrement(ctx context.Context, e *Entry, writeBack bool) error {
	desc := e.Desc
	if !desc.HasVersion() {
		return fmt.Errorf("engine: %s has no version attribute to force-increment", desc.Name)
	}
	stmt := &Statement{
		SQL: "UPDATE " + desc.Table + " SET " + desc.Version.Column + " = ? WHERE " +
			desc.ID.Column + " = ? AND " + desc.Version.Column + " = ?",
		Args: []any{e.Version + 1, e.ID, e.Version},
	}
	affected, err := u.exec.Exec(ctx, stmt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s #%v version %d already advanced by a concurrent writer",
			ErrStaleState, desc.Name, e.ID, e.Version)
	}
	e.Version++
	if writeBack {
		desc.SetVersion(e.Entity, e.Version)
	}
	return nil
}
