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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
	"github.com/capstan-io/capstan/utils"
)

// Config tunes one unit of work.
type Config struct {
	// MaxBatchSize caps how many same-template statements are grouped
	// into one flush batch. Defaults to 20.
	MaxBatchSize int
}

func (c Config) batchSize() int {
	if c.MaxBatchSize < 1 {
		return 20
	}
	return c.MaxBatchSize
}

// UnitOfWork is the persistence context of one logical caller: identity
// map, filter activations, fetch-profile activations, and the pending
// write set. It is not safe for concurrent use; independent units of work
// are fully isolated from each other.
type UnitOfWork struct {
	reg      *metadata.Registry
	db       bun.IDB
	exec     Executor
	compiler Compiler
	log      *logrus.Logger

	ids      *IdentityMap
	filters  *filterSet
	profiles map[string]bool

	state        types.SessionState
	rollbackOnly bool
	flushFailed  bool
	cfg          Config
}

// New creates a unit of work on the given Bun database or transaction.
// The connection is owned by this unit of work for its lifetime.
func New(db bun.IDB, reg *metadata.Registry, cfg Config) *UnitOfWork {
	return &UnitOfWork{
		reg:      reg,
		db:       db,
		exec:     NewExecutor(db),
		compiler: NewCompiler(),
		log:      utils.NewLogger("ENGINE"),
		ids:      NewIdentityMap(reg),
		filters:  newFilterSet(),
		profiles: make(map[string]bool),
		state:    types.SessionActive,
		cfg:      cfg,
	}
}

// Registry returns the shared metadata registry.
func (u *UnitOfWork) Registry() *metadata.Registry { return u.reg }

// Config returns the settings this unit of work was opened with.
func (u *UnitOfWork) Config() Config { return u.cfg }

// State returns the session lifecycle state.
func (u *UnitOfWork) State() types.SessionState { return u.state }

func (u *UnitOfWork) active() error {
	if u.state == types.SessionClosed {
		return ErrSessionClosed
	}
	return nil
}

// Persist schedules an instance for insertion, making it managed. A
// removed instance is returned to managed, cancelling the removal.
// Cascades follow association descriptors with the persist cascade.
func (u *UnitOfWork) Persist(entities ...any) error {
	if err := u.active(); err != nil {
		return err
	}
	for _, entity := range entities {
		if err := u.persistOne(entity, make(map[any]bool)); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) persistOne(entity any, seen map[any]bool) error {
	if entity == nil || seen[entity] {
		return nil
	}
	seen[entity] = true

	desc, err := u.reg.DescribeEntity(entity)
	if err != nil {
		return err
	}
	if e := u.ids.LookupEntity(entity); e != nil {
		if err := u.ids.Transition(e, EventPersist); err != nil {
			return err
		}
		return u.cascade(desc, entity, metadata.CascadePersist, seen)
	}

	id := normalizeKey(desc.IDOf(entity))
	e, err := u.ids.Register(desc, id, entity)
	if err != nil {
		return err
	}
	e.EffectiveLock = types.LockNone
	if desc.HasVersion() {
		desc.SetVersion(entity, 0)
	}
	u.log.Debugf("persist %s #%v", desc.Name, id)
	return u.cascade(desc, entity, metadata.CascadePersist, seen)
}

func (u *UnitOfWork) cascade(desc *metadata.EntityDescriptor, entity any, op metadata.CascadeSet, seen map[any]bool) error {
	apply := func(target any) error {
		if target == nil {
			return nil
		}
		if op == metadata.CascadePersist {
			return u.persistOne(target, seen)
		}
		return u.removeOne(target, seen)
	}
	for i := range desc.Associations {
		assoc := &desc.Associations[i]
		if !assoc.Cascades.Has(op) {
			continue
		}
		marker := desc.MarkerAt(entity, assoc)
		if marker == nil || !marker.Resolved() {
			continue
		}
		switch m := marker.(type) {
		case metadata.SliceMarker:
			for _, t := range m.Entities() {
				if err := apply(t); err != nil {
					return err
				}
			}
		case metadata.SingleMarker:
			if err := apply(m.Entity()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove schedules a managed instance for deletion at flush. Removing an
// instance this session does not manage is an error.
func (u *UnitOfWork) Remove(entity any) error {
	if err := u.active(); err != nil {
		return err
	}
	return u.removeOne(entity, make(map[any]bool))
}

func (u *UnitOfWork) removeOne(entity any, seen map[any]bool) error {
	if entity == nil || seen[entity] {
		return nil
	}
	seen[entity] = true

	desc, err := u.reg.DescribeEntity(entity)
	if err != nil {
		return err
	}
	e := u.ids.LookupEntity(entity)
	if e == nil {
		return fmt.Errorf("engine: cannot remove %s instance not managed by this session", desc.Name)
	}
	if err := u.ids.Transition(e, EventRemove); err != nil {
		return err
	}
	u.log.Debugf("remove %s #%v", desc.Name, e.ID)
	return u.cascade(desc, entity, metadata.CascadeRemove, seen)
}

// Detach stops tracking the instance; no further automatic writes occur.
func (u *UnitOfWork) Detach(entity any) {
	if e := u.ids.LookupEntity(entity); e != nil {
		_ = u.ids.Transition(e, EventDetach)
	}
}

// Contains reports whether the instance is tracked by this session.
func (u *UnitOfWork) Contains(entity any) bool {
	return u.ids.Contains(entity)
}

// LockModeOf returns the effective lock mode recorded for the instance.
func (u *UnitOfWork) LockModeOf(entity any) types.LockMode {
	if e := u.ids.LookupEntity(entity); e != nil {
		return e.EffectiveLock
	}
	return types.LockNone
}

// EntryOf exposes the identity-map entry for an instance, nil when the
// instance is not tracked.
func (u *UnitOfWork) EntryOf(entity any) *Entry {
	return u.ids.LookupEntity(entity)
}

// SetReadOnly toggles dirty checking for one managed instance. Mutations
// on a read-only instance are not written back at flush.
func (u *UnitOfWork) SetReadOnly(entity any, readOnly bool) {
	if e := u.ids.LookupEntity(entity); e != nil {
		e.ReadOnly = readOnly
	}
}

// IsReadOnly reports the read-only flag of a tracked instance.
func (u *UnitOfWork) IsReadOnly(entity any) bool {
	e := u.ids.LookupEntity(entity)
	return e != nil && e.ReadOnly
}

// EnableFilter activates a named filter for the lifetime of this session.
// Required parameters are validated when the filter is applied.
func (u *UnitOfWork) EnableFilter(name string) *FilterHandle {
	return u.filters.enable(name)
}

// DisableFilter deactivates a named filter.
func (u *UnitOfWork) DisableFilter(name string) {
	u.filters.disable(name)
}

// EnableFetchProfile turns a named eager-fetch profile on for every load
// this session performs while it stays enabled.
func (u *UnitOfWork) EnableFetchProfile(name string) {
	u.profiles[name] = true
}

// DisableFetchProfile turns a named eager-fetch profile off.
func (u *UnitOfWork) DisableFetchProfile(name string) {
	delete(u.profiles, name)
}

// Clear empties the identity map. Pending changes that were never flushed
// are forgotten.
func (u *UnitOfWork) Clear() {
	u.ids.Clear()
}

// MarkForRollback poisons the surrounding transaction: it will roll back
// instead of committing.
func (u *UnitOfWork) MarkForRollback() {
	u.rollbackOnly = true
}

// RollbackOnly reports whether the transaction is poisoned.
func (u *UnitOfWork) RollbackOnly() bool { return u.rollbackOnly }

// Close detaches every entry and closes the unit of work. The underlying
// connection is released by the owner that opened it.
func (u *UnitOfWork) Close() error {
	if u.state == types.SessionClosed {
		return nil
	}
	u.ids.DetachAll()
	u.state = types.SessionClosed
	return nil
}

// WithTransaction runs fn inside a database transaction on this unit of
// work. The session flushes before commit; an error from fn, a failed
// flush, or MarkForRollback rolls the transaction back, making none of
// its writes visible.
func (u *UnitOfWork) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := u.active(); err != nil {
		return err
	}
	outerDB, outerExec := u.db, u.exec
	err := u.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		u.db, u.exec = tx, NewExecutor(tx)
		if err := fn(ctx); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
		if u.rollbackOnly {
			return ErrRollbackOnly
		}
		u.state = types.SessionCommitting
		return nil
	})
	u.db, u.exec = outerDB, outerExec
	if err != nil {
		u.state = types.SessionRollingBack
		u.Clear()
		u.state = types.SessionClosed
		if errors.Is(err, ErrRollbackOnly) {
			return nil
		}
		return err
	}
	u.state = types.SessionClosed
	return nil
}
