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

package capstan

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/capstan-io/capstan/database"
	"github.com/capstan-io/capstan/engine"
	"github.com/capstan-io/capstan/metadata"
	"github.com/capstan-io/capstan/types"
)

// Session is one persistence context: an identity map of managed
// instances plus the pending changes queued for the next flush. Sessions
// are cheap, short-lived, and not safe for concurrent use; open one per
// logical unit of work.
type Session struct {
	uow *engine.UnitOfWork
}

// OpenSession opens a session on the given Bun database or transaction.
// The zero Config takes defaults.
func OpenSession(db bun.IDB, reg *metadata.Registry, cfg engine.Config) *Session {
	return &Session{uow: engine.New(db, reg, cfg)}
}

// OpenManagedSession opens a session on the database held by a connected
// manager, taking the session defaults (batch size) from the loaded
// database configuration.
func OpenManagedSession(m database.AbstractDatabaseManager, reg *metadata.Registry) *Session {
	cfg := database.GetSessionConfig()
	return OpenSession(m.GetDB(), reg, engine.Config{MaxBatchSize: cfg.MaxBatchSize})
}

// Engine exposes the underlying unit of work for advanced callers.
func (s *Session) Engine() *engine.UnitOfWork { return s.uow }

// State returns the session lifecycle state.
func (s *Session) State() types.SessionState { return s.uow.State() }

// Persist makes the given transient instances managed, scheduling
// inserts for the next flush. See engine.UnitOfWork.Persist.
func (s *Session) Persist(entities ...any) error { return s.uow.Persist(entities...) }

// Remove schedules a managed instance for deletion at the next flush.
func (s *Session) Remove(entity any) error { return s.uow.Remove(entity) }

// Detach stops tracking an instance without touching the database.
func (s *Session) Detach(entity any) { s.uow.Detach(entity) }

// Contains reports whether this session manages the instance.
func (s *Session) Contains(entity any) bool { return s.uow.Contains(entity) }

// LockModeOf returns the effective lock mode held on the instance.
func (s *Session) LockModeOf(entity any) types.LockMode { return s.uow.LockModeOf(entity) }

// Lock acquires or upgrades a lock on a managed instance.
func (s *Session) Lock(ctx context.Context, entity any, mode types.LockMode) error {
	return s.uow.Lock(ctx, entity, mode)
}

// Refresh re-reads a managed instance from the database, discarding
// in-memory changes, optionally taking a lock with the reload.
func (s *Session) Refresh(ctx context.Context, entity any, opts ...LoadOption) error {
	return s.uow.Refresh(ctx, entity, loadOptions(opts).Lock)
}

// Flush writes all pending changes to the database in batched statements.
func (s *Session) Flush(ctx context.Context) error { return s.uow.Flush(ctx) }

// Clear empties the identity map, forgetting unflushed changes.
func (s *Session) Clear() { s.uow.Clear() }

// SetReadOnly excludes (or re-includes) a managed instance from dirty
// checking.
func (s *Session) SetReadOnly(entity any, readOnly bool) { s.uow.SetReadOnly(entity, readOnly) }

// IsReadOnly reports whether the instance is excluded from dirty checking.
func (s *Session) IsReadOnly(entity any) bool { return s.uow.IsReadOnly(entity) }

// EnableFilter activates a named filter for this session; the handle
// sets its parameters.
func (s *Session) EnableFilter(name string) *engine.FilterHandle { return s.uow.EnableFilter(name) }

// DisableFilter deactivates a named filter.
func (s *Session) DisableFilter(name string) { s.uow.DisableFilter(name) }

// EnableFetchProfile eagerly loads the profile's associations on every
// subsequent load in this session.
func (s *Session) EnableFetchProfile(name string) { s.uow.EnableFetchProfile(name) }

// DisableFetchProfile turns a fetch profile off again.
func (s *Session) DisableFetchProfile(name string) { s.uow.DisableFetchProfile(name) }

// MarkForRollback forces the surrounding WithTransaction to roll back.
func (s *Session) MarkForRollback() { s.uow.MarkForRollback() }

// WithTransaction runs fn inside a database transaction, flushing before
// commit. Any error, and MarkForRollback, rolls everything back.
func (s *Session) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.uow.WithTransaction(ctx, fn)
}

// Close detaches every managed instance and ends the session.
func (s *Session) Close() error { return s.uow.Close() }

// LoadOption tunes one load operation.
type LoadOption func(*engine.LoadOptions)

// WithLockMode requests a lock mode together with the load.
func WithLockMode(mode types.LockMode) LoadOption {
	return func(o *engine.LoadOptions) { o.Lock = mode }
}

// WithFetch eagerly loads the named associations for this call only.
func WithFetch(associations ...string) LoadOption {
	return func(o *engine.LoadOptions) { o.Fetch = append(o.Fetch, associations...) }
}

func loadOptions(opts []LoadOption) engine.LoadOptions {
	var o engine.LoadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get loads the T with the given identifier through the session's
// identity map. Nil with nil error means no such row.
func Get[T any](ctx context.Context, s *Session, id any, opts ...LoadOption) (*T, error) {
	desc, err := s.uow.Registry().DescribeEntity((*T)(nil))
	if err != nil {
		return nil, err
	}
	v, err := s.uow.Find(ctx, desc, id, loadOptions(opts))
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*T), nil
}

// Fetch resolves a lazy to-one reference, loading the target unless the
// session already manages it.
func Fetch[T any](ctx context.Context, s *Session, ref *Ref[T]) (*T, error) {
	v, err := s.uow.ResolveOne(ctx, ref)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*T), nil
}

// FetchAll resolves a lazy collection reference with one select against
// the target table.
func FetchAll[T any](ctx context.Context, s *Session, refs *RefSlice[T]) ([]*T, error) {
	if _, err := s.uow.ResolveMany(ctx, refs); err != nil {
		return nil, err
	}
	return refs.Get(), nil
}

// Select loads every T matching a condition written with :name
// parameters, for example "{t}.weight >= :min". The condition is
// compiled, then the session's enabled filters are spliced in.
func Select[T any](ctx context.Context, s *Session, condition string, params map[string]any, opts ...LoadOption) ([]*T, error) {
	desc, err := s.uow.Registry().DescribeEntity((*T)(nil))
	if err != nil {
		return nil, err
	}
	values, err := s.uow.SelectCompiled(ctx, desc, condition, params, loadOptions(opts).Lock)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*T))
	}
	return out, nil
}

// Query loads every T matching the criteria as managed instances, with
// the session's enabled filters applied.
func Query[T any](ctx context.Context, s *Session, criteria *types.Criteria, opts ...LoadOption) ([]*T, error) {
	desc, err := s.uow.Registry().DescribeEntity((*T)(nil))
	if err != nil {
		return nil, err
	}
	values, err := s.uow.Select(ctx, desc, criteria, loadOptions(opts).Lock)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*T))
	}
	return out, nil
}
