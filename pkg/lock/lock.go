package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
)

const ObjectTypeProcessInstance = "PROCESS_INSTANCE"

// Key identifies a lockable object.
type Key struct {
	ObjectType string
	ObjectId   int64
	TenantId   int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.ObjectType, k.TenantId, k.ObjectId)
}

// Lock is held by exactly one owner, identified by Token.
type Lock struct {
	Key        Key
	Token      string
	AcquiredAt time.Time
}

// Store acquires exclusive locks. Acquire blocks until the lock is free, the store timeout elapses or ctx is done.
type Store interface {
	Acquire(ctx context.Context, objectType string, objectId int64, tenantId int64) (Lock, error)
	Release(ctx context.Context, lock Lock, tenantId int64) error
}

type TimeoutError struct {
	Key     Key
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("failed to acquire lock %s within %s", e.Key, e.Timeout)
}

type ReleaseError struct {
	Key Key
	Err error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("failed to release lock %s: %s", e.Key, e.Err)
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}

var errNotHeld = errors.New("lock is not held by this owner")

// Manager serializes mutations of process instance trees.
type Manager struct {
	store  Store
	logger hclog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: hclog.Default().Named("lock-manager"),
	}
}

func (m *Manager) Lock(ctx context.Context, objectType string, objectId int64, tenantId int64) (Lock, error) {
	l, err := m.store.Acquire(ctx, objectType, objectId, tenantId)
	if err != nil {
		return Lock{}, err
	}
	m.logger.Trace("acquired lock", "key", l.Key.String())
	return l, nil
}

func (m *Manager) Unlock(ctx context.Context, l Lock) error {
	// release must happen even when the operation holding the lock was cancelled
	if err := m.store.Release(context.WithoutCancel(ctx), l, l.Key.TenantId); err != nil {
		var re *ReleaseError
		if !errors.As(err, &re) {
			err = &ReleaseError{Key: l.Key, Err: err}
		}
		m.logger.Error(err.Error())
		return err
	}
	return nil
}

// LockAll locks every object in ascending id order. Either all locks are acquired or none are held on return.
func (m *Manager) LockAll(ctx context.Context, objectType string, objectIds []int64, tenantId int64) ([]Lock, error) {
	ids := slices.Clone(objectIds)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	locks := make([]Lock, 0, len(ids))
	for _, id := range ids {
		l, err := m.Lock(ctx, objectType, id, tenantId)
		if err != nil {
			return nil, errors.Join(err, m.UnlockAll(ctx, locks))
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// UnlockAll releases the locks in reverse acquisition order and reports every failed release.
func (m *Manager) UnlockAll(ctx context.Context, locks []Lock) error {
	var errs []error
	for i := len(locks) - 1; i >= 0; i-- {
		if err := m.Unlock(ctx, locks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
