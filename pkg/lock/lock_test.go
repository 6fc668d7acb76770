package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeTests(t *testing.T, newStore func(timeout time.Duration) Store) {
	t.Run("exclusive", func(t *testing.T) {
		store := newStore(2 * time.Second)
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := store.Acquire(t.Context(), ObjectTypeProcessInstance, 1, 1)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				assert.NoError(t, store.Release(t.Context(), l, 1))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		store := newStore(100 * time.Millisecond)
		l, err := store.Acquire(t.Context(), ObjectTypeProcessInstance, 2, 1)
		require.NoError(t, err)
		defer store.Release(t.Context(), l, 1)

		_, err = store.Acquire(t.Context(), ObjectTypeProcessInstance, 2, 1)
		var te *TimeoutError
		assert.ErrorAs(t, err, &te)
		assert.Equal(t, int64(2), te.Key.ObjectId)

		// other tenant is another key
		other, err := store.Acquire(t.Context(), ObjectTypeProcessInstance, 2, 2)
		assert.NoError(t, err)
		assert.NoError(t, store.Release(t.Context(), other, 2))
	})

	t.Run("release twice", func(t *testing.T) {
		store := newStore(time.Second)
		l, err := store.Acquire(t.Context(), ObjectTypeProcessInstance, 3, 1)
		require.NoError(t, err)
		assert.NoError(t, store.Release(t.Context(), l, 1))

		err = store.Release(t.Context(), l, 1)
		var re *ReleaseError
		assert.ErrorAs(t, err, &re)
	})
}

func TestMemoryStore(t *testing.T) {
	storeTests(t, func(timeout time.Duration) Store {
		return NewMemoryStore(timeout)
	})
}

func TestMemoryStoreForgetsReleasedKeys(t *testing.T) {
	store := NewMemoryStore(time.Second)
	l, err := store.Acquire(t.Context(), ObjectTypeProcessInstance, 1, 1)
	require.NoError(t, err)
	require.NoError(t, store.Release(t.Context(), l, 1))
	assert.Empty(t, store.locks)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	existing, err := NewRedisStore(ctx, RedisConfig{Addr: addr}, time.Second)
	if err != nil {
		t.Skipf("redis is not available: %s", err)
	}
	existing.Close()

	storeTests(t, func(timeout time.Duration) Store {
		store, err := NewRedisStore(t.Context(), RedisConfig{Addr: addr, TTL: 10 * time.Second, RetryDelay: 5 * time.Millisecond}, timeout)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

type failingStore struct {
	Store
	failOn int64
}

func (f *failingStore) Acquire(ctx context.Context, objectType string, objectId int64, tenantId int64) (Lock, error) {
	if objectId == f.failOn {
		return Lock{}, &TimeoutError{Key: Key{ObjectType: objectType, ObjectId: objectId, TenantId: tenantId}}
	}
	return f.Store.Acquire(ctx, objectType, objectId, tenantId)
}

func TestManagerLockAllIsAllOrNothing(t *testing.T) {
	mem := NewMemoryStore(100 * time.Millisecond)
	m := NewManager(&failingStore{Store: mem, failOn: 3})

	_, err := m.LockAll(t.Context(), ObjectTypeProcessInstance, []int64{5, 1, 3, 1}, 1)
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
	assert.Empty(t, mem.locks, "locks acquired before the failure must be released")
}

func TestManagerLockAllDeduplicatesAndSorts(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Second))

	locks, err := m.LockAll(t.Context(), ObjectTypeProcessInstance, []int64{9, 2, 9, 4}, 1)
	require.NoError(t, err)
	ids := []int64{}
	for _, l := range locks {
		ids = append(ids, l.Key.ObjectId)
	}
	assert.Equal(t, []int64{2, 4, 9}, ids)
	assert.NoError(t, m.UnlockAll(t.Context(), locks))
}

func TestManagerUnlockReportsReleaseError(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Second))
	l, err := m.Lock(t.Context(), ObjectTypeProcessInstance, 1, 1)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(t.Context(), l))

	err = m.UnlockAll(t.Context(), []Lock{l})
	var re *ReleaseError
	assert.ErrorAs(t, err, &re)
	assert.True(t, errors.Is(err, errNotHeld))
}
