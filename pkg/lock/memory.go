// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

type heldLock struct {
	ch    chan struct{}
	token string
	refs  int
}

// MemoryStore holds locks of a single process.
type MemoryStore struct {
	timeout time.Duration
	mu      deadlock.Mutex
	locks   map[Key]*heldLock
}

var _ Store = &MemoryStore{}

func NewMemoryStore(timeout time.Duration) *MemoryStore {
	return &MemoryStore{
		timeout: timeout,
		locks:   map[Key]*heldLock{},
	}
}

func (s *MemoryStore) Acquire(ctx context.Context, objectType string, objectId int64, tenantId int64) (Lock, error) {
	key := Key{ObjectType: objectType, ObjectId: objectId, TenantId: tenantId}

	s.mu.Lock()
	held, ok := s.locks[key]
	if !ok {
		held = &heldLock{ch: make(chan struct{}, 1)}
		s.locks[key] = held
	}
	held.refs++
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case held.ch <- struct{}{}:
		l := Lock{Key: key, Token: uuid.NewString(), AcquiredAt: time.Now()}
		s.mu.Lock()
		held.token = l.Token
		s.mu.Unlock()
		return l, nil
	case <-timer.C:
		s.dropRef(key, held)
		return Lock{}, &TimeoutError{Key: key, Timeout: s.timeout}
	case <-ctx.Done():
		s.dropRef(key, held)
		return Lock{}, ctx.Err()
	}
}

func (s *MemoryStore) Release(ctx context.Context, l Lock, tenantId int64) error {
	key := l.Key
	key.TenantId = tenantId

	s.mu.Lock()
	held, ok := s.locks[key]
	if !ok || held.token != l.Token || l.Token == "" {
		s.mu.Unlock()
		return &ReleaseError{Key: key, Err: errNotHeld}
	}
	held.token = ""
	s.mu.Unlock()

	<-held.ch
	s.dropRef(key, held)
	return nil
}

func (s *MemoryStore) dropRef(key Key, held *heldLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held.refs--
	if held.refs == 0 {
		delete(s.locks, key)
	}
}
