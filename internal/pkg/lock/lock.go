// Package lock provides group-level locking so that state changes of one hunt
// group are serialized while different groups proceed in parallel.
package lock

import (
	"context"
	"errors"
	"sync"
)

// Locker serializes work per group. Implementations may be local to the
// process or shared between processes.
type Locker interface {
	// Acquire blocks until the group's lock is held or ctx is done. A context
	// that ran out of time yields ErrLockTimeout.
	Acquire(ctx context.Context, groupID int64) (release func(), err error)
}

// groupMutex is a one-slot semaphore with reference counting for cleanup.
type groupMutex struct {
	sem      chan struct{}
	refCount int
}

// GroupLock provides per-group locking within one process.
type GroupLock struct {
	mu    sync.Mutex
	locks map[int64]*groupMutex
}

// NewGroupLock creates a new GroupLock instance.
func NewGroupLock() *GroupLock {
	return &GroupLock{
		locks: make(map[int64]*groupMutex),
	}
}

// ref returns the group's mutex and registers one more user of it.
func (gl *GroupLock) ref(groupID int64) *groupMutex {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	m, ok := gl.locks[groupID]
	if !ok {
		m = &groupMutex{sem: make(chan struct{}, 1)}
		gl.locks[groupID] = m
	}
	m.refCount++
	return m
}

// unref drops one user and forgets idle mutexes.
func (gl *GroupLock) unref(groupID int64, m *groupMutex) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	m.refCount--
	if m.refCount == 0 {
		delete(gl.locks, groupID)
	}
}

// Lock acquires the lock for a group.
func (gl *GroupLock) Lock(groupID int64) {
	m := gl.ref(groupID)
	m.sem <- struct{}{}
}

// Unlock releases the lock for a group.
func (gl *GroupLock) Unlock(groupID int64) {
	gl.mu.Lock()
	m, ok := gl.locks[groupID]
	gl.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-m.sem:
		gl.unref(groupID, m)
	default:
		// not locked
	}
}

// TryLock attempts to acquire the lock without blocking.
func (gl *GroupLock) TryLock(groupID int64) bool {
	m := gl.ref(groupID)
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		gl.unref(groupID, m)
		return false
	}
}

// LockContext acquires the group's lock or gives up when ctx is done.
// Waiters that are abandoned never take the lock afterwards.
func (gl *GroupLock) LockContext(ctx context.Context, groupID int64) error {
	m := gl.ref(groupID)
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		gl.unref(groupID, m)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return ctx.Err()
	}
}

// Acquire implements Locker.
func (gl *GroupLock) Acquire(ctx context.Context, groupID int64) (func(), error) {
	if err := gl.LockContext(ctx, groupID); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { gl.Unlock(groupID) })
	}, nil
}

// IsLocked checks if a group currently has an active lock.
// Note: This is a point-in-time check and may change immediately after.
func (gl *GroupLock) IsLocked(groupID int64) bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	m, ok := gl.locks[groupID]
	return ok && len(m.sem) == 1
}

// Tracked returns how many groups currently have a lock allocated.
func (gl *GroupLock) Tracked() int {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	return len(gl.locks)
}

// Chain acquires several lockers in order and releases them in reverse.
type Chain []Locker

// Acquire implements Locker.
func (c Chain) Acquire(ctx context.Context, groupID int64) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		release, err := l.Acquire(ctx, groupID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
