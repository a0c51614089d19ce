// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"number-hunt-bot/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ConditionalSet", func(t *testing.T) { testConditionalSet(t, newStore(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("CommitAllOrNothing", func(t *testing.T) { testCommitAllOrNothing(t, newStore(t)) })
	t.Run("ListAndDeletePrefix", func(t *testing.T) { testListAndDeletePrefix(t, newStore(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "group:1:session")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func testConditionalSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "group:1:session"

	v1, err := s.ConditionalSet(ctx, key, 0, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	// Creating again must fail
	_, err = s.ConditionalSet(ctx, key, 0, []byte(`{"n":9}`))
	assert.ErrorIs(t, err, store.ErrConflict)

	v2, err := s.ConditionalSet(ctx, key, v1, []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	// Stale version
	_, err = s.ConditionalSet(ctx, key, v1, []byte(`{"n":3}`))
	assert.ErrorIs(t, err, store.ErrConflict)

	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, v2, e.Version)
	assert.JSONEq(t, `{"n":2}`, string(e.Value))
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "group:1:stats:7"

	n, err := s.Increment(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, key, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	count, err := store.ParseCounter(e.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func testCommitAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()

	v, err := s.ConditionalSet(ctx, "group:1:session", 0, []byte(`{"n":1}`))
	require.NoError(t, err)

	// A stale version anywhere aborts the whole transaction
	bad := store.NewTxn().
		Set("group:1:session", v+1, []byte(`{"n":2}`)).
		Increment("group:1:stats:7", 1).
		Put("group:1:history:1", []byte(`{}`))
	err = s.Commit(ctx, bad)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Get(ctx, "group:1:stats:7")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "group:1:history:1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	good := store.NewTxn().
		Set("group:1:session", v, []byte(`{"n":2}`)).
		Increment("group:1:stats:7", 1).
		Put("group:1:history:1", []byte(`{"number":1}`))
	require.NoError(t, s.Commit(ctx, good))

	e, err := s.Get(ctx, "group:1:session")
	require.NoError(t, err)
	assert.Equal(t, v+1, e.Version)

	e, err = s.Get(ctx, "group:1:stats:7")
	require.NoError(t, err)
	count, err := store.ParseCounter(e.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func testListAndDeletePrefix(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, uid := range []int{3, 1, 2} {
		_, err := s.Increment(ctx, fmt.Sprintf("group:1:stats:%d", uid), int64(uid))
		require.NoError(t, err)
	}
	_, err := s.Increment(ctx, "group:2:stats:1", 1)
	require.NoError(t, err)

	entries, err := s.List(ctx, "group:1:stats:")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "group:1:stats:1", entries[0].Key)
	assert.Equal(t, "group:1:stats:2", entries[1].Key)
	assert.Equal(t, "group:1:stats:3", entries[2].Key)

	removed, err := s.DeletePrefix(ctx, "group:1:")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err = s.List(ctx, "group:1:")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Other groups are untouched
	entries, err = s.List(ctx, "group:2:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "group:1:session"

	v, err := s.ConditionalSet(ctx, key, 0, []byte(`0`))
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			txn := store.NewTxn().Set(key, v, []byte(fmt.Sprint(i)))
			if err := s.Commit(ctx, txn); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Exactly one writer may win against the same version
	assert.Equal(t, 1, wins)
}
