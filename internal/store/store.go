// Package store defines the key-value storage abstraction used by the hunt
// engine, together with an in-memory implementation.
//
// Every key carries a version that starts at 1 on creation and grows by one on
// each write. Writers pass the version they read to get compare-and-swap
// semantics; a mismatch is reported as ErrConflict.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Storage errors.
var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned when a conditional write observed a different version.
	ErrConflict = errors.New("store: version conflict")
	// ErrUnavailable wraps failures of the underlying storage system.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNotCounter is returned when incrementing a key that does not hold an integer.
	ErrNotCounter = errors.New("store: value is not a counter")
)

// AnyVersion disables the version check of a Set operation.
const AnyVersion int64 = -1

// Entry is a stored value with its version.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the storage contract consumed by the game engine.
type Store interface {
	// Get returns the entry stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// ConditionalSet writes value if the current version of key equals
	// expectedVersion (0 means the key must not exist) and returns the new version.
	ConditionalSet(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)

	// Increment adds delta to the integer counter at key, creating it at zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Commit applies all operations of txn atomically or none of them.
	Commit(ctx context.Context, txn *Txn) error

	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// DeletePrefix removes all keys starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// OpKind selects what a transaction operation does.
type OpKind int

// Transaction operation kinds.
const (
	OpSet OpKind = iota
	OpIncrement
)

// Op is a single write of a transaction.
type Op struct {
	Kind    OpKind
	Key     string
	Version int64
	Value   []byte
	Delta   int64
}

// Txn collects writes that must be applied together.
type Txn struct {
	Ops []Op
}

// NewTxn creates an empty transaction.
func NewTxn() *Txn {
	return &Txn{}
}

// Set adds a write guarded by the expected version of key.
func (t *Txn) Set(key string, expectedVersion int64, value []byte) *Txn {
	t.Ops = append(t.Ops, Op{Kind: OpSet, Key: key, Version: expectedVersion, Value: value})
	return t
}

// Put adds an unconditional write.
func (t *Txn) Put(key string, value []byte) *Txn {
	return t.Set(key, AnyVersion, value)
}

// Increment adds a counter increment.
func (t *Txn) Increment(key string, delta int64) *Txn {
	t.Ops = append(t.Ops, Op{Kind: OpIncrement, Key: key, Delta: delta})
	return t
}

// Keys returns the distinct keys touched by the transaction.
func (t *Txn) Keys() []string {
	seen := make(map[string]struct{}, len(t.Ops))
	keys := make([]string, 0, len(t.Ops))
	for _, op := range t.Ops {
		if _, ok := seen[op.Key]; ok {
			continue
		}
		seen[op.Key] = struct{}{}
		keys = append(keys, op.Key)
	}
	return keys
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsRetryable reports whether a failed store call may succeed on a fresh attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
