package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It is used for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

// Get returns the entry stored at key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

// ConditionalSet writes value when the stored version matches expectedVersion.
func (s *MemoryStore) ConditionalSet(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(key, expectedVersion); err != nil {
		return 0, err
	}
	return s.put(key, value), nil
}

// Increment adds delta to the counter at key.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.incr(key, delta)
}

// Commit validates every operation first and only then applies them, so a
// failed transaction leaves no trace.
func (s *MemoryStore) Commit(ctx context.Context, txn *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range txn.Ops {
		switch op.Kind {
		case OpSet:
			if err := s.check(op.Key, op.Version); err != nil {
				return err
			}
		case OpIncrement:
			if e, ok := s.entries[op.Key]; ok {
				if _, err := parseCounter(e.Value); err != nil {
					return err
				}
			}
		}
	}

	for _, op := range txn.Ops {
		switch op.Kind {
		case OpSet:
			s.put(op.Key, op.Value)
		case OpIncrement:
			// Validated above.
			_, _ = s.incr(op.Key, op.Delta)
		}
	}
	return nil
}

// List returns entries under prefix ordered by key.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Entry, 0)
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

// DeletePrefix removes every key under prefix.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) check(key string, expected int64) error {
	if expected == AnyVersion {
		return nil
	}
	var current int64
	if e, ok := s.entries[key]; ok {
		current = e.Version
	}
	if current != expected {
		return ErrConflict
	}
	return nil
}

func (s *MemoryStore) put(key string, value []byte) int64 {
	version := s.entries[key].Version + 1
	s.entries[key] = Entry{
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: version,
	}
	return version
}

func (s *MemoryStore) incr(key string, delta int64) (int64, error) {
	var current int64
	if e, ok := s.entries[key]; ok {
		n, err := parseCounter(e.Value)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	s.put(key, []byte(strconv.FormatInt(current, 10)))
	return current, nil
}

func parseCounter(value []byte) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return 0, ErrNotCounter
	}
	return n, nil
}

// ParseCounter decodes a counter value written by Increment.
func ParseCounter(value []byte) (int64, error) {
	return parseCounter(value)
}

func cloneEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
