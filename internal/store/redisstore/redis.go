// Package redisstore implements store.Store and a distributed group lock on Redis.
//
// Each logical key is a Redis hash with two fields: "v" holds the version and
// "d" the value. Transactions use WATCH/MULTI so a concurrent writer makes the
// commit fail with store.ErrConflict instead of losing an update.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"number-hunt-bot/internal/config"
	"number-hunt-bot/internal/store"
)

const (
	fieldVersion = "v"
	fieldData    = "d"

	scanCount        = 200
	incrementRetries = 32
)

// NewClient creates a Redis client from configuration and verifies the connection.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("Connected to Redis")

	return client, nil
}

// Store implements store.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis store. All keys are namespaced with prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

type record struct {
	exists  bool
	version int64
	data    []byte
}

// Get returns the entry stored at key.
func (s *Store) Get(ctx context.Context, key string) (store.Entry, error) {
	rec, err := s.read(ctx, s.client, s.ns(key))
	if err != nil {
		return store.Entry{}, store.Unavailable("redis get", err)
	}
	if !rec.exists {
		return store.Entry{}, store.ErrNotFound
	}
	return store.Entry{Key: key, Value: rec.data, Version: rec.version}, nil
}

// ConditionalSet writes value when the stored version matches expectedVersion.
func (s *Store) ConditionalSet(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	txn := store.NewTxn().Set(key, expectedVersion, value)
	final, err := s.apply(ctx, txn)
	if err != nil {
		return 0, err
	}
	return final[s.ns(key)].version, nil
}

// Increment adds delta to the counter at key. Increments commute, so a
// WATCH failure is simply retried.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	txn := store.NewTxn().Increment(key, delta)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.RetryWithData(func() (int64, error) {
		final, err := s.apply(ctx, txn)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		n, err := store.ParseCounter(final[s.ns(key)].data)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		return n, nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, incrementRetries-1), ctx))
}

// Commit applies txn atomically.
func (s *Store) Commit(ctx context.Context, txn *store.Txn) error {
	_, err := s.apply(ctx, txn)
	return err
}

// apply runs the transaction under WATCH and returns the records as written.
func (s *Store) apply(ctx context.Context, txn *store.Txn) (map[string]record, error) {
	keys := make([]string, 0, len(txn.Ops))
	for _, k := range txn.Keys() {
		keys = append(keys, s.ns(k))
	}

	var final map[string]record
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		original := make(map[string]record, len(keys))
		for _, k := range keys {
			rec, err := s.read(ctx, tx, k)
			if err != nil {
				return store.Unavailable("redis read", err)
			}
			original[k] = rec
		}

		working := make(map[string]record, len(keys))
		for k, rec := range original {
			working[k] = rec
		}

		for _, op := range txn.Ops {
			k := s.ns(op.Key)
			rec := working[k]
			switch op.Kind {
			case store.OpSet:
				if op.Version != store.AnyVersion && original[k].version != op.Version {
					return store.ErrConflict
				}
				rec.data = op.Value
			case store.OpIncrement:
				var current int64
				if rec.exists {
					n, err := store.ParseCounter(rec.data)
					if err != nil {
						return err
					}
					current = n
				}
				rec.data = []byte(strconv.FormatInt(current+op.Delta, 10))
			}
			rec.exists = true
			rec.version++
			working[k] = rec
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				rec := working[k]
				pipe.HSet(ctx, k, fieldVersion, rec.version, fieldData, rec.data)
			}
			return nil
		})
		if err != nil {
			return err
		}
		final = working
		return nil
	}, keys...)

	switch {
	case err == nil:
		return final, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, store.ErrConflict
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotCounter), errors.Is(err, store.ErrUnavailable):
		return nil, err
	default:
		return nil, store.Unavailable("redis commit", err)
	}
}

// List returns entries under prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, store.Unavailable("redis list", err)
	}

	entries := make([]store.Entry, 0, len(keys))
	for i, cmd := range cmds {
		rec, err := decode(cmd.Val())
		if err != nil {
			return nil, store.Unavailable("redis list", err)
		}
		if !rec.exists {
			// Deleted between SCAN and HGETALL
			continue
		}
		entries = append(entries, store.Entry{
			Key:     strings.TrimPrefix(keys[i], s.prefix),
			Value:   rec.data,
			Version: rec.version,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// DeletePrefix removes every key under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, store.Unavailable("redis delete", err)
	}
	return int(n), nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable("redis ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ns(key string) string {
	return s.prefix + key
}

func (s *Store) scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	// SCAN may return a key more than once
	seen := make(map[string]struct{})
	match := s.ns(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, store.Unavailable("redis scan", err)
		}
		for _, k := range batch {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) read(ctx context.Context, c hashReader, key string) (record, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return record{}, err
	}
	return decode(fields)
}

func decode(fields map[string]string) (record, error) {
	if len(fields) == 0 {
		return record{}, nil
	}
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("corrupt version field: %w", err)
	}
	return record{
		exists:  true,
		version: version,
		data:    []byte(fields[fieldData]),
	}, nil
}
