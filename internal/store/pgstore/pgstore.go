// Package pgstore implements store.Store on PostgreSQL.
//
// All keys live in the hunt_kv table created by db.Migrate. Conditional writes
// compare the version column inside the UPDATE statement, so two transactions
// racing on the same session row cannot both succeed.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"number-hunt-bot/internal/store"
)

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store. The schema must already exist.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get returns the entry stored at key.
func (s *Store) Get(ctx context.Context, key string) (store.Entry, error) {
	const query = `
		SELECT value, version
		FROM hunt_kv
		WHERE key = $1
	`

	var (
		value   string
		version int64
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Entry{}, store.ErrNotFound
		}
		return store.Entry{}, store.Unavailable("postgres get", err)
	}

	return store.Entry{Key: key, Value: []byte(value), Version: version}, nil
}

// ConditionalSet writes value when the stored version matches expectedVersion.
func (s *Store) ConditionalSet(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	version, err := setOp(ctx, s.pool, store.Op{Kind: store.OpSet, Key: key, Version: expectedVersion, Value: value})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Increment adds delta to the counter at key in a single upsert.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return incrementOp(ctx, s.pool, key, delta)
}

// Commit applies txn in one database transaction.
func (s *Store) Commit(ctx context.Context, txn *store.Txn) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Unavailable("postgres begin", err)
	}
	// Rollback after Commit is a no-op
	defer func() { _ = tx.Rollback(ctx) }()

	for _, op := range txn.Ops {
		switch op.Kind {
		case store.OpSet:
			if _, err := setOp(ctx, tx, op); err != nil {
				return err
			}
		case store.OpIncrement:
			if _, err := incrementOp(ctx, tx, op.Key, op.Delta); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return store.ErrConflict
		}
		return store.Unavailable("postgres commit", err)
	}
	return nil
}

// List returns entries under prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	const query = `
		SELECT key, value, version
		FROM hunt_kv
		WHERE key LIKE $1
		ORDER BY key
	`

	rows, err := s.pool.Query(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, store.Unavailable("postgres list", err)
	}
	defer rows.Close()

	entries := make([]store.Entry, 0)
	for rows.Next() {
		var (
			key, value string
			version    int64
		)
		if err := rows.Scan(&key, &value, &version); err != nil {
			return nil, store.Unavailable("postgres scan", err)
		}
		entries = append(entries, store.Entry{Key: key, Value: []byte(value), Version: version})
	}

	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("postgres list", err)
	}

	return entries, nil
}

// DeletePrefix removes every key under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	const query = `DELETE FROM hunt_kv WHERE key LIKE $1`

	tag, err := s.pool.Exec(ctx, query, likePrefix(prefix))
	if err != nil {
		return 0, store.Unavailable("postgres delete", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable("postgres ping", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func setOp(ctx context.Context, q querier, op store.Op) (int64, error) {
	const (
		insertQuery = `
			INSERT INTO hunt_kv (key, value, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (key) DO NOTHING
			RETURNING version
		`
		updateQuery = `
			UPDATE hunt_kv
			SET value = $2, version = version + 1, updated_at = NOW()
			WHERE key = $1 AND version = $3
			RETURNING version
		`
		upsertQuery = `
			INSERT INTO hunt_kv (key, value, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, version = hunt_kv.version + 1, updated_at = NOW()
			RETURNING version
		`
	)

	var row pgx.Row
	switch {
	case op.Version == store.AnyVersion:
		row = q.QueryRow(ctx, upsertQuery, op.Key, string(op.Value))
	case op.Version == 0:
		row = q.QueryRow(ctx, insertQuery, op.Key, string(op.Value))
	default:
		row = q.QueryRow(ctx, updateQuery, op.Key, string(op.Value), op.Version)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row exists (insert) or has another version (update)
			return 0, store.ErrConflict
		}
		if isSerializationFailure(err) {
			return 0, store.ErrConflict
		}
		return 0, store.Unavailable("postgres set", err)
	}
	return version, nil
}

func incrementOp(ctx context.Context, q querier, key string, delta int64) (int64, error) {
	const query = `
		INSERT INTO hunt_kv (key, value, version, updated_at)
		VALUES ($1, $2::bigint::text, 1, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = (hunt_kv.value::bigint + $2::bigint)::text,
			version = hunt_kv.version + 1,
			updated_at = NOW()
		RETURNING value
	`

	var value string
	if err := q.QueryRow(ctx, query, key, delta).Scan(&value); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			// invalid_text_representation: the stored value is not an integer
			return 0, store.ErrNotCounter
		}
		if isSerializationFailure(err) {
			return 0, store.ErrConflict
		}
		return 0, store.Unavailable("postgres increment", err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres increment: %w", store.ErrNotCounter)
	}
	return n, nil
}

// isSerializationFailure matches serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
