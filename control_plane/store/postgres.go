package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on Postgres for deployments that want
// durability stronger than Redis's best-effort persistence. Grounded on
// control_plane/store/postgres.go's pgxpool usage; the schema below is new
// since the spec's KV+list model has no direct analogue in the teacher's
// resource-specific tables.
//
// Schema (see PostgresSchema for the DDL):
//
//	kv_items(key TEXT PRIMARY KEY, value BYTEA, expires_at TIMESTAMPTZ NULL)
//	list_items(list_key TEXT, position BIGSERIAL, value BYTEA, PRIMARY KEY (list_key, position))
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresSchema is the DDL required before NewPostgresStore is used.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS kv_items (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS list_items (
	list_key TEXT NOT NULL,
	position BIGSERIAL,
	value BYTEA NOT NULL,
	PRIMARY KEY (list_key, position)
);
CREATE INDEX IF NOT EXISTS list_items_key_idx ON list_items (list_key, position);

CREATE TABLE IF NOT EXISTS leader_epochs (
	resource_id TEXT PRIMARY KEY,
	epoch BIGINT NOT NULL DEFAULT 0
);
`

// NewPostgresStore connects to connString with pool settings modeled on the
// teacher's Phase 5 tuning (control_plane/store/postgres.go).
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_items (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT value, expires_at FROM kv_items WHERE key = $1`, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM kv_items WHERE key = $1`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_items WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM kv_items
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
	`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListPushTail(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO list_items (list_key, value) VALUES ($1, $2)`, key, value)
	return err
}

func (s *PostgresStore) ListPopHead(ctx context.Context, key string) ([]byte, error) {
	var position int64
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT position, value FROM list_items
		WHERE list_key = $1 ORDER BY position ASC LIMIT 1
	`, key).Scan(&position, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM list_items WHERE list_key = $1 AND position = $2`, key, position); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PostgresStore) ListLen(ctx context.Context, key string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM list_items WHERE list_key = $1`, key).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListSnapshot(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value FROM list_items WHERE list_key = $1 ORDER BY position ASC
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListReplace discards and repopulates the list inside a single transaction
// so a reader never observes a partially-drained queue.
func (s *PostgresStore) ListReplace(ctx context.Context, key string, values [][]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE list_key = $1`, key); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := tx.Exec(ctx, `INSERT INTO list_items (list_key, value) VALUES ($1, $2)`, key, v); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// IncrementDurableEpoch atomically bumps resourceID's epoch, giving the
// leader elector a fencing token that survives a Redis flush (spec.md §5,
// supplemented HA mode).
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leader_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
