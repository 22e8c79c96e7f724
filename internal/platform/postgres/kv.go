package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phrazzld/castqueue/internal/store"
)

// DBTX is the subset of *sql.DB and *sql.Tx the KV needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// KV implements store.KV over the kv_entries table. Expired rows are hidden
// from reads and swept on Scan.
type KV struct {
	db DBTX
}

// NewKV creates a KV over db. The schema must already be migrated.
func NewKV(db DBTX) *KV {
	return &KV{db: db}
}

var _ store.KV = (*KV)(nil)

const (
	putQuery = `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, CASE WHEN $3::float8 > 0 THEN now() + make_interval(secs => $3::float8) END, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`

	getQuery = `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`

	deleteQuery = `DELETE FROM kv_entries WHERE key = $1`

	sweepQuery = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`

	scanQuery = `
		SELECT key FROM kv_entries
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`
)

// Put implements store.KV.
func (kv *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := kv.db.ExecContext(ctx, putQuery, key, value, ttl.Seconds()); err != nil {
		return fmt.Errorf("put %s: %w", key, MapError(err))
	}
	return nil
}

// Get implements store.KV.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := kv.db.QueryRowContext(ctx, getQuery, key).Scan(&value); err != nil {
		return nil, fmt.Errorf("get %s: %w", key, MapError(err))
	}
	return value, nil
}

// Delete implements store.KV.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if _, err := kv.db.ExecContext(ctx, deleteQuery, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, MapError(err))
	}
	return nil
}

// Scan implements store.KV.
func (kv *KV) Scan(ctx context.Context, prefix string) ([]string, error) {
	if _, err := kv.db.ExecContext(ctx, sweepQuery); err != nil {
		return nil, fmt.Errorf("sweep expired entries: %w", MapError(err))
	}

	rows, err := kv.db.QueryContext(ctx, scanQuery, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}
