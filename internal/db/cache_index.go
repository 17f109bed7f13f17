package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCacheEntry retrieves a cache index row by key. Returns nil on miss.
func (d *DB) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := d.db.QueryRowContext(ctx,
		`SELECT key, stage_id, output_hash, created_at FROM cache_entries WHERE key = ?`,
		key,
	).Scan(&entry.Key, &entry.StageID, &entry.OutputHash, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return &entry, nil
}

// PutCacheEntry records a cache index row. Re-recording the same key is a
// no-op; the first committed output wins (identical inputs are expected to
// stay mapped to the first result forever).
func (d *DB) PutCacheEntry(ctx context.Context, key, stageID, outputHash string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, stage_id, output_hash, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, stageID, outputHash, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// EvictCacheEntry removes a cache index row. Used when the referenced
// artifact fails hash verification.
func (d *DB) EvictCacheEntry(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("evict cache entry: %w", err)
	}
	return nil
}
