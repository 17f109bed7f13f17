package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendManifestEntry appends one provenance row for a stage attempt. The
// sequence number is assigned inside a transaction so entries for one run are
// strictly ordered even with concurrent runs interleaving writes.
func (d *DB) AppendManifestEntry(ctx context.Context, entry *ManifestEntry) error {
	inputJSON, err := json.Marshal(entry.InputHashes)
	if err != nil {
		return fmt.Errorf("marshal input hashes: %w", err)
	}
	var extraJSON any
	if len(entry.ExtraHashes) > 0 {
		b, err := json.Marshal(entry.ExtraHashes)
		if err != nil {
			return fmt.Errorf("marshal extra hashes: %w", err)
		}
		extraJSON = string(b)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin manifest append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM manifest_entries WHERE run_id = ?`,
		entry.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next manifest seq: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO manifest_entries
		 (run_id, seq, stage_id, cache_status, input_hashes, output_hash, extra_hashes, model_id, cost, duration_ms, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, seq, entry.StageID, entry.CacheStatus, string(inputJSON),
		nullIfEmpty(entry.OutputHash), extraJSON, nullIfEmpty(entry.ModelID),
		entry.Cost, entry.DurationMs, entry.Outcome, nullIfEmpty(entry.Detail), now,
	)
	if err != nil {
		return fmt.Errorf("append manifest entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit manifest append: %w", err)
	}

	entry.Seq = seq
	entry.CreatedAt = now
	return nil
}

// ListManifestEntries returns all entries for a run in append order.
func (d *DB) ListManifestEntries(ctx context.Context, runID uuid.UUID) ([]ManifestEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, seq, stage_id, cache_status, input_hashes, output_hash, extra_hashes, model_id, cost, duration_ms, outcome, detail, created_at
		 FROM manifest_entries WHERE run_id = ? ORDER BY seq`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list manifest entries: %w", err)
	}
	defer rows.Close()

	var entries []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		var inputJSON string
		var outputHash, extraJSON, modelID, detail sql.NullString
		err := rows.Scan(&e.RunID, &e.Seq, &e.StageID, &e.CacheStatus, &inputJSON,
			&outputHash, &extraJSON, &modelID, &e.Cost, &e.DurationMs, &e.Outcome, &detail, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan manifest entry: %w", err)
		}
		if err := json.Unmarshal([]byte(inputJSON), &e.InputHashes); err != nil {
			return nil, fmt.Errorf("parse input hashes: %w", err)
		}
		if extraJSON.Valid && extraJSON.String != "" {
			if err := json.Unmarshal([]byte(extraJSON.String), &e.ExtraHashes); err != nil {
				return nil, fmt.Errorf("parse extra hashes: %w", err)
			}
		}
		e.OutputHash = outputHash.String
		e.ModelID = modelID.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LiveHashes returns every artifact hash referenced by any manifest entry,
// inputs, outputs, and extra artifacts alike. Garbage collection of the
// artifact store must keep all of these.
func (d *DB) LiveHashes(ctx context.Context) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT input_hashes, output_hash, extra_hashes FROM manifest_entries`)
	if err != nil {
		return nil, fmt.Errorf("query manifest hashes: %w", err)
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var inputJSON string
		var outputHash, extraJSON sql.NullString
		if err := rows.Scan(&inputJSON, &outputHash, &extraJSON); err != nil {
			return nil, fmt.Errorf("scan manifest hashes: %w", err)
		}
		var inputs []string
		if err := json.Unmarshal([]byte(inputJSON), &inputs); err != nil {
			return nil, fmt.Errorf("parse input hashes: %w", err)
		}
		for _, h := range inputs {
			live[h] = true
		}
		if outputHash.Valid && outputHash.String != "" {
			live[outputHash.String] = true
		}
		if extraJSON.Valid && extraJSON.String != "" {
			var extras []string
			if err := json.Unmarshal([]byte(extraJSON.String), &extras); err != nil {
				return nil, fmt.Errorf("parse extra hashes: %w", err)
			}
			for _, h := range extras {
				live[h] = true
			}
		}
	}
	return live, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
