// Package export materializes a run into a self-contained directory: the run
// record, its full provenance manifest and a complete copy of every artifact
// the manifest references. The result is inspectable without the originating
// store or database.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/db"
)

// Summary describes a finished export.
type Summary struct {
	RunID     string `json:"run_id"`
	Path      string `json:"path"`
	Entries   int    `json:"entries"`
	Artifacts int    `json:"artifacts"`
	Bytes     int64  `json:"bytes"`
}

// Archive exports the run into destDir. Hash references are resolved to full
// content copies; a reference the store cannot satisfy fails the export, so
// an archive is never silently incomplete. destDir must not already exist.
func Archive(ctx context.Context, database *db.DB, store *artifact.Store, runID uuid.UUID, destDir string) (*Summary, error) {
	run, err := database.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	entries, err := database.ListManifestEntries(ctx, runID)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(destDir); err == nil {
		return nil, fmt.Errorf("destination %s already exists", destDir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(destDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	summary := &Summary{RunID: run.ID, Path: destDir, Entries: len(entries)}
	cleanup := func(err error) (*Summary, error) {
		os.RemoveAll(destDir)
		return nil, err
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		refs := append([]string(nil), entry.InputHashes...)
		if entry.OutputHash != "" {
			refs = append(refs, entry.OutputHash)
		}
		refs = append(refs, entry.ExtraHashes...)
		for _, hash := range refs {
			if seen[hash] {
				continue
			}
			seen[hash] = true
			n, err := copyArtifact(store, hash, filepath.Join(destDir, "artifacts"))
			if err != nil {
				return cleanup(fmt.Errorf("stage %s references %s: %w", entry.StageID, hash, err))
			}
			summary.Artifacts++
			summary.Bytes += n
		}
	}

	if err := writeJSON(filepath.Join(destDir, "run.json"), run); err != nil {
		return cleanup(err)
	}
	if err := writeJSON(filepath.Join(destDir, "manifest.json"), entries); err != nil {
		return cleanup(err)
	}
	return summary, nil
}

// copyArtifact writes the blob and its metadata record under dir, verifying
// content against the hash on the way out.
func copyArtifact(store *artifact.Store, hash, dir string) (int64, error) {
	content, err := store.Get(hash)
	if err != nil {
		return 0, err
	}
	if artifact.HashBytes(content) != hash {
		return 0, fmt.Errorf("stored content does not match its hash")
	}
	if err := os.WriteFile(filepath.Join(dir, hash), content, 0o644); err != nil {
		return 0, fmt.Errorf("write artifact copy: %w", err)
	}
	meta, err := store.Stat(hash)
	if err != nil {
		return 0, err
	}
	if err := writeJSON(filepath.Join(dir, hash+".meta.json"), meta); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
