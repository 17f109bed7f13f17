package cache

import (
	"context"
	"fmt"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/db"
)

// Manager resolves cache hits for stage attempts. A hit requires both an
// index row for the key and a stored artifact that still verifies against
// its own hash; entries whose artifact is missing or corrupt are evicted and
// reported as misses.
type Manager struct {
	db    *db.DB
	store *artifact.Store

	// OnCorruption, if set, is called when a stored artifact fails hash
	// verification. Corruption is recovered locally (recompute), never
	// surfaced as a run failure.
	OnCorruption func(key, outputHash string)
}

// NewManager creates a cache manager over the given index and store.
func NewManager(database *db.DB, store *artifact.Store) *Manager {
	return &Manager{db: database, store: store}
}

// Lookup returns the committed output artifact for an identical prior stage
// attempt, or nil on miss. inputHashes must be the complete, order-stable
// list of every artifact the stage depends on; an incomplete list silently
// permits stale reuse.
func (m *Manager) Lookup(ctx context.Context, stageID, modelID, promptTemplateHash string, inputHashes []string) (*artifact.Artifact, error) {
	key := Key(stageID, modelID, promptTemplateHash, inputHashes)

	entry, err := m.db.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	ok, err := m.store.Verify(entry.OutputHash)
	if err != nil {
		return nil, fmt.Errorf("verify cached artifact: %w", err)
	}
	if !ok {
		if m.OnCorruption != nil {
			m.OnCorruption(key, entry.OutputHash)
		}
		if err := m.db.EvictCacheEntry(ctx, key); err != nil {
			return nil, fmt.Errorf("evict corrupt cache entry: %w", err)
		}
		return nil, nil
	}

	art, err := m.store.Stat(entry.OutputHash)
	if err != nil {
		return nil, fmt.Errorf("stat cached artifact: %w", err)
	}
	return art, nil
}

// Record maps a key to a committed output artifact. The artifact must
// already live in the store; the index never references workspace paths.
func (m *Manager) Record(ctx context.Context, stageID, modelID, promptTemplateHash string, inputHashes []string, output *artifact.Artifact) error {
	ok, err := m.store.Has(output.Hash)
	if err != nil {
		return fmt.Errorf("check output artifact: %w", err)
	}
	if !ok {
		return fmt.Errorf("refusing to cache uncommitted artifact %s", output.Hash)
	}
	key := Key(stageID, modelID, promptTemplateHash, inputHashes)
	return m.db.PutCacheEntry(ctx, key, stageID, output.Hash)
}
