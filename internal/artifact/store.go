package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when no artifact exists for a requested hash.
var ErrNotFound = errors.New("artifact not found")

// ErrHashCollision is returned when a Put finds an existing object with the
// same hash but different content. That means the store is corrupt; callers
// must treat it as fatal, never overwrite.
var ErrHashCollision = errors.New("artifact hash collision: stored content differs")

// Store is a filesystem-backed, content-addressed object store.
//
// Layout:
//
//	{root}/
//	  {hash[0:2]}/
//	    {hash}          (blob)
//	    {hash}.meta.json
//
// Objects are written once and never mutated. Concurrent writers are safe
// because identical content lands at identical paths and differing content
// at a shared path is a detected collision, not an overwrite.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *Store) metaPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash+".meta.json")
}

// Put stores content and returns its artifact record. Put is idempotent for
// identical content; it fails with ErrHashCollision if an object with the
// same hash holds different bytes.
func (s *Store) Put(content []byte, kind Kind, producingStage string, parents []string) (*Artifact, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	hash := HashBytes(content)

	existing, err := os.ReadFile(s.blobPath(hash))
	if err == nil {
		if !bytes.Equal(existing, content) {
			return nil, fmt.Errorf("%w (hash %s)", ErrHashCollision, hash)
		}
		return s.Stat(hash)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read existing blob: %w", err)
	}

	dir := filepath.Dir(s.blobPath(hash))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}

	art := &Artifact{
		Hash:           hash,
		Kind:           kind,
		Size:           int64(len(content)),
		ProducingStage: producingStage,
		ParentHashes:   append([]string(nil), parents...),
		CreatedAt:      time.Now().UTC(),
	}

	// Write blob via rename so a crash never leaves a half-written object
	// addressable under its final hash.
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, s.blobPath(hash)); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("finalize blob: %w", err)
	}

	metaBytes, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal artifact meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(hash), metaBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact meta: %w", err)
	}

	return art, nil
}

// Get returns the content for hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return content, nil
}

// Stat returns the artifact record for hash without reading the blob.
func (s *Store) Stat(hash string) (*Artifact, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	metaBytes, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read artifact meta %s: %w", hash, err)
	}
	var art Artifact
	if err := json.Unmarshal(metaBytes, &art); err != nil {
		return nil, fmt.Errorf("parse artifact meta %s: %w", hash, err)
	}
	return &art, nil
}

// Has reports whether an object with the given hash exists.
func (s *Store) Has(hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Verify re-hashes the stored content and reports whether it still matches
// its address. A false return means external corruption of the store.
func (s *Store) Verify(hash string) (bool, error) {
	content, err := s.Get(hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return HashBytes(content) == hash, nil
}

// Remove deletes the object for hash if present. It exists so callers can
// roll back partially committed work; routine cleanup goes through
// GarbageCollect.
func (s *Store) Remove(hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", hash, err)
	}
	_ = os.Remove(s.metaPath(hash))
	return nil
}

// GarbageCollect removes every object whose hash is not in live. It returns
// the hashes it removed. Callers build live from manifest references, so no
// referenced artifact is ever collected.
func (s *Store) GarbageCollect(live map[string]bool) ([]string, error) {
	var removed []string
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return nil, fmt.Errorf("read shard %s: %w", shard.Name(), err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if filepath.Ext(name) == ".json" {
				continue
			}
			if ValidateHash(name) != nil {
				continue
			}
			if live[name] {
				continue
			}
			if err := os.Remove(s.blobPath(name)); err != nil {
				return removed, fmt.Errorf("remove blob %s: %w", name, err)
			}
			_ = os.Remove(s.metaPath(name))
			removed = append(removed, name)
		}
	}
	return removed, nil
}
