// Package workspace provides an isolated staging area for stage outputs.
// Nothing a stage produces becomes visible in the artifact store until the
// workspace commits; a workspace that is discarded leaves no trace.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/replicable-dev/researchpipe/internal/artifact"
)

// ErrClosed is returned by operations on a workspace that has already been
// committed or discarded.
var ErrClosed = errors.New("workspace already closed")

type pending struct {
	content []byte
	kind    artifact.Kind
	parents []string
}

// Workspace buffers a stage's outputs until they are committed atomically to
// an artifact store. A workspace belongs to exactly one stage attempt.
type Workspace struct {
	stageID string
	dir     string
	scratch string
	pending []pending
	closed  bool
}

// Open creates a fresh workspace under baseDir for the given stage attempt.
func Open(baseDir, stageID string) (*Workspace, error) {
	if stageID == "" {
		return nil, errors.New("workspace requires a stage id")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	dir, err := os.MkdirTemp(baseDir, "ws-"+stageID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	scratch := filepath.Join(dir, "scratch")
	if err := os.Mkdir(scratch, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Workspace{stageID: stageID, dir: dir, scratch: scratch}, nil
}

// ScratchDir is the directory handed to sandboxed executions as their only
// writable location. Files written there are not outputs until staged.
func (w *Workspace) ScratchDir() string {
	return w.scratch
}

// Stage buffers content as an output of this workspace's stage.
func (w *Workspace) Stage(content []byte, kind artifact.Kind, parents []string) error {
	if w.closed {
		return ErrClosed
	}
	w.pending = append(w.pending, pending{
		content: append([]byte(nil), content...),
		kind:    kind,
		parents: append([]string(nil), parents...),
	})
	return nil
}

// StageFile buffers a file produced in the scratch directory.
func (w *Workspace) StageFile(path string, kind artifact.Kind, parents []string) error {
	if w.closed {
		return ErrClosed
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	return w.Stage(content, kind, parents)
}

// Pending reports how many outputs are staged for commit.
func (w *Workspace) Pending() int {
	return len(w.pending)
}

// Commit writes every staged output to the store and closes the workspace.
// Commit is all or nothing: if any write fails, objects this commit created
// are removed again and the store is left as it was.
func (w *Workspace) Commit(store *artifact.Store) ([]*artifact.Artifact, error) {
	if w.closed {
		return nil, ErrClosed
	}
	if len(w.pending) == 0 {
		return nil, errors.New("nothing staged to commit")
	}

	var committed []*artifact.Artifact
	var added []string
	for _, p := range w.pending {
		hash := artifact.HashBytes(p.content)
		present, err := store.Has(hash)
		if err != nil {
			w.rollback(store, added)
			return nil, err
		}
		art, err := store.Put(p.content, p.kind, w.stageID, p.parents)
		if err != nil {
			w.rollback(store, added)
			return nil, fmt.Errorf("commit stage %s: %w", w.stageID, err)
		}
		if !present {
			added = append(added, art.Hash)
		}
		committed = append(committed, art)
	}

	w.closed = true
	w.pending = nil
	os.RemoveAll(w.dir)
	return committed, nil
}

func (w *Workspace) rollback(store *artifact.Store, added []string) {
	for _, hash := range added {
		_ = store.Remove(hash)
	}
}

// Discard drops all staged outputs and deletes the workspace directory,
// scratch files included. Discarding a closed workspace is a no-op.
func (w *Workspace) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pending = nil
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("discard workspace: %w", err)
	}
	return nil
}
