// Package artifact provides immutable, content-addressed storage for every
// byte object the pipeline produces or consumes.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind classifies the payload of an artifact.
type Kind string

// Artifact kinds produced and consumed by pipeline stages.
const (
	KindPrompt        Kind = "prompt"
	KindGeneratedCode Kind = "generated-code"
	KindRawText       Kind = "raw-text"
	KindTabular       Kind = "tabular"
	KindLog           Kind = "log"
	KindBinary        Kind = "binary"
)

// ValidKind reports whether k is a known artifact kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindPrompt, KindGeneratedCode, KindRawText, KindTabular, KindLog, KindBinary:
		return true
	}
	return false
}

// Artifact describes one immutable byte object in the store. The hash is the
// identity: a change to the bytes always produces a new artifact.
type Artifact struct {
	Hash           string    `json:"hash"`
	Kind           Kind      `json:"kind"`
	Size           int64     `json:"size"`
	ProducingStage string    `json:"producing_stage,omitempty"`
	ParentHashes   []string  `json:"parent_hashes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HashBytes returns the hex-encoded SHA-256 of content. This is the single
// hashing function for artifact identity; cache keys build on the same digest.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidateHash checks that h looks like a hex SHA-256 digest.
func ValidateHash(h string) error {
	if len(h) != sha256.Size*2 {
		return fmt.Errorf("invalid artifact hash %q: want %d hex chars", h, sha256.Size*2)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return fmt.Errorf("invalid artifact hash %q: %w", h, err)
	}
	return nil
}
