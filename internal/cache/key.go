// Package cache computes deterministic stage-input keys and resolves cache
// hits against the artifact store without re-invoking expensive stages.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// Key computes the deterministic cache key for one stage attempt. It covers
// the stage identity, the model identity, the prompt template hash, and
// every declared input artifact hash in declared order.
//
// The key deliberately never incorporates output content: for a
// generator-backed stage the output differs between invocations, and an
// output-based key would miss forever. Each component is length-framed
// before hashing so no two distinct component lists can collide by
// concatenation.
func Key(stageID, modelID, promptTemplateHash string, inputHashes []string) string {
	h := sha256.New()
	writeComponent(h, []byte(stageID))
	writeComponent(h, []byte(modelID))
	writeComponent(h, []byte(promptTemplateHash))
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(inputHashes)))
	h.Write(count[:])
	for _, input := range inputHashes {
		writeComponent(h, []byte(input))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeComponent(h io.Writer, b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	h.Write(size[:])
	h.Write(b)
}
