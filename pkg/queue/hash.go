package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentID derives a job ID from the payload content. The payload is
// canonicalized first so that two JSON documents with the same fields in a
// different order hash identically.
func ContentID(payload []byte) (string, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("ContentID: payload is not valid JSON: %w", err)
	}

	// json.Marshal emits object keys in sorted order at every level.
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("ContentID: canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
