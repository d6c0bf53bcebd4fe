// Package fingerprint hashes request payloads so retries can be compared with
// the request that first claimed an idempotency key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// JSON hashes the JSON encoding of v. Struct fields encode in declaration
// order, so equal structs always produce the same fingerprint.
func JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	return Sum(data), nil
}
