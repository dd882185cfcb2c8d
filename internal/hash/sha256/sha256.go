// Package sha256 provides SHA-256 digests for plan hashes and record content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON digests the JSON encoding of v. encoding/json sorts map keys, so
// equal values always produce equal digests.
func HashJSON(h crawler.Hasher, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for hash: %w", err)
	}
	return h.Hash(raw)
}

// ContentHash digests the fields of a record.
func ContentHash(h crawler.Hasher, fields crawler.RecordFields) (string, error) {
	return HashJSON(h, fields)
}
