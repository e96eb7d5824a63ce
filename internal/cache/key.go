package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key builds the cache key for one coalesced element: the method, the
// context key (non-aggregate params) and the element itself. Hashed so that
// large params do not bloat the key space.
func Key(method, contextKey, element string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(contextKey))
	h.Write([]byte{0})
	h.Write([]byte(element))
	return hex.EncodeToString(h.Sum(nil))
}
