package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyPrefix prefixes every cache key.
const KeyPrefix = "gql"

// TagKeyPrefix prefixes the Redis sets indexing keys by tag.
const TagKeyPrefix = KeyPrefix + ":tag:"

// CacheKey represents a unique identifier for a cached GraphQL response.
type CacheKey struct {
	// Operation is the operation name, kept readable in the key
	Operation string

	// Query is the query text
	Query string

	// Variables are the query variables
	Variables any
}

// String generates a deterministic cache key string.
// Format: gql:<operation>:<sha256 of normalised query and variables>
//
// Example:
//
//	gql:TrendingAnime:5d41402abc4b2a76b9719d911017c592...
//
// Whitespace differences in the query text do not change the key, map
// variables hash the same regardless of insertion order, and nil variables
// equal an empty map.
func (k CacheKey) String() string {
	op := k.Operation
	if op == "" {
		op = "anonymous"
	}

	h := sha256.New()
	h.Write([]byte(strings.Join(strings.Fields(k.Query), " ")))
	h.Write([]byte{0})
	if k.Variables != nil {
		vars, err := json.Marshal(k.Variables)
		if err != nil {
			// unencodable variables cannot be sent upstream either
			vars = []byte(fmt.Sprintf("%v", k.Variables))
		}
		if s := string(vars); s != "null" && s != "{}" {
			h.Write(vars)
		}
	}

	return KeyPrefix + ":" + op + ":" + hex.EncodeToString(h.Sum(nil))
}

func tagKey(tag string) string {
	return TagKeyPrefix + tag
}
