package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key identifies a cached Rollbar lookup.
type Key struct {
	// Resource is the API resource the value came from (e.g. "item_by_counter").
	Resource string

	// Scope separates values that depend on the credential, since counters
	// are per project and the project is implied by the access token.
	Scope string

	// Params are the lookup parameters (e.g. {"counter": "1234"}).
	Params map[string]string
}

// String generates a deterministic Redis key.
// Format: rollbar:resource:scope:param1=val1:param2=val2
//
// Example:
//
//	rollbar:item_by_counter:3f2a9c0d11e4b7a8:counter=1234
func (k Key) String() string {
	parts := []string{"rollbar"}

	if r := strings.Trim(k.Resource, "/"); r != "" {
		parts = append(parts, r)
	}
	if k.Scope != "" {
		parts = append(parts, k.Scope)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.Params[name]))
		}
	}

	return strings.Join(parts, ":")
}

// ItemKey is the key for a counter → item ID resolution.
func ItemKey(scope string, counter int64) Key {
	return Key{
		Resource: "item_by_counter",
		Scope:    scope,
		Params:   map[string]string{"counter": strconv.FormatInt(counter, 10)},
	}
}

// TokenScope derives a short, non-reversible scope from an access token so
// the token itself never lands in Redis.
func TokenScope(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
