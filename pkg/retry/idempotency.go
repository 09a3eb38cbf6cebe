package retry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// IdempotencyKey derives a deterministic duplicate-suppression key from the
// logical change: tenant, platform, entity, operation and a canonical
// fingerprint of the payload. Re-enqueueing the same change while a prior item
// is still non-terminal yields the same key and is suppressed by the store.
func IdempotencyKey(tenantID, platform, entityType, entityID, operation string, payload map[string]any) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(platform))
	h.Write([]byte{'|'})
	h.Write([]byte(entityType))
	h.Write([]byte{'|'})
	h.Write([]byte(entityID))
	h.Write([]byte{'|'})
	h.Write([]byte(operation))
	h.Write([]byte{'|'})
	h.Write([]byte(canonicalize(payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize produces a deterministic string form of a value by sorting map
// keys and recursing through nested structures.
func canonicalize(data any) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%q:%s", k, canonicalize(v[k])))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, canonicalize(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
