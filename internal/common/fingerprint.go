package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint produces the deterministic, key-sorted stringification of v
// described in spec.md GLOSSARY ("Fingerprint") and used by the quorum
// checker (spec.md §4.6) to derive a stable dedup key from a config
// object. json.Marshal already sorts map[string]interface{} keys, so the
// only extra work here is normalizing v through a generic map/slice shape
// first (so struct field order never leaks into the fingerprint) and
// hashing the result to a fixed-width string.
func Fingerprint(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	normalized := sortedJSON(generic)
	canon, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// sortedJSON walks a json.Unmarshal-produced value and rebuilds any map as
// a slice of key/value pairs ordered by key, so two structurally equal
// objects marshal identically regardless of original field order.
func sortedJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([][2]interface{}, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, [2]interface{}{k, sortedJSON(val[k])})
		}
		return pairs
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortedJSON(e)
		}
		return out
	default:
		return val
	}
}
