package keys

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Prefix namespaces every record this cache writes into a shared store
const Prefix = "_gqc_"

// ExpirySuffix marks the companion record holding an entry's expiry timestamp
const ExpirySuffix = "d"

// SuppliedSuffix terminates keys built from caller-supplied hashes so they
// never end in ExpirySuffix
const SuppliedSuffix = "~"

// hashMultiplier is 9^9
const hashMultiplier uint32 = 387420489

// Identity returns the string a cache key is derived from
func Identity(operationName string, variables interface{}, query string) string {
	return Prefix + operationName + stringifyVariables(variables) + query
}

// Derive returns the cache key for a request identity using the rolling hash
func Derive(operationName string, variables interface{}, query string) string {
	return Prefix + strconv.FormatInt(int64(rollingHash(Identity(operationName, variables, query))), 10)
}

// Supplied returns the key for a caller-supplied hash. A hash that is
// already such a key is returned unchanged.
func Supplied(hash string) string {
	if strings.HasPrefix(hash, Prefix) && strings.HasSuffix(hash, SuppliedSuffix) {
		return hash
	}
	return Prefix + hash + SuppliedSuffix
}

// ExpiryKey returns the expiry record key for a value key
func ExpiryKey(key string) string {
	return key + ExpirySuffix
}

// IsExpiryKey reports whether a store key is an expiry record in this namespace
func IsExpiryKey(key string) bool {
	return strings.HasPrefix(key, Prefix) && strings.HasSuffix(key, ExpirySuffix) && len(key) > len(Prefix)+len(ExpirySuffix)
}

// IsNamespaced reports whether a store key belongs to this cache
func IsNamespaced(key string) bool {
	return strings.HasPrefix(key, Prefix)
}

// ValueKey returns the value record key paired with an expiry record key
func ValueKey(expiryKey string) string {
	return strings.TrimSuffix(expiryKey, ExpirySuffix)
}

// rollingHash folds every UTF-16 code unit into a 32-bit multiplicative hash
func rollingHash(s string) int32 {
	h := int32(9)
	for _, c := range utf16.Encode([]rune(s)) {
		h = int32(uint32(h^int32(c)) * hashMultiplier)
	}
	return h ^ int32(uint32(h)>>9)
}

// stringifyVariables renders variables as JSON with sorted object keys.
// Absent variables render as "undefined".
func stringifyVariables(variables interface{}) string {
	if variables == nil {
		return "undefined"
	}

	var raw []byte
	switch v := variables.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := marshal(v)
		if err != nil {
			return "undefined"
		}
		return string(data)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return "undefined"
	}
	return string(normalizeJSON(raw))
}

// normalizeJSON re-encodes raw JSON so structurally equal objects produce equal bytes
func normalizeJSON(raw []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return raw
	}

	normalized, err := marshal(data)
	if err != nil {
		return raw
	}
	return normalized
}

// marshal encodes like JSON.stringify: no HTML escaping, no trailing newline
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
