package encoding

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// StableHash returns the SHA-256 digest of s.
func StableHash(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// StableHashHex returns the lowercase hex SHA-256 digest of s.
// Callers that need short identifiers slice the result; the prefix of a
// SHA-256 digest is itself uniformly distributed.
func StableHashHex(s string) string {
	return hex.EncodeToString(StableHash(s))
}

// CanonicalJSON marshals v and rewrites the result with object keys
// sorted at every nesting level. Structurally equal values produce
// byte-identical output, which makes the bytes safe to hash.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep number literals intact across the round trip
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}

// HashJSONHex returns the hex SHA-256 digest of the canonical JSON form
// of v. It is the content hash used for transcript identity.
func HashJSONHex(v any) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
