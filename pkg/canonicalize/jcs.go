// Package canonicalize produces the evidence hash that binds a receipt to its
// payload. Payloads are serialized to JSON, strings and keys are normalized to
// Unicode NFC, and the result is rewritten in RFC 8785 (JSON Canonicalization
// Scheme) form before hashing, so construction order never changes the digest.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DigestPrefix tags every evidence hash with its algorithm.
const DigestPrefix = "sha256:"

var emptyObject = []byte("{}")

// ErrKeyCollision reports an object with two keys that are equal after NFC
// normalization. Such payloads have no single canonical form.
var ErrKeyCollision = errors.New("canonicalize: keys collide after unicode normalization")

// JCS returns the canonical JSON form of v.
//
// A nil value (or anything that serializes to JSON null) canonicalizes to the
// empty object. Map keys are sorted by the JCS rules, numbers use the
// ECMAScript representation, and HTML characters are not escaped. Objects
// whose keys collide after normalization fail with ErrKeyCollision.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	if bytes.Equal(intermediate, []byte("null")) {
		return emptyObject, nil
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	generic, err = normalize(generic)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("jcs: normalized marshal failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the evidence hash of v. It never fails: values that cannot be
// canonicalized are hashed through their fmt rendering, which prints map keys
// in sorted order.
func Hash(v any) string {
	b, err := JCS(v)
	if err != nil {
		b, _ = JCS(fmt.Sprintf("%T:%v", v, v))
	}
	return HashBytes(b)
}

// HashBytes computes the SHA-256 digest of raw bytes in prefixed hex form.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Equal reports whether two payloads share the same evidence hash.
func Equal(a, b any) bool {
	return Hash(a) == Hash(b)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case []any:
		for i := range t {
			n, err := normalize(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key := norm.NFC.String(k)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("%w: %q", ErrKeyCollision, key)
			}
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
