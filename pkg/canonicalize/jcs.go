// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for persisted dataset records, so the same record always
// produces the same bytes and digest regardless of which backend wrote it.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags and custom
// marshallers apply, then transformed: keys sorted by UTF-16 code units,
// numbers in their shortest round-trip form, no HTML escaping.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal %T: %w", v, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform %T: %w", v, err)
	}
	return out, nil
}

// CanonicalHash is the SHA-256 hex digest of JCS(v).
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
