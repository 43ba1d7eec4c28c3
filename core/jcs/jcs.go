package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) canonical form of JSON input.
func Canonicalize(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Digest canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func Digest(input []byte) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestValue marshals a JSON-encodable value and returns its canonical
// sha256 hex digest. Every capsule fingerprint and ledger leaf hash flows
// through this function so hashing cannot diverge by call site.
func DigestValue(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	return Digest(raw)
}

// DigestBytes returns the sha256 hex digest of raw bytes without
// canonicalization, for opaque content hashes such as raw_sha256.
func DigestBytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
