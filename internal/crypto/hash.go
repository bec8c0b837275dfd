package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashState computes the content hash over a device state: sha256 of the
// canonical serialization of {"apps": ..., "config": ...}.
//
// Canonicalization: object keys sorted lexicographically at every depth,
// integers without a fractional part, floats in shortest-round-trip decimal
// form, minified UTF-8, no NaN/Infinity. Two equal logical states hash
// identically byte for byte; agents rely on this for ETag-style pulls.
func HashState(apps, config map[string]any) (string, error) {
	// nil and empty are the same logical state
	if apps == nil {
		apps = map[string]any{}
	}
	if config == nil {
		config = map[string]any{}
	}
	canonical, err := CanonicalJSON(map[string]any{
		"apps":   apps,
		"config": config,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes v deterministically. The value is normalized
// through a JSON round trip so that typed inputs and generic maps of the
// same logical content produce the same bytes: encoding/json writes map
// keys in sorted order, numbers through float64 in shortest form, and no
// insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	return out, nil
}
