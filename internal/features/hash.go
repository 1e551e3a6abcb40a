package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// ContentHash returns the hex-encoded SHA-256 of the JCS (RFC 8785)
// serialization of payload. Key order and number spelling do not affect it.
func ContentHash(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal features: %w", err)
	}
	jcs, err := jsoncanonical.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize features: %w", err)
	}
	sum := sha256.Sum256(jcs)
	return hex.EncodeToString(sum[:]), nil
}
