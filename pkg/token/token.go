package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes gives 256 bits of entropy, enough that collisions across
// all tokens ever issued are vanishingly unlikely.
const tokenBytes = 32

// New returns a fresh unguessable token safe to embed in a URL query
// parameter without further encoding. The only failure mode is the
// system randomness source being unavailable.
func New() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
