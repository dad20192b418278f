// Package credential derives lookup prefixes and verification hashes
// from raw secret tokens, and generates fresh secrets.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// alphabet is the character set for generated secrets. Alphanumeric
// only, so tokens stay shell- and URL-safe.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// HashToken returns the hex-encoded SHA-256 digest of the secret.
// The digest is an equality check, never a lookup key on its own.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns the first n bytes of the secret, used as a fast
// non-cryptographic lookup index. The prefix is not itself secret.
func TokenPrefix(secret string, n int) string {
	if len(secret) < n {
		return secret
	}
	return secret[:n]
}

// Generator produces tagged random secrets of the form <tag>_<random>.
type Generator struct {
	// Tag is the human-readable prefix, e.g. "lap".
	Tag string

	// Size is the number of random characters after the tag.
	Size int
}

// Generate returns a fresh cryptographically random secret.
func (g Generator) Generate() (string, error) {
	// Rejection sampling keeps the character distribution uniform:
	// only bytes below the largest multiple of len(alphabet) are used.
	limit := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, g.Size)
	buf := make([]byte, g.Size)
	for len(out) < g.Size {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == g.Size {
				break
			}
		}
	}
	return g.Tag + "_" + string(out), nil
}

// TagPrefix returns the marker every generated secret starts with.
func (g Generator) TagPrefix() string {
	return g.Tag + "_"
}
