// Package auth implements the shared-secret challenge/response used by
// the session handshake: a random hex nonce answered with the
// HMAC-SHA1 of the nonce under the shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// NonceSize is the number of random bytes in a challenge nonce.
const NonceSize = 20

// NewNonce returns a fresh hex-encoded challenge nonce.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: nonce generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Respond computes the lowercase-hex HMAC-SHA1 response for a
// challenge nonce under the shared secret.
func Respond(secret, nonce string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether response answers nonce under secret. The
// comparison is constant-time.
func Verify(secret, nonce, response string) bool {
	want := Respond(secret, nonce)
	return hmac.Equal([]byte(want), []byte(response))
}
