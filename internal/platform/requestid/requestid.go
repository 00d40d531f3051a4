// Package requestid issues the opaque correlation ids attached to
// request logs and error payloads.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// 128 bits of entropy, rendered as 32 hex characters.
const idBytes = 16

// New draws a fresh id from crypto/rand. The only failure mode is the
// platform randomness source being unavailable.
func New() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
