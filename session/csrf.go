package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"github.com/brixsport/statekit/errors"
)

// csrfSigner derives and verifies CSRF tokens. A token is the HMAC of
// the session id and its current version, so it never needs storing and
// every session update invalidates all previously issued tokens.
type csrfSigner struct {
	secret []byte
}

func newCSRFSigner(secret []byte) (*csrfSigner, error) {
	if len(secret) < 16 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "session", "newCSRFSigner",
			"csrf secret must be at least 16 bytes")
	}
	return &csrfSigner{secret: secret}, nil
}

func (c *csrfSigner) token(sessionID string, version int) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.Itoa(version)))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compares the presented token against the expected one in
// constant time.
func (c *csrfSigner) verify(sessionID string, version int, presented string) bool {
	expected := c.token(sessionID, version)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// GenerateSecret produces a random CSRF secret suitable for
// newStore configuration.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.WrapFatal(err, "session", "GenerateSecret", "read random bytes")
	}
	return secret, nil
}
