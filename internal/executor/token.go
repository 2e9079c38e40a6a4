package executor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

const tokenBytes = 32

// NewAgentToken returns a fresh agent token and the hash persisted for it.
// Only the hash is stored, so a leaked node record cannot be replayed.
func NewAgentToken() (token, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken returns the hex encoded blake2b-256 hash of token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches reports in constant time whether token hashes to hash.
func TokenMatches(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}

// TokenState classifies a token presented by an agent.
type TokenState int

const (
	// TokenUnknown was never issued to the running sequence.
	TokenUnknown TokenState = iota
	// TokenCurrent belongs to the step under the cursor.
	TokenCurrent
	// TokenRetired belongs to a step the sequence already moved past.
	TokenRetired
)

// CheckToken classifies token against the cursor in dii.
func CheckToken(token string, dii *v1alpha1.DriverInternalInfo) TokenState {
	if TokenMatches(token, dii.AgentTokenHash) {
		return TokenCurrent
	}
	for _, hash := range dii.RetiredTokenHashes {
		if TokenMatches(token, hash) {
			return TokenRetired
		}
	}
	return TokenUnknown
}
