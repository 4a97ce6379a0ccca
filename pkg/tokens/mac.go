package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// newTokenID returns a 128-bit random identifier in URL-safe base64.
func newTokenID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// integrityTag computes the HMAC-SHA256 tag binding a token's identity to
// its grant. A record whose id, operation, dataset, or owner was altered
// in the store no longer verifies.
func integrityTag(secret, id string, op types.Operation, dataset, owner string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%s|%s", id, op, dataset, owner)
	return hex.EncodeToString(mac.Sum(nil))
}

// tagValid checks a token's integrity tag in constant time.
func tagValid(secret string, tok *types.Token) bool {
	want := integrityTag(secret, tok.ID, tok.Operation, tok.Dataset, tok.OwnerID)
	return hmac.Equal([]byte(want), []byte(tok.IntegrityTag))
}
