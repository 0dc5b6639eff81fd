package auth

import (
	"crypto/rand"
	"encoding/base64"
)

const opaqueTokenBytes = 32

// TokenIssuer produces single-use opaque tokens.
type TokenIssuer interface {
	Issue() (string, error)
}

// OpaqueTokenIssuer returns 256-bit random tokens encoded as unpadded base64url,
// safe to carry in a query string.
type OpaqueTokenIssuer struct{}

// NewTokenIssuer returns the default issuer.
func NewTokenIssuer() OpaqueTokenIssuer {
	return OpaqueTokenIssuer{}
}

// Issue returns a fresh token.
func (OpaqueTokenIssuer) Issue() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
