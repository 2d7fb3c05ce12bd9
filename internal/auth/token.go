package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken indicates the bearer token is not a parseable JWT.
	ErrMalformedToken = errors.New("auth: malformed bearer token")
)

// TokenInfo is what the engine reads out of the bearer token it is handed.
// The engine never validates the signature; the backend does that on every
// call. It only inspects the claims to know who it acts as and when the
// token lapses, so the sync scheduler can stop pulling instead of hammering
// the API with a dead credential.
type TokenInfo struct {
	UserID    string
	ExpiresAt time.Time
}

// Inspect parses the token without verifying it and extracts subject and expiry.
func Inspect(token string) (TokenInfo, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return TokenInfo{}, fmt.Errorf("%w: empty", ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	info := TokenInfo{}
	if subject, err := claims.GetSubject(); err == nil {
		info.UserID = subject
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		info.ExpiresAt = expiry.Time
	}
	return info, nil
}

// ExpiredAt reports whether the token has lapsed at the given instant. Tokens
// without an exp claim never report expired.
func (t TokenInfo) ExpiredAt(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}
