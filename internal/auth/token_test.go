package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(testContext *testing.T, claims jwt.MapClaims) string {
	testContext.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestInspectReadsSubjectAndExpiry(testContext *testing.T) {
	expiresAt := time.Unix(1_800_000_000, 0)
	token := signToken(testContext, jwt.MapClaims{
		"sub": "user-42",
		"exp": expiresAt.Unix(),
	})

	info, err := Inspect(token)
	if err != nil {
		testContext.Fatalf("failed to inspect token: %v", err)
	}
	if info.UserID != "user-42" {
		testContext.Fatalf("expected subject user-42, got %q", info.UserID)
	}
	if !info.ExpiresAt.Equal(expiresAt) {
		testContext.Fatalf("expected expiry %v, got %v", expiresAt, info.ExpiresAt)
	}
}

func TestInspectRejectsMalformedTokens(testContext *testing.T) {
	for _, token := range []string{"", "   ", "not.a.jwt", "one-part"} {
		_, err := Inspect(token)
		if !errors.Is(err, ErrMalformedToken) {
			testContext.Fatalf("token %q: expected ErrMalformedToken, got %v", token, err)
		}
	}
}

func TestExpiredAtHonorsMissingExpClaim(testContext *testing.T) {
	token := signToken(testContext, jwt.MapClaims{"sub": "user-42"})
	info, err := Inspect(token)
	if err != nil {
		testContext.Fatalf("failed to inspect token: %v", err)
	}
	if info.ExpiredAt(time.Unix(2_000_000_000, 0)) {
		testContext.Fatalf("expected token without exp to never expire")
	}

	expiry := time.Unix(1_700_000_000, 0)
	bounded := TokenInfo{ExpiresAt: expiry}
	if bounded.ExpiredAt(expiry.Add(-time.Second)) {
		testContext.Fatalf("expected token valid before expiry")
	}
	if !bounded.ExpiredAt(expiry) {
		testContext.Fatalf("expected token expired at the exact instant")
	}
	if !bounded.ExpiredAt(expiry.Add(time.Second)) {
		testContext.Fatalf("expected token expired after expiry")
	}
}
