package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "identity"
	testUserID        = "user-123"
)

func newTestVerifier(t *testing.T, now time.Time) *TokenVerifier {
	t.Helper()
	verifier, err := NewTokenVerifier(TokenVerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func mustSign(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestTokenVerifierAcceptsValidToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mustSign(t, jwt.SigningMethodHS256, []byte(testSigningSecret), Claims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("unexpected verification failure: %v", err)
	}
	if claims.UserID != testUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestTokenVerifierRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mustSign(t, jwt.SigningMethodHS256, []byte(testSigningSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})

	if _, err := verifier.Verify(signed); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenVerifierRejectsForeignIssuerAndKey(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	testCases := []struct {
		name   string
		key    string
		issuer string
	}{
		{name: "issuer", key: testSigningSecret, issuer: "someone-else"},
		{name: "key", key: "other-secret", issuer: testIssuer},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			signed := mustSign(t, jwt.SigningMethodHS256, []byte(testCase.key), Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    testCase.issuer,
					Subject:   testUserID,
					ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
				},
			})
			if _, err := verifier.Verify(signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token error, got %v", err)
			}
		})
	}
}

func TestTokenVerifierRequiresSubject(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mustSign(t, jwt.SigningMethodHS256, []byte(testSigningSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestNewTokenVerifierValidatesConfig(t *testing.T) {
	if _, err := NewTokenVerifier(TokenVerifierConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewTokenVerifier(TokenVerifierConfig{SigningSecret: []byte(testSigningSecret)}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
