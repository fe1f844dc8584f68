package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func mintToken(t *testing.T, secret, issuer string, method jwt.SigningMethod, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        "jti-1",
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestNewVerifierRejectsShortSecret(t *testing.T) {
	if _, err := NewVerifier("short", "gate", 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier(testSecret, "gate", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: mintToken(t, testSecret, "gate", jwt.SigningMethodHS256, time.Hour)},
		{name: "expired", token: mintToken(t, testSecret, "gate", jwt.SigningMethodHS256, -time.Hour), wantErr: true},
		{name: "wrong secret", token: mintToken(t, "ffffffffffffffffffffffffffffffff", "gate", jwt.SigningMethodHS256, time.Hour), wantErr: true},
		{name: "wrong issuer", token: mintToken(t, testSecret, "other", jwt.SigningMethodHS256, time.Hour), wantErr: true},
		{name: "wrong alg", token: mintToken(t, testSecret, "gate", jwt.SigningMethodHS384, time.Hour), wantErr: true},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Fatalf("err=%v want ErrInvalidToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if claims.Subject != "ops" || claims.ID != "jti-1" {
				t.Fatalf("claims=%+v", claims)
			}
		})
	}
}

func TestVerifyLeewayToleratesSkew(t *testing.T) {
	v, err := NewVerifier(testSecret, "gate", time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Expired ten seconds ago, within the configured minute of leeway.
	token := mintToken(t, testSecret, "gate", jwt.SigningMethodHS256, -10*time.Second)
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("leeway not honored: %v", err)
	}
}
