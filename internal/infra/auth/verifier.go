package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure. Callers get no
// detail about which check failed.
var ErrInvalidToken = errors.New("invalid token")

// Claims carried by operator tokens. The registered ID (jti) keys the
// revocation denylist.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks operator bearer tokens for the mutating endpoints.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewVerifier(secret, issuer string, leeway time.Duration) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway}, nil
}

// Verify parses and validates an HS256 token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithLeeway(v.leeway))
	claims := &Claims{}

	tok, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
