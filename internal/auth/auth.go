// Package auth validates the bearer tokens presented by chat clients. Token
// issuance belongs to an external service; Issue exists for development and
// the admin CLI.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Validator resolves a bearer token to a user id.
type Validator interface {
	Validate(token string) (string, error)
}

// JWTValidator checks HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Validate returns the token subject. Expired, foreign-issuer and
// wrongly-signed tokens are rejected with ErrInvalidToken.
func (v *JWTValidator) Validate(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}

// Issue signs a token for userID valid for ttl.
func (v *JWTValidator) Issue(userID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
