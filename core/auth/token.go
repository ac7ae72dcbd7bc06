package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

var errMalformedToken = errors.New("malformed directory token")

// TokenExpiry extracts the expiry claim from a directory-issued JWT without
// verifying its signature; the directory owns the key, we only honor its
// token lifetime. Session expiry is then checked lazily at point of use.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, errMalformedToken
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(claims.ExpiresAt, 0).UTC(), nil
}
