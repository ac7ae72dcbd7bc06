package echoapi

import (
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
)

const contextTokenKey = "sessionToken"

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	Role        string `json:"role,omitempty"`
	InstituteID string `json:"institute_id,omitempty"`
	Offline     bool   `json:"offline,omitempty"` // established against the credential cache
}

func (c Claims) IsAdmin() bool { return auth.Role(c.Role).IsAdmin() }

func newAppJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    conf.SecretKey,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// sessionClaims maps an established gateway session to token claims; the role
// and institute always come from the session, never from client input.
func sessionClaims(conf *core.Config, sess auth.Session) *Claims {
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:   conf.AppName,
			Subject:  sess.ActorID,
			IssuedAt: sess.EstablishedAt.Unix(),
		},
		Role:        string(sess.Role),
		InstituteID: sess.InstituteID,
		Offline:     sess.Offline,
	}
	if !sess.ExpiresAt.IsZero() {
		claims.ExpiresAt = sess.ExpiresAt.Unix()
	} else {
		claims.ExpiresAt = time.Now().Add(conf.Server.JWTExpirationDelta).Unix()
	}
	return claims
}

// GenerateToken generates a signed JWT token string representing the session Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(conf.SecretKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
