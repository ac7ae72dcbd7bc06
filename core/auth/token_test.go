package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, claims jwt.StandardClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("directory-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func Test_TokenExpiry(t *testing.T) {
	exp := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("expiry claim is honored", func(t *testing.T) {
		got, err := TokenExpiry(signToken(t, jwt.StandardClaims{ExpiresAt: exp.Unix()}))
		if err != nil {
			t.Fatalf("TokenExpiry() failed: %v", err)
		}
		assert.Equal(t, exp, got)
	})

	t.Run("no expiry claim means no known expiry", func(t *testing.T) {
		got, err := TokenExpiry(signToken(t, jwt.StandardClaims{Subject: "inst-a"}))
		if err != nil {
			t.Fatalf("TokenExpiry() failed: %v", err)
		}
		assert.True(t, got.IsZero())
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := TokenExpiry("not-a-token")
		assert.Equal(t, errMalformedToken, err)
	})
}

func Test_Gateway_establish_usesDirectoryTokenExpiry(t *testing.T) {
	gw, deps := setup(t)
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second).UTC()
	deps.provider.result = DirectoryResult{
		Status:  StatusOK,
		ActorID: "inst-a",
		Role:    RoleInstituteAdmin,
		Token:   signToken(t, jwt.StandardClaims{ExpiresAt: exp.Unix()}),
	}

	sess, err := gw.LoginInstitute(context.Background(), "admin@test.cd", "pwd")
	if err != nil {
		t.Fatalf("LoginInstitute() failed: %v", err)
	}
	assert.Equal(t, exp, sess.ExpiresAt)
}
