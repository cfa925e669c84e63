package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTAuthenticatorAcceptsValidToken(t *testing.T) {
	auth := NewJWTAuthenticator("s3cret")
	token := signToken(t, "s3cret", Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.True(t, id.IsAdmin())
}

func TestJWTAuthenticatorDefaultsRole(t *testing.T) {
	auth := NewJWTAuthenticator("s3cret")
	token := signToken(t, "s3cret", Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	id, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, id.Role)
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	auth := NewJWTAuthenticator("s3cret")
	cases := map[string]string{
		"wrong secret": signToken(t, "other", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "a", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}),
		"expired":      signToken(t, "s3cret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "a", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}}),
		"no expiry":    signToken(t, "s3cret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "a"}}),
		"no subject":   signToken(t, "s3cret", Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}),
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
