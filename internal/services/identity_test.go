package services

import (
	"testing"
	"time"

	"aquachat/config"
	chaterrors "aquachat/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, userID, tenantID string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTIdentity_Verify(t *testing.T) {
	userID := uuid.New()
	tenantID := uuid.New()
	adapter := NewJWTIdentity(&config.Config{JWTSecret: "s3cret"})

	ident, err := adapter.Verify(signToken(t, "s3cret", userID.String(), tenantID.String(), time.Hour))
	require.NoError(t, err)
	assert.Equal(t, userID, ident.UserID)
	assert.Equal(t, tenantID, ident.TenantID)
}

func TestJWTIdentity_Rejections(t *testing.T) {
	userID := uuid.New().String()
	tenantID := uuid.New().String()
	adapter := NewJWTIdentity(&config.Config{JWTSecret: "s3cret"})

	cases := map[string]string{
		"empty token":    "",
		"garbage":        "not-a-token",
		"wrong secret":   signToken(t, "other", userID, tenantID, time.Hour),
		"expired":        signToken(t, "s3cret", userID, tenantID, -time.Hour),
		"bad user id":    signToken(t, "s3cret", "banana", tenantID, time.Hour),
		"missing tenant": signToken(t, "s3cret", userID, "", time.Hour),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := adapter.Verify(token)
			assert.ErrorIs(t, err, chaterrors.ErrUnauthorized)
		})
	}
}
