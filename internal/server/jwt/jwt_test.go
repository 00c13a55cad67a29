package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/validation"
)

const testSecret = "test-secret-key-0123456789"

func TestGenerateAndValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := now
	svc, err := NewService(testSecret, time.Hour, clock.Func(func() time.Time { return current }))
	require.NoError(t, err)

	token, expiresAt, err := svc.Generate("jdoe", "aus")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", claims.Technician)
	assert.Equal(t, "AUS", claims.Site)
	assert.Equal(t, Issuer, claims.Issuer)

	current = now.Add(2 * time.Hour)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_Rejects(t *testing.T) {
	svc, err := NewService(testSecret, time.Hour, nil)
	require.NoError(t, err)
	other, err := NewService("another-secret-key-0123456789", time.Hour, nil)
	require.NoError(t, err)

	foreign, _, err := other.Generate("jdoe", "")
	require.NoError(t, err)

	noExp := gojwt.NewWithClaims(gojwt.SigningMethodHS256, Claims{
		Technician:       "jdoe",
		RegisteredClaims: gojwt.RegisteredClaims{Issuer: Issuer},
	})
	noExpToken, err := noExp.SignedString([]byte(testSecret))
	require.NoError(t, err)

	none := gojwt.NewWithClaims(gojwt.SigningMethodNone, Claims{Technician: "jdoe"})
	noneToken, err := none.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: foreign},
		{name: "no expiry", token: noExpToken},
		{name: "alg none", token: noneToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, claims)
		})
	}
}

func TestNewService_ShortSecret(t *testing.T) {
	_, err := NewService("short", time.Hour, nil)
	assert.Error(t, err)

	svc, err := NewService(testSecret, time.Hour, nil)
	require.NoError(t, err)
	_, _, err = svc.Generate("j doe", "")
	assert.ErrorIs(t, err, validation.ErrInvalidInput)
}
