package auth

import (
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	hash, err := users.HashPassword("operator-pass")
	require.NoError(t, err)
	u, err := users.NewService(map[string]string{"op": hash})
	require.NoError(t, err)
	return NewService(u, Config{JWTSecret: "test-secret", TokenTTL: time.Hour})
}

func TestLoginIssuesValidToken(t *testing.T) {
	s := newService(t)
	assert.True(t, s.Enabled())

	token, err := s.Login("op", "operator-pass")
	require.NoError(t, err)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "op", claims.Username)
	assert.Equal(t, users.RoleOperator, claims.Role)
	assert.Equal(t, "overlord", claims.Issuer)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newService(t)

	_, err := s.Login("op", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login("ghost", "operator-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	token, err := GenerateToken(Config{JWTSecret: "a"}, "op", "operator")
	require.NoError(t, err)

	_, err = ValidateToken("b", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken("a", "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := GenerateToken(Config{JWTSecret: "a", TokenTTL: time.Nanosecond}, "op", "operator")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = ValidateToken("a", expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRequiresHS256(t *testing.T) {
	claims := Claims{
		Username: "op",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "overlord",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("a"))
	require.NoError(t, err)

	_, err = ValidateToken("a", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateTokenNeedsSecret(t *testing.T) {
	_, err := GenerateToken(Config{}, "op", "operator")
	assert.Error(t, err)
}
