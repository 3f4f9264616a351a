package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

func newTestAuthService() *AuthService {
	return NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Minute, Issuer: "complaint-desk"})
}

func TestAuthServiceIssueAndValidate(t *testing.T) {
	svc := newTestAuthService()

	token, expiresAt, err := svc.IssueToken("staff-1", models.RoleStaff)
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "staff-1", claims.UserID)
	require.Equal(t, models.Actor{ID: "staff-1", Role: models.RoleStaff}, claims.Actor())
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := newTestAuthService()
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := svc.IssueToken("user-1", models.RoleUser)
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestAuthServiceRejectsForeignIssuerAndSecret(t *testing.T) {
	svc := newTestAuthService()
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "someone-else"})
	token, _, err := other.IssueToken("user-1", models.RoleUser)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)

	forged := NewAuthService(nil, AuthConfig{AccessTokenSecret: "other", Issuer: "complaint-desk"})
	token, _, err = forged.IssueToken("user-1", models.RoleUser)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestAuthServiceRejectsUnknownRole(t *testing.T) {
	svc := newTestAuthService()
	claims := &models.JWTClaims{
		UserID: "user-1",
		Role:   models.UserRole("superuser"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "complaint-desk",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, _, err = svc.IssueToken("user-1", models.UserRole("superuser"))
	require.ErrorIs(t, err, appErrors.ErrValidation)
}
