package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/service"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/logger"
)

type staticValidator struct {
	claims *models.JWTClaims
	err    error
}

func (v staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": c.GetString(logger.ActorKey)})
	})...)
	return r
}

func TestJWTRejectsMissingAndMalformedHeaders(t *testing.T) {
	r := newRouter(JWT(staticValidator{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleUser}}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTSetsActor(t *testing.T) {
	r := newRouter(JWT(staticValidator{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleUser}}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"actor":"u1"}`, rec.Body.String())
}

func TestJWTPropagatesValidatorError(t *testing.T) {
	r := newRouter(JWT(staticValidator{err: appErrors.Clone(appErrors.ErrForbidden, "unknown role")}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebsocketJWTAcceptsQueryToken(t *testing.T) {
	auth := service.NewAuthService(nil, service.AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Minute})
	token, _, err := auth.IssueToken("staff-1", models.RoleStaff)
	require.NoError(t, err)
	r := newRouter(WebsocketJWT(auth))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"actor":"staff-1"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRoles(t *testing.T) {
	cases := []struct {
		role models.UserRole
		want int
	}{
		{models.RoleStaff, http.StatusOK},
		{models.RoleAdmin, http.StatusOK},
		{models.RoleUser, http.StatusForbidden},
	}
	for _, tc := range cases {
		r := newRouter(JWT(staticValidator{claims: &models.JWTClaims{UserID: "x", Role: tc.role}}), RequireRoles(models.RoleStaff, models.RoleAdmin))
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, string(tc.role))
	}

	rec := httptest.NewRecorder()
	newRouter(RequireRoles(models.RoleAdmin)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func routeLabels(t *testing.T, metrics *service.MetricsService) map[string]bool {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	paths := make(map[string]bool)
	for _, family := range families {
		if family.GetName() != "http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "path" {
					paths[label.GetValue()] = true
				}
			}
		}
	}
	return paths
}

func TestMetricsMiddlewareRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics, "/health"))
	r.GET("/complaints/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/complaints/c-1", "/complaints/c-2", "/health", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	paths := routeLabels(t, metrics)
	require.True(t, paths["/complaints/:id"])
	require.True(t, paths["unmatched"])
	require.False(t, paths["/complaints/c-1"])
	require.False(t, paths["/health"])
	require.Len(t, paths, 2)
}

func TestMetricsMiddlewareWithoutService(t *testing.T) {
	r := newRouter(Metrics(nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
