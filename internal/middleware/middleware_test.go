package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvault/backend/internal/auth"
	"github.com/clipvault/backend/internal/metrics"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/me", func(c *gin.Context) {
		if owner := Owner(c); owner != nil {
			c.String(http.StatusOK, owner.String())
			return
		}
		c.String(http.StatusOK, "anonymous")
	})
	return r
}

func get(r http.Handler, path, authz string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTRequired(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", 1)
	r := newRouter(JWT(jwtSvc, true))

	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "Bearer abc").Code)

	id := uuid.New()
	token, err := jwtSvc.Generate(id, "a@example.com")
	require.NoError(t, err)
	w := get(r, "/me", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), w.Body.String())
}

func TestJWTOptional(t *testing.T) {
	r := newRouter(JWT(auth.NewJWTService("secret", 1), false))

	w := get(r, "/me", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "Bearer garbage").Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(CORS("http://a.test, http://b.test"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://b.test")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://b.test", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	m := metrics.New()
	r := newRouter(Metrics(m))
	get(r, "/me", "")
	get(r, "/missing", "")

	expected := `
# HELP clipvault_http_requests_total HTTP requests by method, route and status code.
# TYPE clipvault_http_requests_total counter
clipvault_http_requests_total{method="GET",route="/me",status="200"} 1
clipvault_http_requests_total{method="GET",route="unmatched",status="404"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "clipvault_http_requests_total"))
}
