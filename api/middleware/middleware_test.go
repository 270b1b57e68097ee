package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBearerAuth(t *testing.T) {
	svc, err := auth.NewJWTService(testSecret, time.Hour)
	require.NoError(t, err)
	token, _, err := svc.GenerateAccessToken("alice", authz.RoleReviewer)
	require.NoError(t, err)

	r := gin.New()
	r.Use(BearerAuth(svc))
	r.GET("/me", func(c *gin.Context) {
		actor, ok := authz.FromContext(c.Request.Context())
		require.True(t, ok)
		c.String(http.StatusOK, actor.Subject+":"+c.GetString(ContextRoleKey))
	})

	w := perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice:reviewer", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, perform(r, http.MethodGet, "/me", nil).Code)
	assert.Equal(t, http.StatusBadRequest, perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer"}).Code)
	assert.Equal(t, http.StatusUnauthorized, perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Basic abc"}).Code)
	assert.Equal(t, http.StatusUnauthorized, perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer garbage"}).Code)
}

func TestRequireCapability(t *testing.T) {
	withActor := func(role string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Request = c.Request.WithContext(authz.WithActor(c.Request.Context(), authz.NewActor("x", role)))
			c.Set(ContextRoleKey, role)
		}
	}

	for role, want := range map[string]int{
		authz.RoleAdmin:    http.StatusOK,
		authz.RoleReviewer: http.StatusForbidden,
		authz.RoleAgent:    http.StatusForbidden,
	} {
		r := gin.New()
		r.GET("/op", withActor(role), RequireCapability(authz.CapOperate), func(c *gin.Context) { c.Status(http.StatusOK) })
		assert.Equal(t, want, perform(r, http.MethodGet, "/op", nil).Code, role)
	}

	r := gin.New()
	r.GET("/op", RequireCapability(authz.CapReview), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusForbidden, perform(r, http.MethodGet, "/op", nil).Code)

	r = gin.New()
	r.GET("/admin", withActor(authz.RoleAgent), RequireRole(authz.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusForbidden, perform(r, http.MethodGet, "/admin", nil).Code)
}

func TestIPRateLimiter(t *testing.T) {
	rl := NewIPRateLimiter(0.001, 2, time.Minute)
	defer rl.StopCleanup()

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	a := map[string]string{"X-Real-IP": "10.0.0.1"}
	b := map[string]string{"X-Real-IP": "10.0.0.2"}
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", a).Code)
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", a).Code)
	assert.Equal(t, http.StatusTooManyRequests, perform(r, http.MethodGet, "/", a).Code)
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", b).Code)

	rl.StopCleanup()
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestIDKey)) })

	w := perform(r, http.MethodGet, "/", map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	w = perform(r, http.MethodGet, "/", nil)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestConcurrencyLimiter(t *testing.T) {
	cl := NewConcurrencyLimiter("image pipeline", 1)
	release := make(chan struct{})
	entered := make(chan struct{})

	r := gin.New()
	r.Use(cl.Middleware())
	r.GET("/slow", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})
	r.GET("/fast", func(c *gin.Context) { c.Status(http.StatusOK) })

	done := make(chan int)
	go func() { done <- perform(r, http.MethodGet, "/slow", nil).Code }()
	<-entered
	assert.Equal(t, int64(1), cl.InFlight())

	w := perform(r, http.MethodGet, "/fast", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, "image pipeline: all 1 slots busy, retry later", body.Msg)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/fast", nil).Code)
	assert.Zero(t, cl.InFlight())
}

func TestConcurrencyLimiter_BlockTimesOut(t *testing.T) {
	cl := NewConcurrencyLimiter("image pipeline", 0)
	release := make(chan struct{})
	entered := make(chan struct{})

	r := gin.New()
	r.Use(cl.MiddlewareWithBlock(50 * time.Millisecond))
	r.POST("/variants", func(c *gin.Context) {
		select {
		case <-entered:
		default:
			close(entered)
			<-release
		}
		c.Status(http.StatusAccepted)
	})

	done := make(chan int)
	go func() { done <- perform(r, http.MethodPost, "/variants", nil).Code }()
	<-entered

	w := perform(r, http.MethodPost, "/variants", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "image pipeline: all 1 slots busy")

	close(release)
	assert.Equal(t, http.StatusAccepted, <-done)
	assert.Equal(t, http.StatusAccepted, perform(r, http.MethodPost, "/variants", nil).Code)
}

func TestCDNFiles(t *testing.T) {
	r := gin.New()
	r.GET("/cdn/*filepath", CDNFiles(24*time.Hour), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(r, http.MethodGet, "/cdn/products/abc/card.jpg", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Header().Get("Cache-Control"), "max-age=86400"))

	assert.Equal(t, http.StatusNotFound, perform(r, http.MethodGet, "/cdn/etc/passwd", nil).Code)
	assert.Equal(t, http.StatusNotFound, perform(r, http.MethodGet, "/cdn/products/abc/huge.jpg", nil).Code)
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewHTTPMetrics(reg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	perform(r, http.MethodGet, "/items/1", nil)
	perform(r, http.MethodGet, "/items/2", nil)
	perform(r, http.MethodGet, "/nope", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/items/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "unmatched", "404")))

	_, err = NewHTTPMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}
