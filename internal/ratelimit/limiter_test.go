package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPLimiter_Memory(t *testing.T) {
	hl, err := NewHTTPLimiter("5-M", nil)
	require.NoError(t, err)
	assert.NotNil(t, hl)
}

func TestNewHTTPLimiter_InvalidRate(t *testing.T) {
	_, err := NewHTTPLimiter("not-a-rate", nil)
	assert.Error(t, err)
}

func TestMiddleware_AllowsThenBlocks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hl, err := NewHTTPLimiter("3-M", nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(hl.Middleware())
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/status", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddleware_RedisBacked(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hl, err := NewHTTPLimiter("2-M", rc)
	require.NoError(t, err)

	r := gin.New()
	r.Use(hl.Middleware())
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/status", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddleware_RedisDown_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hl, err := NewHTTPLimiter("1-M", rc)
	require.NoError(t, err)
	mr.Close()

	r := gin.New()
	r.Use(hl.Middleware())
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/status", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
