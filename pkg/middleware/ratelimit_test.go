package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/plugd/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter := NewMemoryLimiter(cfg)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < cfg.RequestsPerWindow+cfg.BurstSize+5; i++ {
		if ok, _ := limiter.Allow(ctx, "user:a"); ok {
			allowed++
		}
	}
	assert.Equal(t, cfg.RequestsPerWindow+cfg.BurstSize, allowed)

	ok, _ := limiter.Allow(ctx, "user:b")
	assert.True(t, ok, "keys are independent")

	time.Sleep(200 * time.Millisecond)
	ok, _ = limiter.Allow(ctx, "user:a")
	assert.True(t, ok, "tokens refill over time")
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	limiter := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Millisecond})
	limiter.Allow(context.Background(), "k")
	time.Sleep(30 * time.Millisecond)
	limiter.Cleanup()
	assert.Empty(t, limiter.buckets)
}

func TestRedisLimiter_Allow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("plugd:ratelimit:ip:1.2.3.4"))

	mr.FastForward(time.Minute)
	ok, err = limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "window resets after expiry")
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewRedisLimiter(client, DefaultRateLimitConfig(), "")
	called := false
	h := RateLimit(limiter, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	assert.True(t, called)
}

func TestRateLimit_Middleware(t *testing.T) {
	limiter := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	h := RateLimit(limiter, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(user, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/installed-plugins/install", nil)
		req.RemoteAddr = ip + ":5000"
		if user != "" {
			req = req.WithContext(contextkeys.WithUserID(req.Context(), user))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, send("", "10.0.0.1").Code)
	w := send("", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	assert.Equal(t, http.StatusAccepted, send("alice", "10.0.0.1").Code, "users are keyed separately from addresses")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
