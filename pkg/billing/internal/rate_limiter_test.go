package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(limit, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_WindowResets(t *testing.T) {
	limiter, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Allow("10.0.0.1")
		require.True(t, ok, "request %d", i)
	}
	ok, retryAfter := limiter.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	// Other clients are unaffected.
	ok, _ = limiter.Allow("10.0.0.2")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	ok, _ = limiter.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 50; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	assert.Len(t, limiter.requests, 50)

	clock.Advance(30 * time.Second)
	limiter.Cleanup()
	assert.Len(t, limiter.requests, 50)

	clock.Advance(time.Minute)
	limiter.Cleanup()
	assert.Empty(t, limiter.requests)
}

func TestRateLimiter_SweepsOnSizeThreshold(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)

	for i := 0; i <= limiter.cleanupAtSize; i++ {
		limiter.Allow(fmt.Sprintf("172.16.%d.%d", i/256, i%256))
	}
	clock.Advance(2 * time.Minute)

	// The map is over the threshold, so the next call sweeps it.
	limiter.Allow("10.0.0.9")
	assert.Len(t, limiter.requests, 1)
}

func TestRateLimiter_CounterReset(t *testing.T) {
	limiter, _ := newTestLimiter(10000, time.Minute)
	for i := 0; i < limiter.cleanupEvery*10; i++ {
		limiter.Allow("10.0.0.1")
	}
	assert.Equal(t, 0, limiter.requestCount)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remoteAddr, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = remoteAddr
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Different source ports share the same bucket.
	assert.Equal(t, http.StatusOK, send("203.0.113.5:1111", "").Code)
	assert.Equal(t, http.StatusOK, send("203.0.113.5:2222", "").Code)
	rec := send("203.0.113.5:3333", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("203.0.113.5:4444", "198.51.100.7, 10.0.0.1").Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", GetClientIP(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.7 ,10.0.0.1")
	assert.Equal(t, "198.51.100.7", GetClientIP(req))
}

func TestReadBodyStrict(t *testing.T) {
	read := func(body string, limit int64) ([]byte, error) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return ReadBodyStrict(httptest.NewRecorder(), req, limit)
	}

	body, err := read(`{"ok":true}`, 64)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	_, err = read("", 64)
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = read(strings.Repeat("x", 65), 64)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
