package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/notes"
	"github.com/AlexKimmel/bucketgate/internal/obs"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/redisstore"
)

type fixture struct {
	handler  http.Handler
	redis    *miniredis.Miniredis
	verifier *auth.Verifier
}

func newFixture(t *testing.T, global ...ratelimit.Policy) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	store := redisstore.New(client, "rate_limit")
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})

	codec, err := ratelimit.NewHeaderCodec(bytes.Repeat([]byte{3}, 64), []byte("nonce"), ratelimit.HeaderNames{})
	require.NoError(t, err)
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	rl, err := gateway.NewRateLimiter(ratelimit.NewEvaluator(store, ratelimit.KeyResolver{}, codec), gateway.RateLimitOptions{
		Global:       global,
		ExcludePaths: []string{"^/metrics$"},
		OnLimited:    metrics.OnLimited,
		OnError:      metrics.OnLimiterError,
	})
	require.NoError(t, err)

	verifier, err := auth.NewVerifier([]byte("test-secret-test-secret-test-sec"))
	require.NoError(t, err)
	repo, err := notes.NewMemoryRepository(7)
	require.NoError(t, err)

	h := NewRouter(Options{
		Logger:      zerolog.New(io.Discard),
		Metrics:     metrics,
		MetricsPath: "/metrics",
		Version:     "test",
		Limiter:     rl,
		Verifier:    verifier,
		Notes:       repo,
		Cache:       store,
	})
	return &fixture{handler: h, redis: mr, verifier: verifier}
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, Health{DatabaseStatus: "online", CacheStatus: "online"}, h)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), "exempt route")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_CacheOffline(t *testing.T) {
	f := newFixture(t)
	f.redis.Close()

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "offline", h.CacheStatus)
	assert.Equal(t, "online", h.DatabaseStatus)
}

func TestNotes_RequireAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/users/@me/notes", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := f.verifier.Sign("user-1")
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/v1/users/@me/notes", tok, `{"title":"a","content":"b"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestGlobalLimitAcrossRoutes(t *testing.T) {
	f := newFixture(t, ratelimit.NewPolicy(2, 0.001))
	tok, err := f.verifier.Sign("user-2")
	require.NoError(t, err)

	for range 3 {
		rec := f.do(t, http.MethodGet, "/api/v1/version", tok, "")
		require.Equal(t, http.StatusOK, rec.Code, "exempt routes skip global limits")
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/users/@me/notes", tok, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/users/@me/notes", tok, "").Code)

	rec := f.do(t, http.MethodGet, "/api/v1/users/@me/notes", tok, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-RateLimit-Global"))

	metrics := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, metrics.Code, "metrics path is excluded")
	assert.Contains(t, metrics.Body.String(), `bucketgate_rate_limited_total{scope="global"} 1`)
	assert.Contains(t, metrics.Body.String(), `bucketgate_requests_total{code="429",method="GET",route="unmatched"} 1`, "rejected before routing")
}
