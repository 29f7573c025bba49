package ratelimit_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
)

var (
	testKey   = bytes.Repeat([]byte{0x42}, 64)
	testNonce = bytes.Repeat([]byte{0x07}, 12)
	testWall  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(secs float64) {
	c.mu.Lock()
	c.now += secs
	c.mu.Unlock()
}

// recordingStore wraps a Store and counts calls, optionally failing them.
type recordingStore struct {
	ratelimit.Store
	mu      sync.Mutex
	gets    int
	sets    int
	getErr  error
	setErr  error
	lastTTL time.Duration
	lastCtx context.Context
}

func (s *recordingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	s.gets++
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return s.Store.Get(ctx, key)
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.sets++
	s.lastTTL = ttl
	s.lastCtx = ctx
	err := s.setErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, value, ttl)
}

var errBoom = errors.New("boom")

func newCodec(t *testing.T) *ratelimit.HeaderCodec {
	t.Helper()
	c, err := ratelimit.NewHeaderCodec(testKey, testNonce, ratelimit.DefaultHeaderNames(),
		ratelimit.WithWallClock(func() time.Time { return testWall }))
	require.NoError(t, err)
	return c
}

func newEvaluator(t *testing.T) (*ratelimit.Evaluator, *recordingStore, *fakeClock) {
	t.Helper()
	store := &recordingStore{Store: memory.New()}
	clock := &fakeClock{now: 1000}
	ev := ratelimit.NewEvaluator(store, ratelimit.KeyResolver{}, newCodec(t), ratelimit.WithClock(clock))
	return ev, store, clock
}

func newRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = "203.0.113.9:51234"
	return r
}
