package ratelimit_test

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

func TestNewHeaderCodec_RejectsBadSecrets(t *testing.T) {
	_, err := ratelimit.NewHeaderCodec(testKey[:32], testNonce, ratelimit.HeaderNames{})
	assert.Error(t, err, "AES-SIV needs a 64 byte key")

	_, err = ratelimit.NewHeaderCodec(testKey, nil, ratelimit.HeaderNames{})
	assert.Error(t, err)
}

func TestHeaderCodec_BucketID(t *testing.T) {
	c := newCodec(t)
	key := "Bearer secret-token::GET::/api/v1/users/@me/notes::60::1"

	id, err := c.BucketID(key)
	require.NoError(t, err)
	again, err := c.BucketID(key)
	require.NoError(t, err)
	other, err := c.BucketID("Bearer other-token::GET::/api/v1/users/@me/notes::60::1")
	require.NoError(t, err)

	assert.Equal(t, id, again, "stable across requests")
	assert.NotEqual(t, id, other)
	assert.NotContains(t, id, "secret-token")
	assert.NotEqual(t, hex.EncodeToString([]byte(key)), id)

	raw, err := hex.DecodeString(id)
	require.NoError(t, err)
	assert.Len(t, raw, len(key), "ciphertext only, no tag")

	otherNonce, err := ratelimit.NewHeaderCodec(testKey, bytes.Repeat([]byte{0x08}, 12), ratelimit.HeaderNames{})
	require.NoError(t, err)
	fromOther, err := otherNonce.BucketID(key)
	require.NoError(t, err)
	assert.NotEqual(t, id, fromOther)
}

func TestHeaderCodec_Headers(t *testing.T) {
	c := newCodec(t)
	b := &ratelimit.TokenBucket{Key: "k", Capacity: 10, RefillRate: 0.5, Tokens: 0.5}

	h, err := c.Headers(b)
	require.NoError(t, err)

	names := ratelimit.DefaultHeaderNames()
	assert.Equal(t, "10", h.Get(names.Limit))
	assert.Equal(t, "0", h.Get(names.Remaining))
	assert.Equal(t, "1", h.Get(names.ResetAfter))
	assert.Equal(t, "1767225601", h.Get(names.Reset))
	assert.NotEmpty(t, h.Get(names.Bucket))
	assert.Empty(t, h.Get(names.Scope))
	assert.Empty(t, h.Get(names.Global))
}

func TestHeaderCodec_RejectionHeaders(t *testing.T) {
	c := newCodec(t)
	b := &ratelimit.TokenBucket{Key: "k", Capacity: 1, RefillRate: 1, Tokens: 0}
	names := ratelimit.DefaultHeaderNames()

	h, err := c.RejectionHeaders(b, true)
	require.NoError(t, err)
	assert.Equal(t, "global", h.Get(names.Scope))
	assert.Equal(t, "true", h.Get(names.Global))

	h, err = c.RejectionHeaders(b, false)
	require.NoError(t, err)
	assert.Equal(t, "user", h.Get(names.Scope))
	assert.Empty(t, h.Values(names.Global))
}

func TestHeaderCodec_CustomNames(t *testing.T) {
	c, err := ratelimit.NewHeaderCodec(testKey, testNonce, ratelimit.HeaderNames{Limit: "RateLimit-Limit"})
	require.NoError(t, err)

	h, err := c.Headers(&ratelimit.TokenBucket{Key: "k", Capacity: 3, RefillRate: 1, Tokens: 3})
	require.NoError(t, err)
	assert.Equal(t, "3", h.Get("RateLimit-Limit"))
	assert.Equal(t, "3", h.Get("X-RateLimit-Remaining"), "unset names fall back to defaults")
	for k := range h {
		assert.False(t, strings.EqualFold(k, "X-RateLimit-Limit"))
	}
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 0.34, ratelimit.RoundUp(0.331, 2))
	assert.Equal(t, 60.0, ratelimit.RoundUp(60, 2))
	assert.Equal(t, 2.0, ratelimit.RoundUp(1.2, 0))
	assert.Equal(t, 0.0, ratelimit.RoundUp(0, 2))
}
