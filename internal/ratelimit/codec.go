package ratelimit

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tink-crypto/tink-go/v2/daead/subtle"
)

const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
)

// HeaderNames are the response headers written by HeaderCodec.
type HeaderNames struct {
	Limit      string
	Remaining  string
	Reset      string
	ResetAfter string
	Bucket     string
	Scope      string
	Global     string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Limit:      "X-RateLimit-Limit",
		Remaining:  "X-RateLimit-Remaining",
		Reset:      "X-RateLimit-Reset",
		ResetAfter: "X-RateLimit-Reset-After",
		Bucket:     "X-RateLimit-Bucket",
		Scope:      "X-RateLimit-Scope",
		Global:     "X-RateLimit-Global",
	}
}

// withDefaults fills empty names from DefaultHeaderNames.
func (n HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return HeaderNames{
		Limit:      pick(n.Limit, d.Limit),
		Remaining:  pick(n.Remaining, d.Remaining),
		Reset:      pick(n.Reset, d.Reset),
		ResetAfter: pick(n.ResetAfter, d.ResetAfter),
		Bucket:     pick(n.Bucket, d.Bucket),
		Scope:      pick(n.Scope, d.Scope),
		Global:     pick(n.Global, d.Global),
	}
}

// HeaderCodec renders a bucket as rate limit headers. The bucket header is a
// deterministic AES-SIV encryption of the storage key, so clients can tell
// buckets apart without seeing the identity material inside the key.
// A HeaderCodec is safe for concurrent use.
type HeaderCodec struct {
	names HeaderNames
	siv   *subtle.AESSIV
	nonce []byte
	now   func() time.Time
}

type CodecOption func(*HeaderCodec)

// WithWallClock overrides the clock used for the absolute reset header.
func WithWallClock(now func() time.Time) CodecOption {
	return func(c *HeaderCodec) { c.now = now }
}

// NewHeaderCodec builds a codec from a 64 byte AES-SIV key and a nonce that
// is bound to every bucket id as associated data.
func NewHeaderCodec(key, nonce []byte, names HeaderNames, opts ...CodecOption) (*HeaderCodec, error) {
	siv, err := subtle.NewAESSIV(key)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: bucket id key: %w", err)
	}
	if len(nonce) == 0 {
		return nil, fmt.Errorf("ratelimit: bucket id nonce is empty")
	}
	c := &HeaderCodec{
		names: names.withDefaults(),
		siv:   siv,
		nonce: append([]byte(nil), nonce...),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HeaderCodec) Names() HeaderNames { return c.names }

// BucketID returns the hex encoded ciphertext of key, without the synthetic
// IV that doubles as the authentication tag.
func (c *HeaderCodec) BucketID(key string) (string, error) {
	out, err := c.siv.EncryptDeterministically([]byte(key), c.nonce)
	if err != nil {
		return "", fmt.Errorf("ratelimit: encrypt bucket key: %w", err)
	}
	return hex.EncodeToString(out[aes.BlockSize:]), nil
}

// Headers returns the informational headers for b.
func (c *HeaderCodec) Headers(b *TokenBucket) (http.Header, error) {
	id, err := c.BucketID(b.Key)
	if err != nil {
		return nil, err
	}
	resetAfter := b.ResetAfter()
	resetAt := float64(c.now().UnixNano())/float64(time.Second) + resetAfter

	h := make(http.Header, 5)
	h.Set(c.names.Limit, strconv.Itoa(b.Capacity))
	h.Set(c.names.Remaining, strconv.Itoa(b.Remaining()))
	h.Set(c.names.Reset, formatSeconds(RoundUp(resetAt, 2)))
	h.Set(c.names.ResetAfter, formatSeconds(RoundUp(resetAfter, 2)))
	h.Set(c.names.Bucket, id)
	return h, nil
}

// RejectionHeaders adds the scope, and for global policies the global
// marker, to Headers.
func (c *HeaderCodec) RejectionHeaders(b *TokenBucket, global bool) (http.Header, error) {
	h, err := c.Headers(b)
	if err != nil {
		return nil, err
	}
	if global {
		h.Set(c.names.Scope, ScopeGlobal)
		h.Set(c.names.Global, "true")
	} else {
		h.Set(c.names.Scope, ScopeUser)
	}
	return h, nil
}

// RoundUp rounds v toward positive infinity at the given number of decimals.
// Wait times are always over-estimated, never under-estimated.
func RoundUp(v float64, decimals int) float64 {
	f := math.Pow10(decimals)
	return math.Ceil(v*f) / f
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
