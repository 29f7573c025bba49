package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// expiryGrace is added to the full-refill time when persisting a bucket.
const expiryGrace = 60 * time.Second

// BucketState is the persisted part of a token bucket.
type BucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

// TokenBucket is the runtime view of one (identity, policy) bucket. It is
// loaded per request, consumed once, saved and discarded.
type TokenBucket struct {
	Key        string
	Capacity   int
	RefillRate float64
	Tokens     float64
	LastRefill float64

	store Store
}

// LoadBucket reads the bucket stored under key or starts a full one.
func LoadBucket(ctx context.Context, store Store, key string, p Policy, now float64) (*TokenBucket, error) {
	b := &TokenBucket{
		Key:        key,
		Capacity:   p.Capacity,
		RefillRate: p.RefillRate,
		Tokens:     float64(p.Capacity),
		LastRefill: now,
		store:      store,
	}

	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return b, nil
	}

	var st BucketState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: decode bucket state: %w", ErrStoreUnavailable, err)
	}
	b.Tokens = st.Tokens
	b.LastRefill = st.LastRefill
	return b, nil
}

// TryConsume refills the bucket up to now, takes one token if available and
// persists the result whether or not the request was admitted.
//
// The load/consume/save sequence is not atomic: concurrent requests on the
// same key may both spend the same token. That trade is intentional, it keeps
// the limiter free of locks and store-side scripts.
func (b *TokenBucket) TryConsume(ctx context.Context, now float64) (bool, error) {
	b.refill(now)

	allowed := b.Tokens >= 1
	if allowed {
		b.Tokens--
	}

	if err := b.save(ctx); err != nil {
		return false, err
	}
	return allowed, nil
}

func (b *TokenBucket) refill(now float64) {
	// State written by another node with a slightly skewed clock must not
	// drain the bucket.
	elapsed := max(0, now-b.LastRefill)
	b.Tokens = min(float64(b.Capacity), b.Tokens+elapsed*b.RefillRate)
	b.LastRefill = max(b.LastRefill, now)
}

// save ignores cancellation of ctx: a request aborted mid-flight must still
// record the token it consumed.
func (b *TokenBucket) save(ctx context.Context) error {
	raw, err := json.Marshal(BucketState{Tokens: b.Tokens, LastRefill: b.LastRefill})
	if err != nil {
		return fmt.Errorf("%w: encode bucket state: %w", ErrStoreUnavailable, err)
	}
	if err := b.store.Set(context.WithoutCancel(ctx), b.Key, raw, b.ExpiresIn()); err != nil {
		return fmt.Errorf("%w: set: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ExpiresIn is the time to refill completely plus a one minute grace,
// capped at the longest representable duration.
func (b *TokenBucket) ExpiresIn() time.Duration {
	secs := math.Ceil(float64(b.Capacity) / b.RefillRate)
	if !(secs <= float64(maxFullRefill)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs)*time.Second + expiryGrace
}

// ResetAfter is the number of seconds until at least one token is available.
func (b *TokenBucket) ResetAfter() float64 {
	return max(0, 1-b.Tokens) / b.RefillRate
}

// Remaining is the whole number of tokens left.
func (b *TokenBucket) Remaining() int {
	return int(math.Floor(b.Tokens))
}

// MoreLimiting reports whether a has fewer tokens left than b.
func MoreLimiting(a, b *TokenBucket) bool {
	return a.Tokens < b.Tokens
}
