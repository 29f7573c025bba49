package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
)

// Decision is the result of evaluating a set of policies for a request.
type Decision struct {
	Allowed bool

	// Best is the most limiting admitted bucket among policies with
	// SetHeaders enabled, or nil when none applies.
	Best *TokenBucket

	// Rejection is set when Allowed is false.
	Rejection *Rejection
}

// Rejection describes the policy that rejected a request.
type Rejection struct {
	Policy Policy
	Bucket *TokenBucket
	Global bool

	// RetryAfter is the bucket's reset-after, rounded up to hundredths.
	RetryAfter float64

	// Headers are the rejection headers, nil when the policy disables them.
	Headers http.Header
}

// RetryAfterSeconds is RetryAfter as whole seconds, rounded up.
func (r *Rejection) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter))
}

func (r *Rejection) Scope() string {
	if r.Global {
		return ScopeGlobal
	}
	return ScopeUser
}

// Scope tells the evaluator how to key a batch of policies.
type Scope struct {
	Global bool
	// Route is the route template, used for route-scoped policies only.
	Route string
}

// Evaluator runs requests through token buckets held in a Store. It keeps
// no per-request state and is safe for concurrent use.
type Evaluator struct {
	store Store
	keys  KeyResolver
	codec *HeaderCodec
	clock Clock
}

type EvaluatorOption func(*Evaluator)

func WithClock(c Clock) EvaluatorOption {
	return func(e *Evaluator) { e.clock = c }
}

func NewEvaluator(store Store, keys KeyResolver, codec *HeaderCodec, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store: store,
		keys:  keys,
		codec: codec,
		clock: NewMonotonicClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Codec() *HeaderCodec { return e.codec }

// Evaluate runs policies in order against the request. The first rejection
// stops evaluation; buckets evaluated before it keep the tokens they spent.
// best carries the header bucket chosen by an earlier call for the same
// request, so global and route policies can be evaluated in two passes.
//
// Policies must already be sorted by priority. A store failure is returned
// as an error wrapping ErrStoreUnavailable.
func (e *Evaluator) Evaluate(ctx context.Context, r *http.Request, policies []Policy, scope Scope, best *TokenBucket) (Decision, error) {
	for _, p := range policies {
		if p.exempt(r) {
			continue
		}

		key := e.keys.Key(r, p, scope.Route, scope.Global)
		now := e.clock.Now()
		bucket, err := LoadBucket(ctx, e.store, key, p, now)
		if err != nil {
			return Decision{}, err
		}
		allowed, err := bucket.TryConsume(ctx, now)
		if err != nil {
			return Decision{}, err
		}

		if !allowed {
			rej, err := e.reject(p, bucket, scope.Global)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Rejection: rej}, nil
		}

		if p.SetHeaders && (best == nil || MoreLimiting(bucket, best)) {
			best = bucket
		}
	}
	return Decision{Allowed: true, Best: best}, nil
}

func (e *Evaluator) reject(p Policy, b *TokenBucket, global bool) (*Rejection, error) {
	rej := &Rejection{
		Policy:     p,
		Bucket:     b,
		Global:     global,
		RetryAfter: RoundUp(b.ResetAfter(), 2),
	}
	if p.Set429Headers {
		h, err := e.codec.RejectionHeaders(b, global)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: rejection headers: %w", err)
		}
		rej.Headers = h
	}
	return rej, nil
}
