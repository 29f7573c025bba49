// Package ratelimit implements a store-backed token bucket limiter that
// evaluates several independent policies per request.
package ratelimit

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"time"
)

// ErrInvalidPolicy is returned for policies that can never admit a request.
var ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

// maxFullRefill is the longest full-refill time whose bucket TTL still fits
// in a time.Duration.
const maxFullRefill = (math.MaxInt64 - int64(expiryGrace)) / int64(time.Second)

// ExemptFunc reports whether a request bypasses a policy entirely.
type ExemptFunc func(r *http.Request) bool

// Policy describes one rate limit. Policies are built once at configuration
// time and shared read-only between requests.
type Policy struct {
	Capacity      int     // bucket size (burst)
	RefillRate    float64 // tokens added per second
	Priority      int     // lower is more significant
	SetHeaders    bool    // emit rate limit headers on admitted requests
	Set429Headers bool    // emit rate limit headers on rejections
	IsExempt      ExemptFunc
}

type PolicyOption func(*Policy)

// NewPolicy returns a policy with header emission enabled.
func NewPolicy(capacity int, refillRate float64, opts ...PolicyOption) Policy {
	p := Policy{
		Capacity:      capacity,
		RefillRate:    refillRate,
		SetHeaders:    true,
		Set429Headers: true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// PerMinute is a policy allowing n requests per minute with a burst of n.
func PerMinute(n int, opts ...PolicyOption) Policy {
	return NewPolicy(n, float64(n)/60, opts...)
}

func WithPriority(priority int) PolicyOption {
	return func(p *Policy) { p.Priority = priority }
}

func WithHeaders(enabled bool) PolicyOption {
	return func(p *Policy) { p.SetHeaders = enabled }
}

func With429Headers(enabled bool) PolicyOption {
	return func(p *Policy) { p.Set429Headers = enabled }
}

func WithExemption(fn ExemptFunc) PolicyOption {
	return func(p *Policy) { p.IsExempt = fn }
}

// Validate rejects non-positive capacities and refill rates, and buckets
// too slow to refill for their expiry to be stored.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidPolicy, p.Capacity)
	}
	if !(p.RefillRate > 0) || math.IsInf(p.RefillRate, 0) {
		return fmt.Errorf("%w: refill rate must be a positive number, got %v", ErrInvalidPolicy, p.RefillRate)
	}
	if math.Ceil(float64(p.Capacity)/p.RefillRate) > float64(maxFullRefill) {
		return fmt.Errorf("%w: refill rate %v too slow to refill %d tokens", ErrInvalidPolicy, p.RefillRate, p.Capacity)
	}
	return nil
}

func (p Policy) exempt(r *http.Request) bool {
	return p.IsExempt != nil && p.IsExempt(r)
}

// ByPriority orders policies by ascending priority.
func ByPriority(a, b Policy) int {
	return cmp.Compare(a.Priority, b.Priority)
}

// SortByPriority validates policies and returns them as a new slice in
// evaluation order. Equal priorities keep their declaration order.
func SortByPriority(policies []Policy) ([]Policy, error) {
	for i, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
	}
	sorted := slices.Clone(policies)
	slices.SortStableFunc(sorted, ByPriority)
	return sorted, nil
}
