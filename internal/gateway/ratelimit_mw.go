package gateway

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/problem"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

const rateLimitedDetail = "You are being rate limited."

type RateLimitOptions struct {
	// Global policies apply to every request, keyed by identity alone.
	Global []ratelimit.Policy

	// ExcludePaths are regular expressions matched against the request
	// path. Matching requests are not rate limited at all.
	ExcludePaths []string

	OnLimited func(scope string)
	OnError   func(scope string)
}

// RateLimiter turns Evaluator decisions into middleware. Global runs once
// per request ahead of routing; Route attaches per-route policies to
// individual chi routes.
type RateLimiter struct {
	eval      *ratelimit.Evaluator
	global    []ratelimit.Policy
	exclude   []*regexp.Regexp
	onLimited func(string)
	onError   func(string)

	exemptOnce sync.Once
	exempt     map[string]struct{} // "METHOD pattern"
}

func NewRateLimiter(eval *ratelimit.Evaluator, opts RateLimitOptions) (*RateLimiter, error) {
	global, err := ratelimit.SortByPriority(opts.Global)
	if err != nil {
		return nil, fmt.Errorf("gateway: global rate limits: %w", err)
	}

	exclude := make([]*regexp.Regexp, 0, len(opts.ExcludePaths))
	for _, pat := range opts.ExcludePaths {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("gateway: exclude path %q: %w", pat, err)
		}
		exclude = append(exclude, re)
	}

	rl := &RateLimiter{
		eval:      eval,
		global:    global,
		exclude:   exclude,
		onLimited: opts.OnLimited,
		onError:   opts.OnError,
	}
	if rl.onLimited == nil {
		rl.onLimited = func(string) {}
	}
	if rl.onError == nil {
		rl.onError = func(string) {}
	}
	return rl, nil
}

// limitState follows one request from the global pass to the route pass
// and on to the response.
type limitState struct {
	best *ratelimit.TokenBucket
	skip bool
}

type ctxKey int

const keyLimitState ctxKey = 0

func stateFrom(ctx context.Context) (*limitState, bool) {
	st, ok := ctx.Value(keyLimitState).(*limitState)
	return st, ok
}

func (rl *RateLimiter) excluded(path string) bool {
	for _, re := range rl.exclude {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// track installs the per-request state and the header injecting writer.
func (rl *RateLimiter) track(w http.ResponseWriter, r *http.Request, best *ratelimit.TokenBucket) (*headerWriter, *http.Request) {
	st := &limitState{best: best}
	hw := &headerWriter{ResponseWriter: w, codec: rl.eval.Codec(), state: st, req: r}
	return hw, r.WithContext(context.WithValue(r.Context(), keyLimitState, st))
}

// Global evaluates the global policies for every request that is not
// excluded. Informational headers are added when the response starts.
func (rl *RateLimiter) Global() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if rl.routeExempt(r) {
				st := &limitState{skip: true}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyLimitState, st)))
				return
			}

			dec, err := rl.eval.Evaluate(r.Context(), r, rl.global, ratelimit.Scope{Global: true}, nil)
			if err != nil {
				rl.fail(w, r, ratelimit.ScopeGlobal, err)
				return
			}
			if !dec.Allowed {
				rl.limited(w, r, dec.Rejection)
				return
			}

			hw, r := rl.track(w, r, dec.Best)
			next.ServeHTTP(hw, r)
			hw.apply()
		})
	}
}

// Route evaluates policies for the matched chi route, keyed by method and
// route pattern. It panics if a policy is invalid, like chi does for a
// malformed route.
func (rl *RateLimiter) Route(policies ...ratelimit.Policy) Middleware {
	sorted, err := ratelimit.SortByPriority(policies)
	if err != nil {
		panic(fmt.Sprintf("gateway: route rate limits: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, ok := stateFrom(r.Context())
			if !ok {
				if rl.excluded(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				var hw *headerWriter
				hw, r = rl.track(w, r, nil)
				defer hw.apply()
				w, st = hw, hw.state
			}
			if st.skip {
				next.ServeHTTP(w, r)
				return
			}

			scope := ratelimit.Scope{Route: routePattern(r)}
			dec, err := rl.eval.Evaluate(r.Context(), r, sorted, scope, st.best)
			if err != nil {
				st.best = nil
				rl.fail(w, r, ratelimit.ScopeUser, err)
				return
			}
			if !dec.Allowed {
				st.best = nil
				rl.limited(w, r, dec.Rejection)
				return
			}

			st.best = dec.Best
			next.ServeHTTP(w, r)
		})
	}
}

// Exempt marks a route as not rate limited. When Global sits on the chi
// router that owns the route, global policies are skipped as well.
func Exempt(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st, ok := stateFrom(r.Context()); ok {
			st.skip = true
		}
		next.ServeHTTP(w, r)
	})
}

// routeExempt reports whether the route r is about to reach was registered
// behind Exempt. The router is walked once, on the first request, when all
// routes are known.
func (rl *RateLimiter) routeExempt(r *http.Request) bool {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return false
	}
	rl.exemptOnce.Do(func() { rl.exempt = exemptRoutes(rctx.Routes) })
	if len(rl.exempt) == 0 {
		return false
	}
	pattern := rctx.Routes.Find(chi.NewRouteContext(), r.Method, r.URL.Path)
	_, ok := rl.exempt[r.Method+" "+pattern]
	return ok
}

func exemptRoutes(routes chi.Routes) map[string]struct{} {
	marker := reflect.ValueOf(Exempt).Pointer()
	set := make(map[string]struct{})
	_ = chi.Walk(routes, func(method, route string, _ http.Handler, mws ...func(http.Handler) http.Handler) error {
		for _, mw := range mws {
			if reflect.ValueOf(mw).Pointer() == marker {
				set[method+" "+route] = struct{}{}
				break
			}
		}
		return nil
	})
	return set
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (rl *RateLimiter) limited(w http.ResponseWriter, r *http.Request, rej *ratelimit.Rejection) {
	rl.onLimited(rej.Scope())
	if e := hlog.FromRequest(r).Debug(); e.Enabled() {
		if id, err := rl.eval.Codec().BucketID(rej.Bucket.Key); err == nil {
			e = e.Str("bucket", id)
		}
		e.Str("scope", rej.Scope()).
			Float64("retry_after", rej.RetryAfter).
			Int("limit", rej.Policy.Capacity).
			Msg("rate limited")
	}

	writeRateLimited(w, r, rej)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, rej *ratelimit.Rejection) {
	h := w.Header()
	for k, v := range rej.Headers {
		h[k] = v
	}
	h.Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds()))

	problem.Write(w, r, problem.Details{
		Status: http.StatusTooManyRequests,
		Detail: rateLimitedDetail,
		Extensions: map[string]any{
			"retry_after": rej.RetryAfter,
			"global":      rej.Global,
		},
	})
}

func (rl *RateLimiter) fail(w http.ResponseWriter, r *http.Request, scope string, err error) {
	rl.onError(scope)
	hlog.FromRequest(r).Error().Err(err).Str("scope", scope).Msg("rate limiter failure")
	problem.InternalError(w, r)
}
