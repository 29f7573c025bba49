// Package auth verifies HS256 bearer tokens and carries the caller's
// identity through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/AlexKimmel/bucketgate/internal/problem"
)

var ErrMissingToken = errors.New("auth: missing bearer token")

type ctxKey int

const keyPrincipal ctxKey = 0

// RoleAdmin is the role slug granted to administrators.
const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithPrincipal injects the principal into context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom extracts the principal from context (if present).
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(keyPrincipal).(Principal)
	return p, ok
}

type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Verifier)

func WithIssuer(iss string) Option   { return func(v *Verifier) { v.issuer = iss } }
func WithAudience(aud string) Option { return func(v *Verifier) { v.audience = aud } }
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) { v.ttl = ttl }
}
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	v := &Verifier{secret: secret, ttl: time.Hour, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Sign issues a token for subject.
func (v *Verifier) Sign(subject string, roles ...string) (string, error) {
	now := v.now()
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(v.ttl))
	if v.issuer != "" {
		b = b.Issuer(v.issuer)
	}
	if v.audience != "" {
		b = b.Audience([]string{v.audience})
	}
	if len(roles) > 0 {
		b = b.Claim("roles", roles)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("auth: build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

// Verify checks signature, expiry, issuer and audience.
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: invalid token: %w", err)
	}
	if tok.Subject() == "" {
		return Principal{}, errors.New("auth: token has no subject")
	}

	p := Principal{Subject: tok.Subject()}
	if raw, ok := tok.Get("roles"); ok {
		if list, ok := raw.([]any); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					p.Roles = append(p.Roles, s)
				}
			}
		}
	}
	return p, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal for downstream handlers.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				problem.Error(w, r, http.StatusUnauthorized, "Provide a bearer token in Authorization")
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				problem.Error(w, r, http.StatusUnauthorized, "Access token is invalid or expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
