package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultAuthorizationHeader = "Authorization"

	anonymousIdentity = "anonymous"
	keySep            = "::"
)

// KeyResolver derives request identities and bucket keys.
type KeyResolver struct {
	// AuthorizationHeader carries the credential used as the preferred
	// identity. Defaults to DefaultAuthorizationHeader.
	AuthorizationHeader string
}

// Identity picks, in order: the credential header, the first
// X-Forwarded-For entry, X-Real-IP, the connection address, "anonymous".
func (k KeyResolver) Identity(r *http.Request) string {
	header := k.AuthorizationHeader
	if header == "" {
		header = DefaultAuthorizationHeader
	}
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return anonymousIdentity
}

// Key builds the storage key for p. Route-scoped keys are qualified with the
// method and route template; global keys use the identity alone. Capacity
// and refill rate are always embedded so differently sized policies never
// share a bucket.
func (k KeyResolver) Key(r *http.Request, p Policy, route string, global bool) string {
	var sb strings.Builder
	sb.WriteString(k.Identity(r))
	if !global {
		sb.WriteString(keySep)
		sb.WriteString(r.Method)
		sb.WriteString(keySep)
		sb.WriteString(route)
	}
	sb.WriteString(keySep)
	sb.WriteString(strconv.Itoa(p.Capacity))
	sb.WriteString(keySep)
	sb.WriteString(strconv.FormatFloat(p.RefillRate, 'g', -1, 64))
	return sb.String()
}
