package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps every failure to read, decode or write bucket
// state. Callers must surface it as a server error: the limiter never turns
// a store failure into an admit or a reject.
var ErrStoreUnavailable = errors.New("ratelimit: bucket store unavailable")

// Store is the key/value capability bucket state lives in. Implementations
// must be safe for concurrent use; a single Get or Set is assumed atomic per
// key, nothing more.
type Store interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, expiring after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
