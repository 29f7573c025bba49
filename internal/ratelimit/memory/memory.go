// Package memory is an in-process bucket store for single instance
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// sweepEvery is how many writes pass between expired-entry sweeps.
const sweepEvery = 1024

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Store struct {
	now     func() time.Time
	entries sync.Map // string -> *entry
	writes  atomic.Uint64
}

func New() *Store {
	return &Store{
		now: time.Now,
	}
}

// NewWithClock is New with an injectable clock for expiry.
func NewWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	e := v.(*entry)
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.entries.CompareAndDelete(key, v)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries.Store(key, e)

	if s.writes.Add(1)%sweepEvery == 0 {
		s.sweep()
	}
	return nil
}

func (s *Store) sweep() {
	now := s.now()
	s.entries.Range(func(k, v any) bool {
		if e := v.(*entry); !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			s.entries.CompareAndDelete(k, v)
		}
		return true
	})
}

// Ping always succeeds; it lets the store back the health endpoint.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
