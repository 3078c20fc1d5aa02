// Package lock provides the advisory cross-process lock used by the
// identifier pool to avoid redundant work under contention. It is never the
// system of record: storage arbitrates every claim.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed holder can stall others.
const DefaultTTL = 5 * time.Second

// Locker takes a lock on key for at most ttl.
//
// Acquire returns domain.ErrLockTimeout when someone else holds the key and
// domain.ErrLockUnavailable when the backend cannot be reached.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)
}

type releaseFunc func(ctx context.Context, key, token string) error

// Handle is a held lock. Release deletes the key only if it still carries
// this handle's token, so an expired holder never frees a successor's lock.
type Handle struct {
	key     string
	token   string
	release releaseFunc
	once    sync.Once
	err     error
}

func newHandle(key string, release releaseFunc) *Handle {
	return &Handle{key: key, token: uuid.NewString(), release: release}
}

func (h *Handle) Key() string { return h.key }

// Release is safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.release(ctx, h.key, h.token)
	})
	return h.err
}
