package lock

import (
	"context"
	"errors"
	"path/filepath"
)

// ErrLost is returned by Release when the lease expired or was taken over
// while it was held.
var ErrLost = errors.New("lock lease lost")

// Lease is an exclusive hold on one key.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases on output scopes. Acquire blocks until
// the key is free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// ScopeKey normalizes an output directory into a lock key.
func ScopeKey(dir string) string {
	if dir == "" {
		return ""
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Clean(dir)
}
