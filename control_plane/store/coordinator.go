package store

import (
	"context"
	"time"
)

// Coordinator is the distributed-locking primitive coordination.LeaderElector
// and coordination.LockJanitor are built on (spec.md §5 "single logical
// process", generalized to redundant copies racing for one active instance).
// Grounded on control_plane/store/coordinator.go, trimmed to the five
// operations the elector and janitor actually call.
type Coordinator interface {
	// AcquireLease attempts to acquire the lease at key, storing value as
	// its metadata. Returns false without error if another value already
	// holds it.
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// RenewLease extends key's TTL if it is still held by value.
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases key if it is held by value; releasing a lease
	// held by a different value, or an absent key, is not an error.
	ReleaseLease(ctx context.Context, key, value string) error

	// GetLockOwner returns the raw value stored at key, or "" if unheld.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// ScanLocks returns every key matching pattern.
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}
