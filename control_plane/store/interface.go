// Package store abstracts the key-value-plus-lists backend the orchestrator
// persists to. It intentionally exposes only single-key atomic operations —
// no multi-key transactions — so every caller above this layer must achieve
// correctness through monotone state transitions and idempotent writes,
// never through locking across keys.
package store

import (
	"context"
	"time"
)

// Store is the minimal contract every backend (memory, Redis, Postgres) must
// satisfy: a TTL-aware key-value store with atomic list operations on top.
type Store interface {
	// Put upserts value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every key with the given prefix. Order is not guaranteed.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// ListPushTail appends value to the tail of the list at key.
	ListPushTail(ctx context.Context, key string, value []byte) error

	// ListPopHead removes and returns the head of the list at key, or
	// ErrNotFound if the list is empty.
	ListPopHead(ctx context.Context, key string) ([]byte, error)

	// ListLen returns the number of elements in the list at key.
	ListLen(ctx context.Context, key string) (int, error)

	// ListSnapshot returns every element currently in the list at key, head
	// first, without removing them.
	ListSnapshot(ctx context.Context, key string) ([][]byte, error)

	// ListReplace atomically discards the current contents of the list at
	// key and replaces them with values, head first. Used by the scheduler's
	// snapshot-sort-drain-write cycle (spec.md §4.4/§4.5).
	ListReplace(ctx context.Context, key string, values [][]byte) error

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error
}

// DurableEpochStore is implemented by backends durable enough to fence
// leader election across a Redis lease reset (coordination.LeaderElector,
// a supplemented HA feature — spec.md §5 describes the core as a single
// logical process, not how redundant copies of it fence each other).
// PostgresStore is the production implementation; MemoryStore implements it
// too so coordination can be exercised in tests without a database.
type DurableEpochStore interface {
	// IncrementDurableEpoch atomically increments and returns the epoch for
	// resourceID.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// GetDurableEpoch returns the current epoch for resourceID without
	// incrementing it. An unknown resourceID reads as epoch 0.
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
