// Package queue implements the three priority FIFO queues (spec.md §4.4,
// component D): plain job-id lists, one per priority, with no in-place
// reordering other than the scheduler's periodic snapshot/sort/replace
// cycle (spec.md §4.5).
package queue

import (
	"context"

	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/store"
)

// Priorities lists the three queues in drain order (spec.md §4.5: high
// drains fully before medium, medium before low).
var Priorities = []jobs.Priority{jobs.PriorityHigh, jobs.PriorityMedium, jobs.PriorityLow}

// Queues is a thin wrapper over store.Store's list operations, keyed by
// priority (spec.md §4.4).
type Queues struct {
	store store.Store
}

// New constructs a Queues backed by s.
func New(s store.Store) *Queues {
	return &Queues{store: s}
}

// Append pushes jobID to the tail of priority's queue and returns the
// queue's length afterward.
func (q *Queues) Append(ctx context.Context, priority jobs.Priority, jobID string) (int, error) {
	key := store.QueueKey(string(priority))
	if err := q.store.ListPushTail(ctx, key, []byte(jobID)); err != nil {
		return 0, err
	}
	return q.store.ListLen(ctx, key)
}

// Snapshot returns every job id currently queued at priority, in FIFO
// order, without removing them.
func (q *Queues) Snapshot(ctx context.Context, priority jobs.Priority) ([]string, error) {
	raw, err := q.store.ListSnapshot(ctx, store.QueueKey(string(priority)))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = string(v)
	}
	return out, nil
}

// Replace atomically discards and repopulates priority's queue with ids, in
// order — used by the scheduler to write back the queue after removing the
// ids it dispatched and re-sorting the remainder (spec.md §4.5).
func (q *Queues) Replace(ctx context.Context, priority jobs.Priority, ids []string) error {
	values := make([][]byte, len(ids))
	for i, id := range ids {
		values[i] = []byte(id)
	}
	return q.store.ListReplace(ctx, store.QueueKey(string(priority)), values)
}

// Len reports the current length of priority's queue.
func (q *Queues) Len(ctx context.Context, priority jobs.Priority) (int, error) {
	return q.store.ListLen(ctx, store.QueueKey(string(priority)))
}

// Depths returns the length of all three queues, keyed by priority — used
// by the submit admission probe wired in main.go and by the scheduler's
// queue-depth gauge refresh (spec.md §4.4).
func (q *Queues) Depths(ctx context.Context) (map[jobs.Priority]int, error) {
	out := make(map[jobs.Priority]int, len(Priorities))
	for _, p := range Priorities {
		n, err := q.Len(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}
