package queue

import (
	"context"
	"testing"

	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/store"
)

func TestQueuesAppendSnapshotReplace(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Append(ctx, jobs.PriorityHigh, id); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := q.Len(ctx, jobs.PriorityHigh)
	if err != nil || n != 3 {
		t.Fatalf("Len = %d, %v, want 3, nil", n, err)
	}

	snap, err := q.Snapshot(ctx, jobs.PriorityHigh)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 || snap[0] != "a" || snap[2] != "c" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	if err := q.Replace(ctx, jobs.PriorityHigh, []string{"c", "a"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	snap, _ = q.Snapshot(ctx, jobs.PriorityHigh)
	if len(snap) != 2 || snap[0] != "c" || snap[1] != "a" {
		t.Fatalf("unexpected snapshot after replace: %v", snap)
	}
}

func TestQueuesDepths(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	if _, err := q.Append(ctx, jobs.PriorityHigh, "a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := q.Append(ctx, jobs.PriorityLow, "b"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	depths, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths[jobs.PriorityHigh] != 1 || depths[jobs.PriorityMedium] != 0 || depths[jobs.PriorityLow] != 1 {
		t.Fatalf("unexpected depths: %v", depths)
	}
}
