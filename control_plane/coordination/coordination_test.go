package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testmesh/orchestrator/control_plane/store"
)

// fakeCoordinator is a minimal in-memory store.Coordinator, the way the
// teacher's tests use small hand-rolled fakes instead of a mocking
// framework.
type fakeCoordinator struct {
	mu    sync.Mutex
	locks map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{locks: make(map[string]string)}
}

func (f *fakeCoordinator) AcquireLease(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return false, nil
	}
	f.locks[key] = value
	return true, nil
}

func (f *fakeCoordinator) RenewLease(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[key] == value, nil
}

func (f *fakeCoordinator) ReleaseLease(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] == value {
		delete(f.locks, key)
	}
	return nil
}

func (f *fakeCoordinator) GetLockOwner(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[key], nil
}

func (f *fakeCoordinator) ScanLocks(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.locks))
	for k := range f.locks {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestLeaderElectorSingleNodeBecomesLeader(t *testing.T) {
	coord := newFakeCoordinator()
	epochs := store.NewMemoryStore()

	elected := make(chan struct{}, 1)
	elector := NewLeaderElector(coord, epochs, "node-a", 50*time.Millisecond)
	elector.SetCallbacks(func(ctx context.Context) {
		elected <- struct{}{}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	elector.Start(ctx)

	select {
	case <-elected:
	case <-time.After(time.Second):
		t.Fatal("expected node-a to become leader")
	}

	if !elector.IsLeader() {
		t.Fatal("expected IsLeader true after election callback fired")
	}
	if elector.State().CurrentEpoch == 0 {
		t.Fatal("expected a nonzero fencing epoch")
	}
}

func TestLeaderElectorSecondNodeWaitsForLease(t *testing.T) {
	coord := newFakeCoordinator()
	epochs := store.NewMemoryStore()

	a := NewLeaderElector(coord, epochs, "node-a", 50*time.Millisecond)
	b := NewLeaderElector(coord, epochs, "node-b", 50*time.Millisecond)

	aElected := make(chan struct{}, 1)
	a.SetCallbacks(func(ctx context.Context) { aElected <- struct{}{} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	select {
	case <-aElected:
	case <-time.After(time.Second):
		t.Fatal("expected node-a to become leader")
	}

	b.Start(ctx)
	time.Sleep(150 * time.Millisecond)

	if b.IsLeader() {
		t.Fatal("expected node-b to remain a follower while node-a holds the lease")
	}
}

func TestLockJanitorReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	coord := newFakeCoordinator()
	epochs := store.NewMemoryStore()

	elector := NewLeaderElector(coord, epochs, "node-a", 20*time.Millisecond)
	if _, err := elector.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	janitor := NewLockJanitor(coord, epochs, time.Millisecond)
	janitor.sweep(ctx)

	owner, err := coord.GetLockOwner(ctx, leaderLockKey)
	if err != nil {
		t.Fatalf("GetLockOwner: %v", err)
	}
	if owner != "" {
		t.Fatalf("expected janitor to reclaim expired lease, still held by %q", owner)
	}
}
