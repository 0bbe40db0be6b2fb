package agents

import (
	"context"
	"testing"
	"time"

	"github.com/testmesh/orchestrator/control_plane/store"
)

func TestRegistryRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	agent, err := r.Register(ctx, "agent-1", "runner-1", []string{"emulator"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if agent.State != StateIdle {
		t.Fatalf("new agent state = %s, want idle", agent.State)
	}

	if _, err := r.Heartbeat(ctx, "agent-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := r.Heartbeat(ctx, "missing"); err == nil {
		t.Fatalf("expected not-found error heartbeating unknown agent")
	}
}

func TestRegistryLiveAgentsExcludesStaleAndMaintenance(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(store.NewMemoryStore()).WithClock(func() time.Time { return now })

	if _, err := r.Register(ctx, "fresh", "fresh", nil); err != nil {
		t.Fatalf("Register fresh: %v", err)
	}
	if _, err := r.Register(ctx, "maint", "maint", nil); err != nil {
		t.Fatalf("Register maint: %v", err)
	}
	if _, err := r.SetState(ctx, "maint", StateMaintenance, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	if _, err := r.Register(ctx, "stale", "stale", nil); err != nil {
		t.Fatalf("Register stale: %v", err)
	}

	later := now.Add(time.Minute)
	r.clock = func() time.Time { return later }

	live, err := r.LiveAgents(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("LiveAgents: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live agents once TTL has elapsed for all, got %d", len(live))
	}

	if _, err := r.Heartbeat(ctx, "fresh"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	live, err = r.LiveAgents(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("LiveAgents: %v", err)
	}
	if len(live) != 1 || live[0].ID != "fresh" {
		t.Fatalf("expected only fresh to be live, got %v", live)
	}
}
