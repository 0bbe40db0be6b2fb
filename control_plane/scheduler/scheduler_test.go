package scheduler

import (
	"context"
	"testing"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/dispatch"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/queue"
	"github.com/testmesh/orchestrator/control_plane/store"
)

func newHarness(t *testing.T, cfg Config) (*Scheduler, *jobs.Registry, *agents.Registry) {
	t.Helper()
	s := store.NewMemoryStore()
	q := queue.New(s)
	jobReg := jobs.NewRegistry(s, q)
	agentReg := agents.NewRegistry(s)
	d := dispatch.New(jobReg, agentReg, q, dispatch.NewGroupTable(), nil, nil)
	return New(jobReg, agentReg, q, d, cfg), jobReg, agentReg
}

// S1 — single job round trip.
func TestTickAssignsSingleJob(t *testing.T) {
	ctx := context.Background()
	sched, jobReg, agentReg := newHarness(t, Config{})

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"emulator"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x", Priority: jobs.PriorityMedium, Target: jobs.TargetEmulator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	updated, err := jobReg.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.State != jobs.StateRunning || updated.AssignedAgent != "a1" {
		t.Fatalf("expected job running on a1, got %+v", updated)
	}

	agent, _ := agentReg.Get(ctx, "a1")
	if agent.State != agents.StateBusy {
		t.Fatalf("expected agent busy, got %s", agent.State)
	}
}

// S2 — build affinity: only the first of three same-build jobs runs.
func TestTickGroupsSameBuildJobs(t *testing.T) {
	ctx := context.Background()
	sched, jobReg, agentReg := newHarness(t, Config{})

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"emulator"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x", Target: jobs.TargetEmulator})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, job.ID)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	j1, _ := jobReg.Get(ctx, ids[0])
	if j1.State != jobs.StateRunning {
		t.Fatalf("expected first job running, got %s", j1.State)
	}
	j2, _ := jobReg.Get(ctx, ids[1])
	j3, _ := jobReg.Get(ctx, ids[2])
	if j2.State != jobs.StateQueuedForGroup || j3.State != jobs.StateQueuedForGroup {
		t.Fatalf("expected j2/j3 queued-for-group, got %s, %s", j2.State, j3.State)
	}

	depths, err := sched.Queues.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths[jobs.PriorityMedium] != 0 {
		t.Fatalf("expected j2/j3 not left in any priority queue, got depth %d", depths[jobs.PriorityMedium])
	}
}

// S3 — tenant priority.
func TestTickOrdersByTenantWeight(t *testing.T) {
	ctx := context.Background()
	cfg := Config{TenantWeights: map[string]int{"premium": 100, "standard": 50}}
	sched, jobReg, agentReg := newHarness(t, cfg)

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"emulator"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	std, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "standard", Build: "b-std", Artifact: "x", Target: jobs.TargetEmulator})
	if err != nil {
		t.Fatalf("Submit std: %v", err)
	}
	prem, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "premium", Build: "b-prem", Artifact: "x", Target: jobs.TargetEmulator})
	if err != nil {
		t.Fatalf("Submit prem: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	premJob, _ := jobReg.Get(ctx, prem.ID)
	stdJob, _ := jobReg.Get(ctx, std.ID)
	if premJob.State != jobs.StateRunning {
		t.Fatalf("expected premium job assigned first, got %s", premJob.State)
	}
	if stdJob.State != jobs.StatePending {
		t.Fatalf("expected standard job still pending (only one agent), got %s", stdJob.State)
	}
}

func TestTickNoIdleAgentsIsNoop(t *testing.T) {
	ctx := context.Background()
	sched, jobReg, _ := newHarness(t, Config{})

	if _, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	depths, err := sched.Queues.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths[jobs.PriorityMedium] != 1 {
		t.Fatalf("expected job to remain queued with no idle agents, got depth %d", depths[jobs.PriorityMedium])
	}
}

func TestTickSkipsIncapableAgent(t *testing.T) {
	ctx := context.Background()
	sched, jobReg, agentReg := newHarness(t, Config{})

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"device"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x", Target: jobs.TargetEmulator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	updated, _ := jobReg.Get(ctx, job.ID)
	if updated.State != jobs.StatePending {
		t.Fatalf("expected job to remain pending, got %s", updated.State)
	}
	depths, _ := sched.Queues.Depths(ctx)
	if depths[jobs.PriorityMedium] != 1 {
		t.Fatalf("expected job re-queued, got depth %d", depths[jobs.PriorityMedium])
	}
}

func TestAdmissionBreakerOpensUnderLoad(t *testing.T) {
	cb := NewAdmissionBreaker(10)
	for i := 0; i < 20; i++ {
		cb.ShouldAdmit(5, 0.1)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected breaker to remain closed under light load")
	}
	if cb.ShouldAdmit(11, 0.1) {
		t.Fatalf("expected the over-threshold call that trips the breaker to reject")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected breaker open after exceeding threshold, got %s", cb.State())
	}
	if cb.ShouldAdmit(11, 0.1) {
		t.Fatalf("expected breaker to reject while open")
	}
}
