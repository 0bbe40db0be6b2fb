package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/queue"
	"github.com/testmesh/orchestrator/control_plane/store"
)

func newHarness(t *testing.T) (*Dispatcher, *jobs.Registry, *agents.Registry, *queue.Queues) {
	t.Helper()
	s := store.NewMemoryStore()
	q := queue.New(s)
	jobReg := jobs.NewRegistry(s, q)
	agentReg := agents.NewRegistry(s)
	d := New(jobReg, agentReg, q, NewGroupTable(), nil, nil)
	return d, jobReg, agentReg, q
}

func TestClaimBindsJobAndAgent(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"emulator"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	updated, err := d.Claim(ctx, "a1", job.ID, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if updated.State != jobs.StateRunning || updated.AssignedAgent != "a1" {
		t.Fatalf("unexpected job after claim: %+v", updated)
	}

	agent, err := agentReg.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if agent.State != agents.StateBusy || agent.CurrentJob != job.ID {
		t.Fatalf("unexpected agent after claim: %+v", agent)
	}

	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err == nil {
		t.Fatalf("expected conflict claiming an already-running job")
	}
}

func TestClaimRejectsCapabilityMismatch(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"device"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x", Target: jobs.TargetEmulator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err == nil {
		t.Fatalf("expected conflict for mismatched capability")
	}
}

func TestCompleteSuccessFreesAgent(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	_, _ = agentReg.Register(ctx, "a1", "runner", []string{"emulator"})
	job, _, _ := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	d.Groups.Create("a1", "b1", job.ID, time.Now())
	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	updated, err := d.Complete(ctx, "a1", job.ID, true, "", nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if updated.State != jobs.StateCompleted {
		t.Fatalf("expected completed, got %s", updated.State)
	}

	agent, _ := agentReg.Get(ctx, "a1")
	if agent.State != agents.StateIdle {
		t.Fatalf("expected agent idle after group close, got %s", agent.State)
	}
}

func TestCompleteFailurePromotesGroupHead(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	_, _ = agentReg.Register(ctx, "a1", "runner", []string{"emulator"})
	j1, _, _ := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	j2, _, _ := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "y"})

	d.Groups.Create("a1", "b1", j1.ID, time.Now())
	d.Groups.Attach("a1", "b1", j2.ID)
	if _, err := jobReg.Transition(ctx, j2.ID, jobs.StateQueuedForGroup, jobs.Patch{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if _, err := d.Claim(ctx, "a1", j1.ID, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	updated, err := d.Complete(ctx, "a1", j1.ID, false, "boom", nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if updated.State != jobs.StatePending {
		t.Fatalf("expected retrying job re-queued to pending, got %s", updated.State)
	}
	if updated.Attempt != 1 {
		t.Fatalf("expected attempt=1, got %d", updated.Attempt)
	}

	j2Now, err := jobReg.Get(ctx, j2.ID)
	if err != nil {
		t.Fatalf("Get j2: %v", err)
	}
	if j2Now.State != jobs.StateRunning || j2Now.AssignedAgent != "a1" {
		t.Fatalf("expected group head promoted to running on a1, got %+v", j2Now)
	}

	agent, _ := agentReg.Get(ctx, "a1")
	if agent.State != agents.StateBusy || agent.CurrentJob != j2.ID {
		t.Fatalf("expected agent still busy with promoted job, got %+v", agent)
	}
}

func TestCompleteRejectsWrongAgent(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	_, _ = agentReg.Register(ctx, "a1", "runner", []string{"emulator"})
	_, _ = agentReg.Register(ctx, "a2", "runner2", []string{"emulator"})
	job, _, _ := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if _, err := d.Complete(ctx, "a2", job.ID, true, "", nil); err == nil {
		t.Fatalf("expected forbidden completing another agent's job")
	}
}

func TestReconcileRevertsDeadAgentJob(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	_, _ = agentReg.Register(ctx, "a1", "runner", []string{"emulator"})
	job, _, _ := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	reverted, err := d.Reconcile(ctx, ReconcileOpts{LivenessTTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if reverted != 1 {
		t.Fatalf("expected 1 job reverted, got %d", reverted)
	}

	updated, err := jobReg.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.State != jobs.StatePending || updated.Attempt != 0 {
		t.Fatalf("expected job reverted to pending with attempt unchanged, got %+v", updated)
	}
}

func TestReconcileRevertsRuntimeExceededJobAndFreesLiveAgent(t *testing.T) {
	ctx := context.Background()
	d, jobReg, agentReg, _ := newHarness(t)

	start := time.Now().Add(-time.Hour)
	jobReg.WithClock(func() time.Time { return start })
	agentReg.WithClock(func() time.Time { return start })

	if _, err := agentReg.Register(ctx, "a1", "runner", []string{"emulator"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, _, err := jobReg.Submit(ctx, jobs.SubmitRequest{Tenant: "t1", Build: "b1", Artifact: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	d.Groups.Create("a1", "b1", job.ID, start)
	// Claim checks liveness on the dispatcher's clock, so it must agree
	// with the registries' clock at claim time.
	d.clock = func() time.Time { return start }
	if _, err := d.Claim(ctx, "a1", job.ID, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// The agent keeps heartbeating (stays live) while the job itself runs
	// well past JobMaxRuntime.
	now := start.Add(2 * time.Minute)
	agentReg.WithClock(func() time.Time { return now })
	d.clock = func() time.Time { return now }
	if _, err := agentReg.Heartbeat(ctx, "a1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	reverted, err := d.Reconcile(ctx, ReconcileOpts{LivenessTTL: time.Hour, JobMaxRuntime: time.Minute})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if reverted != 1 {
		t.Fatalf("expected 1 job reverted, got %d", reverted)
	}

	updated, err := jobReg.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.State != jobs.StatePending {
		t.Fatalf("expected job reverted to pending, got %s", updated.State)
	}

	agent, err := agentReg.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if agent.State != agents.StateIdle || agent.CurrentJob != "" {
		t.Fatalf("expected live agent freed after runtime-exceeded revert, got %+v", agent)
	}
}
