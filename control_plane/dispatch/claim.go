package dispatch

import (
	"context"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/apierrors"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/observability"
)

// Claim binds jobID to agentID (spec.md §4.3 claim). The job mutation is
// performed before the agent mutation since the store offers no
// multi-key transaction. If the agent mutation then fails, the job stays
// running; the reconciliation sweep (reconcile.go) reverts it once its agent
// is no longer live or it exceeds JobMaxRuntime. The sweep does not compare
// the agent's recorded state or current job against the job.
func (d *Dispatcher) Claim(ctx context.Context, agentID, jobID string, livenessTTL time.Duration) (*jobs.Job, error) {
	agent, err := d.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if livenessTTL <= 0 {
		livenessTTL = agents.DefaultLivenessTTL
	}
	if !agent.Live(d.now(), livenessTTL) {
		return nil, &apierrors.NotFoundError{Kind: "agent", ID: agentID}
	}

	job, err := d.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != jobs.StatePending && job.State != jobs.StateQueuedForGroup {
		observability.ClaimConflicts.Inc()
		return nil, &apierrors.ConflictError{Kind: "job", ID: jobID, Reason: "not in a claimable state"}
	}
	if !agent.HasCapability(string(job.Target)) {
		return nil, &apierrors.ConflictError{Kind: "job", ID: jobID, Reason: "agent lacks required capability"}
	}

	assigned := agentID
	updated, err := d.Jobs.Transition(ctx, jobID, jobs.StateRunning, jobs.Patch{AssignedAgent: &assigned})
	if err != nil {
		return nil, err
	}

	if _, err := d.Agents.SetState(ctx, agentID, agents.StateBusy, jobID); err != nil {
		return updated, err
	}

	d.record(jobID, agentID, job.Tenant, "CLAIMED", nil)
	d.publish(ctx, "job.running", updated)
	return updated, nil
}
