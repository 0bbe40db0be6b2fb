package dispatch

import (
	"context"
	"strconv"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/apierrors"
	"github.com/testmesh/orchestrator/control_plane/incident"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/observability"
)

// Complete is the termination callback invoked by an agent (spec.md §4.3
// complete, §4.7 Lifecycle Driver).
func (d *Dispatcher) Complete(ctx context.Context, agentID, jobID string, success bool, errMsg string, result []byte) (*jobs.Job, error) {
	job, err := d.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.AssignedAgent != agentID {
		return nil, &apierrors.ForbiddenError{Reason: "job is not assigned to this agent"}
	}

	if job.State.Terminal() {
		// Late report for a job cancelled (or otherwise finalized) while
		// running: accepted, ignored for state purposes, agent freed and
		// its group advanced (spec.md §4.7 "Cancellation during run").
		d.advanceGroup(ctx, agentID, job.Build)
		return job, nil
	}
	if job.State != jobs.StateRunning {
		return nil, &apierrors.ForbiddenError{Reason: "job is not running"}
	}

	if success {
		return d.completeSuccess(ctx, job, result)
	}
	return d.completeFailure(ctx, job, errMsg)
}

func (d *Dispatcher) completeSuccess(ctx context.Context, job *jobs.Job, result []byte) (*jobs.Job, error) {
	updated, err := d.Jobs.Transition(ctx, job.ID, jobs.StateCompleted, jobs.Patch{Result: result})
	if err != nil {
		return nil, err
	}
	observability.JobCompletions.WithLabelValues("completed").Inc()
	d.record(job.ID, job.AssignedAgent, job.Tenant, "COMPLETED", nil)
	d.publish(ctx, "job.completed", updated)

	d.advanceGroup(ctx, job.AssignedAgent, job.Build)
	return updated, nil
}

func (d *Dispatcher) completeFailure(ctx context.Context, job *jobs.Job, errMsg string) (*jobs.Job, error) {
	agentID := job.AssignedAgent

	if job.Attempt+1 < MaxAttempts {
		attempt := job.Attempt + 1
		lastErr := errMsg
		if _, err := d.Jobs.Transition(ctx, job.ID, jobs.StateRetrying, jobs.Patch{LastError: &lastErr, IncrementAttempt: true}); err != nil {
			return nil, err
		}
		if _, err := d.Queues.Append(ctx, job.Priority, job.ID); err != nil {
			return nil, err
		}
		updated, err := d.Jobs.Transition(ctx, job.ID, jobs.StatePending, jobs.Patch{})
		if err != nil {
			return nil, err
		}
		observability.JobRetries.Inc()
		d.record(job.ID, agentID, job.Tenant, "RETRYING", map[string]string{"attempt": strconv.Itoa(attempt)})
		d.publish(ctx, "job.retrying", updated)
		d.advanceGroup(ctx, agentID, job.Build)
		return updated, nil
	}

	lastErr := errMsg
	updated, err := d.Jobs.Transition(ctx, job.ID, jobs.StateFailed, jobs.Patch{LastError: &lastErr})
	if err != nil {
		return nil, err
	}
	observability.JobCompletions.WithLabelValues("failed").Inc()
	d.record(job.ID, agentID, job.Tenant, "FAILED", nil)
	var tl incident.TimelineReader
	if d.Timeline != nil {
		tl = d.Timeline
	}
	if report, captureErr := incident.Capture(ctx, d.Jobs, d.Agents, tl, job.ID, "max_attempts_exhausted", map[string]string{"agent_id": agentID}); captureErr == nil {
		d.record(job.ID, agentID, job.Tenant, "INCIDENT_CAPTURED", map[string]string{"reason": report.Reason})
	}
	d.publish(ctx, "job.failed", updated)
	d.advanceGroup(ctx, agentID, job.Build)
	return updated, nil
}

// advanceGroup pops the just-terminated job from its build-affinity group
// and either promotes the new head to running or frees the agent
// (spec.md §4.6, §4.7).
func (d *Dispatcher) advanceGroup(ctx context.Context, agentID, build string) {
	newHead, hasNewHead, ok := d.Groups.Advance(agentID, build)
	if !ok {
		// No tracked group (the in-process table lost it across a restart
		// or HA failover). The agent has no other pending group member to
		// promote to, so free it directly rather than leaving it recorded
		// busy against a job that is no longer running (spec.md §8
		// invariant 2).
		_, _ = d.Agents.SetState(ctx, agentID, agents.StateIdle, "")
		return
	}
	if hasNewHead {
		assigned := agentID
		if _, err := d.Jobs.Transition(ctx, newHead, jobs.StateRunning, jobs.Patch{AssignedAgent: &assigned}); err != nil {
			return
		}
		if _, err := d.Agents.SetState(ctx, agentID, agents.StateBusy, newHead); err != nil {
			return
		}
		d.record(newHead, agentID, "", "DISPATCHED", map[string]string{"promoted_from_group": "true"})
		return
	}
	_, _ = d.Agents.SetState(ctx, agentID, agents.StateIdle, "")
}

