package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/incident"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/observability"
)

// DefaultJobMaxRuntime bounds how long a job may stay running before the
// reconciliation sweep treats it as crashed (spec.md §4.7).
const DefaultJobMaxRuntime = 30 * time.Minute

// ReconcileOpts configures one sweep; zero values fall back to defaults.
type ReconcileOpts struct {
	LivenessTTL   time.Duration
	JobMaxRuntime time.Duration
	CaptureReason bool
}

// Reconcile scans every running job and reverts it to pending, without
// incrementing attempt, when its agent is no longer live or it has run
// longer than JobMaxRuntime (spec.md §4.7, §8 invariants 1-2). It is the
// mechanism that repairs the partial-claim and dead-agent windows the
// non-transactional store cannot prevent (spec.md §5, §9).
func (d *Dispatcher) Reconcile(ctx context.Context, opts ReconcileOpts) (reverted int, err error) {
	livenessTTL := opts.LivenessTTL
	if livenessTTL <= 0 {
		livenessTTL = agents.DefaultLivenessTTL
	}
	maxRuntime := opts.JobMaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = DefaultJobMaxRuntime
	}

	running, err := d.Jobs.List(ctx, jobs.Filter{State: jobs.StateRunning})
	if err != nil {
		return 0, err
	}

	now := d.now()
	liveAgents, err := d.Agents.LiveAgents(ctx, livenessTTL)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(liveAgents))
	for _, a := range liveAgents {
		live[a.ID] = true
	}

	for _, job := range running {
		reason := ""
		agentLive := live[job.AssignedAgent]
		switch {
		case !agentLive:
			reason = "dead_agent"
		case job.StartedAt != nil && now.Sub(*job.StartedAt) > maxRuntime:
			reason = "runtime_exceeded"
		default:
			continue
		}

		if err := d.revertJob(ctx, job, reason, agentLive); err != nil {
			log.Printf("reconcile: failed to revert job %s (%s): %v", job.ID, reason, err)
			continue
		}
		observability.ReconciliationActions.WithLabelValues(reason).Inc()
		reverted++
	}
	return reverted, nil
}

// revertJob reverts job to pending and re-queues it. When the job's agent
// is still live (the runtime_exceeded trigger, since dead_agent already
// implies the opposite), the agent is also freed via advanceGroup — without
// this, a live agent whose job outran JOB_MAX_RUNTIME would be stuck
// recorded busy against a job that is no longer running, violating spec.md
// §8 invariant 2 (agent busy ⇒ its assigned job is running), and would
// never be scheduled again.
func (d *Dispatcher) revertJob(ctx context.Context, job *jobs.Job, reason string, agentLive bool) error {
	updated, err := d.Jobs.RevertToPending(ctx, job.ID)
	if err != nil {
		return err
	}
	if _, err := d.Queues.Append(ctx, job.Priority, job.ID); err != nil {
		return err
	}

	if agentLive {
		d.advanceGroup(ctx, job.AssignedAgent, job.Build)
	}

	d.record(job.ID, job.AssignedAgent, job.Tenant, "RECONCILED", map[string]string{"reason": reason})
	var tl incident.TimelineReader
	if d.Timeline != nil {
		tl = d.Timeline
	}
	if report, captureErr := incident.Capture(ctx, d.Jobs, d.Agents, tl, job.ID, reason, map[string]string{"agent_id": job.AssignedAgent}); captureErr == nil {
		d.record(job.ID, job.AssignedAgent, job.Tenant, "INCIDENT_CAPTURED", map[string]string{"reason": report.Reason})
	}
	d.publish(ctx, "job.submitted", updated)
	return nil
}
