// Package incident snapshots job/agent/timeline state when the
// reconciliation sweep reverts a job or a job reaches a terminal failure,
// so an operator can inspect what happened without correlating three
// separate systems by hand. Grounded on control_plane/incident/capture.go;
// generalized from desired-state reconciliation incidents to job incidents.
package incident

import (
	"context"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/timeline"
)

// Report is a captured failure context for debugging.
type Report struct {
	JobID      string            `json:"job_id"`
	Job        *jobs.Job         `json:"job"`
	Agent      *agents.Agent     `json:"agent,omitempty"`
	Events     []timeline.Event  `json:"events"`
	Reason     string            `json:"reason"`
	CapturedAt time.Time         `json:"captured_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// JobGetter is the subset of jobs.Registry capture depends on.
type JobGetter interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// AgentGetter is the subset of agents.Registry capture depends on.
type AgentGetter interface {
	Get(ctx context.Context, id string) (*agents.Agent, error)
}

// TimelineReader is the subset of timeline.Store capture depends on.
type TimelineReader interface {
	ForJob(jobID string) []timeline.Event
}

// Capture gathers job, agent, and timeline context for jobID. A missing
// agent (already expired from the store) is not an error — the report is
// simply agent-less.
func Capture(ctx context.Context, jobs_ JobGetter, agents_ AgentGetter, tl TimelineReader, jobID, reason string, meta map[string]string) (*Report, error) {
	job, err := jobs_.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var agent *agents.Agent
	if job.AssignedAgent != "" {
		agent, _ = agents_.Get(ctx, job.AssignedAgent)
	}

	var events []timeline.Event
	if tl != nil {
		events = tl.ForJob(jobID)
	}

	return &Report{
		JobID:      jobID,
		Job:        job,
		Agent:      agent,
		Events:     events,
		Reason:     reason,
		CapturedAt: time.Now(),
		Metadata:   meta,
	}, nil
}
