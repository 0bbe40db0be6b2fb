package dispatch

import (
	"context"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/observability"
	"github.com/testmesh/orchestrator/control_plane/streaming"
	"github.com/testmesh/orchestrator/control_plane/timeline"
)

// MaxAttempts bounds job.Attempt (spec.md §4.7, §8 invariant 5).
const MaxAttempts = 3

// Dispatcher wires the Job Registry and Agent Registry together for the
// two cross-cutting operations neither registry can perform alone: claim
// and complete (spec.md §4.3, §4.7, component F/G).
type Dispatcher struct {
	Jobs      *jobs.Registry
	Agents    *agents.Registry
	Queues    jobs.Enqueuer
	Groups    *GroupTable
	Publisher streaming.Publisher
	Timeline  *timeline.Store
	clock     func() time.Time
}

// New constructs a Dispatcher. publisher and tl may be nil, in which case
// events are silently dropped (best-effort by design).
func New(jobReg *jobs.Registry, agentReg *agents.Registry, queues jobs.Enqueuer, groups *GroupTable, publisher streaming.Publisher, tl *timeline.Store) *Dispatcher {
	return &Dispatcher{
		Jobs:      jobReg,
		Agents:    agentReg,
		Queues:    queues,
		Groups:    groups,
		Publisher: publisher,
		Timeline:  tl,
		clock:     time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.clock != nil {
		return d.clock()
	}
	return time.Now()
}

func (d *Dispatcher) publish(ctx context.Context, topic string, payload any) {
	if d.Publisher == nil {
		return
	}
	if err := d.Publisher.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
}

func (d *Dispatcher) record(jobID, agentID, tenant, stage string, meta map[string]string) {
	if d.Timeline == nil {
		return
	}
	d.Timeline.Record(timeline.Event{
		JobID:    jobID,
		Stage:    stage,
		AgentID:  agentID,
		Tenant:   tenant,
		Metadata: meta,
	})
}
