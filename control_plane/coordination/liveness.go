package coordination

import (
	"context"
	"log"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/observability"
)

// LivenessObserver periodically samples the Agent Registry and publishes
// connected-agent metrics. Unlike the teacher's AgentMonitor, it never
// writes an agent's state: spec.md §4.3 defines liveness as a read-time
// computation (now - last_seen < ttl), not a value a background process
// maintains, so an observer here would create a second, racing writer of
// the same fact the scheduler already derives on every tick. Grounded on
// control_plane/coordination/agent_monitor.go, trimmed to its metrics side.
type LivenessObserver struct {
	agents   *agents.Registry
	interval time.Duration
	ttl      time.Duration
}

// NewLivenessObserver constructs an observer that samples every interval
// using ttl as the liveness window.
func NewLivenessObserver(a *agents.Registry, interval, ttl time.Duration) *LivenessObserver {
	return &LivenessObserver{agents: a, interval: interval, ttl: ttl}
}

// Start runs the sampling loop until ctx is cancelled.
func (o *LivenessObserver) Start(ctx context.Context) {
	go o.loop(ctx)
}

func (o *LivenessObserver) loop(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sample(ctx)
		}
	}
}

func (o *LivenessObserver) sample(ctx context.Context) {
	live, err := o.agents.LiveAgents(ctx, o.ttl)
	if err != nil {
		log.Printf("coordination: liveness sample failed: %v", err)
		return
	}
	observability.ConnectedAgents.Set(float64(len(live)))
}
