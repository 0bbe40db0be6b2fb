// Package scheduler implements the Scheduler Loop (spec.md §4.5,
// component E): a periodic matcher that reorders each priority queue by
// tenant weight then submission time and binds jobs to idle, capable
// agents, honoring build-affinity grouping (spec.md §4.6). Grounded on
// control_plane/scheduler/scheduler.go's tick-driven worker loop and
// decision-logging style.
package scheduler

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/dispatch"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/observability"
	"github.com/testmesh/orchestrator/control_plane/queue"
)

// Scheduler runs the tick loop. It owns no store state of its own beyond
// the Dispatcher's in-memory group table (spec.md §5).
type Scheduler struct {
	Jobs       *jobs.Registry
	Agents     *agents.Registry
	Queues     *queue.Queues
	Dispatcher *dispatch.Dispatcher
	Admission  *AdmissionBreaker
	Config     Config

	clock func() time.Time
}

// New constructs a Scheduler. cfg's zero-valued durations fall back to
// the package defaults.
func New(jobReg *jobs.Registry, agentReg *agents.Registry, queues *queue.Queues, dispatcher *dispatch.Dispatcher, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = agents.DefaultLivenessTTL
	}
	if cfg.JobMaxRuntime <= 0 {
		cfg.JobMaxRuntime = dispatch.DefaultJobMaxRuntime
	}
	if cfg.GroupMaxIdle <= 0 {
		cfg.GroupMaxIdle = DefaultGroupMaxIdle
	}
	return &Scheduler{
		Jobs:       jobReg,
		Agents:     agentReg,
		Queues:     queues,
		Dispatcher: dispatcher,
		Admission:  NewAdmissionBreaker(500),
		Config:     cfg,
		clock:      time.Now,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled, completing
// the current tick before returning (spec.md §5 "Cancellation").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Printf("scheduler: tick aborted: %v", err)
			}
		}
	}
}

func (s *Scheduler) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

type candidate struct {
	job    *jobs.Job
	weight int
}

// Tick runs one scheduling pass: fetch idle agents, then for each
// priority high -> medium -> low, snapshot-sort-drain-walk the queue
// (spec.md §4.5). A store failure aborts the tick; the next cadence
// retries (spec.md §7 "Store failures during scheduler ticks").
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()
	defer func() {
		observability.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	liveIdle, err := s.idleAgents(ctx)
	if err != nil {
		return err
	}
	if len(liveIdle) == 0 {
		return nil
	}
	idleByID := make(map[string]*agents.Agent, len(liveIdle))
	idleOrder := make([]string, 0, len(liveIdle))
	for _, a := range liveIdle {
		idleByID[a.ID] = a
		idleOrder = append(idleOrder, a.ID)
	}

	exhausted := false
	for _, priority := range queue.Priorities {
		if exhausted {
			break
		}
		if err := s.drainPriority(ctx, priority, idleByID, &idleOrder); err != nil {
			return err
		}
		if len(idleByID) == 0 {
			exhausted = true
		}
	}

	s.Dispatcher.Groups.Housekeep(s.now(), s.Config.GroupMaxIdle)
	observability.GroupCount.Set(float64(s.Dispatcher.Groups.Len()))
	s.refreshQueueDepthMetrics(ctx)
	return nil
}

func (s *Scheduler) idleAgents(ctx context.Context) ([]*agents.Agent, error) {
	live, err := s.Agents.LiveAgents(ctx, s.Config.LivenessTTL)
	if err != nil {
		return nil, err
	}
	var idle []*agents.Agent
	for _, a := range live {
		if a.State == agents.StateIdle {
			idle = append(idle, a)
		}
	}
	observability.ConnectedAgents.Set(float64(len(live)))
	return idle, nil
}

// drainPriority implements spec.md §4.5 step 2 for a single queue.
func (s *Scheduler) drainPriority(ctx context.Context, priority jobs.Priority, idleByID map[string]*agents.Agent, idleOrder *[]string) error {
	ids, err := s.Queues.Snapshot(ctx, priority)
	if err != nil {
		return err
	}

	var candidates []candidate
	for _, id := range ids {
		job, err := s.Jobs.Get(ctx, id)
		if err != nil {
			continue // resolved away: gone or advanced past pending
		}
		if job.State != jobs.StatePending {
			continue
		}
		candidates = append(candidates, candidate{job: job, weight: s.Config.WeightOf(job.Tenant)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].job.CreatedAt.Before(candidates[j].job.CreatedAt)
	})

	var requeue []string
	for _, c := range candidates {
		// An existing build-affinity group always takes the job, whether
		// or not its holding agent is idle this tick — the agent holding
		// a group for this build is by definition busy running the
		// group's current head (spec.md §4.6).
		if agentID, ok := s.Dispatcher.Groups.LookupByBuild(c.job.Build); ok {
			if err := s.attach(ctx, agentID, c.job); err != nil {
				log.Printf("scheduler: failed to attach job %s to build group on %s: %v", c.job.ID, agentID, err)
				requeue = append(requeue, c.job.ID)
			}
			continue
		}

		if len(idleByID) == 0 {
			requeue = append(requeue, c.job.ID)
			continue
		}

		agent := findCapableAgent(c.job.Target, *idleOrder, idleByID)
		if agent == nil {
			observability.SchedulerDecisions.WithLabelValues("skip", "no_capable_agent").Inc()
			requeue = append(requeue, c.job.ID)
			continue
		}

		if err := s.bind(ctx, agent, c.job); err != nil {
			log.Printf("scheduler: failed to bind job %s to agent %s: %v", c.job.ID, agent.ID, err)
			requeue = append(requeue, c.job.ID)
			continue
		}
		delete(idleByID, agent.ID)
		*idleOrder = removeID(*idleOrder, agent.ID)
	}

	return s.Queues.Replace(ctx, priority, requeue)
}

// attach queues job behind agentID's existing build-affinity group
// (spec.md §4.6).
func (s *Scheduler) attach(ctx context.Context, agentID string, job *jobs.Job) error {
	s.Dispatcher.Groups.Attach(agentID, job.Build, job.ID)
	key := agentID + "/" + job.Build
	agentIDCopy := agentID
	if _, err := s.Jobs.Transition(ctx, job.ID, jobs.StateQueuedForGroup, jobs.Patch{GroupKey: &key, GroupAgent: &agentIDCopy}); err != nil {
		return err
	}
	observability.SchedulerDecisions.WithLabelValues("attach_group", "build_affinity").Inc()
	return nil
}

// bind claims job directly onto agent and opens a new build-affinity group
// for it, since drainPriority's LookupByBuild check already confirmed no
// group exists yet for this build (spec.md §4.6).
func (s *Scheduler) bind(ctx context.Context, agent *agents.Agent, job *jobs.Job) error {
	if _, err := s.Dispatcher.Claim(ctx, agent.ID, job.ID, s.Config.LivenessTTL); err != nil {
		return err
	}
	s.Dispatcher.Groups.Create(agent.ID, job.Build, job.ID, s.now())
	observability.SchedulerDecisions.WithLabelValues("dispatch", "claimed").Inc()
	return nil
}

func (s *Scheduler) refreshQueueDepthMetrics(ctx context.Context) {
	depths, err := s.Queues.Depths(ctx)
	if err != nil {
		return
	}
	for priority, n := range depths {
		observability.QueueDepth.WithLabelValues(string(priority)).Set(float64(n))
	}
}

func findCapableAgent(target jobs.Target, order []string, byID map[string]*agents.Agent) *agents.Agent {
	for _, id := range order {
		a, ok := byID[id]
		if !ok {
			continue
		}
		if a.HasCapability(string(target)) {
			return a
		}
	}
	return nil
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, v := range order {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
