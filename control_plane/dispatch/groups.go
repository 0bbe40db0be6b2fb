// Package dispatch implements build-affinity grouping, claiming, and the
// lifecycle driver (spec.md §4.3 claim/complete, §4.6, §4.7, component F/G).
// The group table is held in process memory, owned by the scheduler, and
// protected by a single mutex per the concurrency model in spec.md §5.
package dispatch

import (
	"sync"
	"time"
)

// groupKey identifies a build-affinity group (spec.md §3).
type groupKey struct {
	AgentID string
	Build   string
}

// Group is an ephemeral ordered list of jobs sharing an agent and build.
type Group struct {
	Jobs       []string
	CreatedAt  time.Time
	Processing bool
}

// GroupTable owns every live build-affinity group. Mutation happens only
// from the scheduler tick or from completion handling, serialized by mu
// (spec.md §5 "shared mutable state").
type GroupTable struct {
	mu     sync.Mutex
	groups map[groupKey]*Group
}

// NewGroupTable constructs an empty table.
func NewGroupTable() *GroupTable {
	return &GroupTable{groups: make(map[groupKey]*Group)}
}

// Lookup returns the group for (agentID, build) if one exists.
func (t *GroupTable) Lookup(agentID, build string) (*Group, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupKey{AgentID: agentID, Build: build}]
	return g, ok
}

// LookupByBuild returns the agent currently holding a live group for
// build, if any, regardless of whether that agent is idle this tick.
// Build-affinity grouping has to survive across ticks and across the
// holding agent's own busy state — it is precisely busy agents whose
// groups this needs to find (spec.md §4.6).
func (t *GroupTable) LookupByBuild(build string) (agentID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.groups {
		if k.Build == build {
			return k.AgentID, true
		}
	}
	return "", false
}

// Attach appends jobID to the tail of the existing group for
// (agentID, build). The caller must have already confirmed the group
// exists via Lookup.
func (t *GroupTable) Attach(agentID, build, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := groupKey{AgentID: agentID, Build: build}
	if g, ok := t.groups[key]; ok {
		g.Jobs = append(g.Jobs, jobID)
	}
}

// Create starts a new processing group for (agentID, build) with jobID as
// its sole, running, member.
func (t *GroupTable) Create(agentID, build, jobID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[groupKey{AgentID: agentID, Build: build}] = &Group{
		Jobs:       []string{jobID},
		CreatedAt:  now,
		Processing: true,
	}
}

// Advance pops the head of the group for (agentID, build) — the just
// terminated job — and reports the new head, if any, so the caller can
// promote it to running. Returns ok=false if no group was found (already
// reconciled away, or never tracked after a restart).
func (t *GroupTable) Advance(agentID, build string) (newHead string, hasNewHead bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := groupKey{AgentID: agentID, Build: build}
	g, found := t.groups[key]
	if !found {
		return "", false, false
	}
	if len(g.Jobs) > 0 {
		g.Jobs = g.Jobs[1:]
	}
	if len(g.Jobs) == 0 {
		delete(t.groups, key)
		return "", false, true
	}
	return g.Jobs[0], true, true
}

// Housekeep drops every group older than maxIdle that is not processing
// (spec.md §4.5 step 3).
func (t *GroupTable) Housekeep(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for k, g := range t.groups {
		if !g.Processing && now.Sub(g.CreatedAt) > maxIdle {
			delete(t.groups, k)
			dropped++
		}
	}
	return dropped
}

// Len reports how many groups are currently tracked (for metrics).
func (t *GroupTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}
