// Package agents implements the Agent Registry (spec.md §4.3, component C):
// registration, heartbeat, and capability bookkeeping for worker nodes.
// Liveness is computed at read time from LastSeen, never written by a
// background process — that distinguishes LiveAgents from the teacher's
// state-mutating control_plane/coordination/agent_monitor.go.
package agents

import "time"

// State is an agent's current availability.
type State string

const (
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateMaintenance State = "maintenance"
	StateOffline     State = "offline"
)

// ValidState reports whether s is one of the four legal agent states.
func ValidState(s State) bool {
	switch s {
	case StateIdle, StateBusy, StateMaintenance, StateOffline:
		return true
	}
	return false
}

// Agent is the durable record for one worker node (spec.md §3).
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	State        State     `json:"state"`
	CurrentJob   string    `json:"current_job,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Clone returns a copy safe for a caller to mutate.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// HasCapability reports whether a advertises capability c.
func (a *Agent) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Live reports whether a's last heartbeat is within ttl of now — the sole
// liveness check (spec.md §4.3); there is no separate "offline" writer.
func (a *Agent) Live(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.LastSeen) < ttl
}
