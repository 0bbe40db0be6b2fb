package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/testmesh/orchestrator/control_plane/apierrors"
	"github.com/testmesh/orchestrator/control_plane/store"
)

// DefaultLivenessTTL is used by LiveAgents when a caller does not override
// it (spec.md §3, §4.3: LIVENESS_TTL default 120s).
const DefaultLivenessTTL = 120 * time.Second

// DefaultAgentRecordTTL is the store expiry every agent record carries,
// refreshed on each save. A heartbeat that never arrives again lets the
// key lapse so dead agents don't accumulate forever (spec.md §3, §4.1,
// §6: agent_record_ttl default 300s).
const DefaultAgentRecordTTL = 300 * time.Second

// Registry is the Agent Registry: registration, heartbeat, and state
// bookkeeping for worker nodes (spec.md §4.3, component C).
type Registry struct {
	store  store.Store
	clock  func() time.Time
	recTTL time.Duration
}

// NewRegistry constructs a Registry backed by s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, clock: time.Now, recTTL: DefaultAgentRecordTTL}
}

// WithClock overrides the registry's clock (for tests).
func (r *Registry) WithClock(c func() time.Time) *Registry {
	r.clock = c
	return r
}

// WithRecordTTL overrides the store expiry applied to every saved agent
// record (for tests and operator tuning).
func (r *Registry) WithRecordTTL(ttl time.Duration) *Registry {
	r.recTTL = ttl
	return r
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// Register creates or re-registers an agent. id is server-assigned via
// uuid.NewString() when the caller doesn't supply one, matching
// jobs.Registry.Submit's id-assignment (spec.md §4.3 register "Assigns
// id"; §6's register_agent operation takes name/capabilities/metadata, no
// id). Re-registering an existing id resets its capability list and marks
// it idle.
func (r *Registry) Register(ctx context.Context, id, name string, capabilities []string) (*Agent, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		return nil, &apierrors.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	now := r.now()
	agent := &Agent{
		ID:           id,
		Name:         name,
		Capabilities: append([]string(nil), capabilities...),
		State:        StateIdle,
		RegisteredAt: now,
		LastSeen:     now,
	}

	if existing, err := r.load(ctx, id); err == nil {
		agent.RegisteredAt = existing.RegisteredAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, wrapStoreErr("register", err)
	}

	if err := r.save(ctx, agent); err != nil {
		return nil, wrapStoreErr("register", err)
	}
	return agent.Clone(), nil
}

// Heartbeat stamps LastSeen to now and moves an offline agent back to idle;
// a maintenance state is left unchanged (spec.md §4.3).
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Agent, error) {
	agent, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "agent", ID: id}
		}
		return nil, wrapStoreErr("heartbeat", err)
	}

	agent.LastSeen = r.now()
	if agent.State == StateOffline {
		agent.State = StateIdle
	}

	if err := r.save(ctx, agent); err != nil {
		return nil, wrapStoreErr("heartbeat", err)
	}
	return agent.Clone(), nil
}

// SetState forces an agent's state, used by the dispatcher (idle<->busy)
// and by operators (maintenance).
func (r *Registry) SetState(ctx context.Context, id string, state State, currentJob string) (*Agent, error) {
	if !ValidState(state) {
		return nil, &apierrors.ValidationError{Field: "state", Reason: "must be idle, busy, maintenance, or offline"}
	}
	if state == StateBusy && currentJob == "" {
		return nil, &apierrors.ValidationError{Field: "current_job", Reason: "required when state is busy"}
	}
	if state != StateBusy {
		currentJob = ""
	}

	agent, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "agent", ID: id}
		}
		return nil, wrapStoreErr("set_state", err)
	}

	agent.State = state
	agent.CurrentJob = currentJob

	if err := r.save(ctx, agent); err != nil {
		return nil, wrapStoreErr("set_state", err)
	}
	return agent.Clone(), nil
}

// Get returns the agent with id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	agent, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "agent", ID: id}
		}
		return nil, wrapStoreErr("get", err)
	}
	return agent.Clone(), nil
}

// List returns every registered agent, live or not.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	keys, err := r.store.Scan(ctx, store.AgentScanPrefix())
	if err != nil {
		return nil, wrapStoreErr("list", err)
	}
	var out []*Agent
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, wrapStoreErr("list", err)
		}
		var agent Agent
		if err := json.Unmarshal(raw, &agent); err != nil {
			continue
		}
		out = append(out, agent.Clone())
	}
	return out, nil
}

// LiveAgents returns every agent whose last heartbeat is within ttl,
// excluding maintenance and offline (spec.md §4.3, used by the scheduler's
// capability-matching walk).
func (r *Registry) LiveAgents(ctx context.Context, ttl time.Duration) ([]*Agent, error) {
	if ttl <= 0 {
		ttl = DefaultLivenessTTL
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var live []*Agent
	for _, a := range all {
		if a.State == StateMaintenance || a.State == StateOffline {
			continue
		}
		if a.Live(now, ttl) {
			live = append(live, a)
		}
	}
	return live, nil
}

func (r *Registry) load(ctx context.Context, id string) (*Agent, error) {
	raw, err := r.store.Get(ctx, store.AgentKey(id))
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, &apierrors.InternalError{Reason: "corrupt agent record: " + err.Error()}
	}
	return &agent, nil
}

func (r *Registry) save(ctx context.Context, agent *Agent) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return &apierrors.InternalError{Reason: "marshal agent: " + err.Error()}
	}
	ttl := r.recTTL
	if ttl <= 0 {
		ttl = DefaultAgentRecordTTL
	}
	return r.store.Put(ctx, store.AgentKey(agent.ID), raw, ttl)
}

func wrapStoreErr(op string, err error) error {
	return &apierrors.StoreUnavailableError{Op: op, Err: err}
}
