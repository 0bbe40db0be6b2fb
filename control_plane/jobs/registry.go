package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/testmesh/orchestrator/control_plane/apierrors"
	"github.com/testmesh/orchestrator/control_plane/observability"
	"github.com/testmesh/orchestrator/control_plane/store"
	"github.com/testmesh/orchestrator/control_plane/streaming"
)

// Enqueuer appends a job id to the tail of one of the three priority queues
// (spec.md §4.4) and reports the queue's length after the append.
type Enqueuer interface {
	Append(ctx context.Context, priority Priority, jobID string) (int, error)
}

// Clock abstracts time.Now so tests can control timestamps, the way the
// teacher injects time only implicitly via time.Now() but tests assert on
// relative ordering (control_plane/scheduler/scheduler_test.go).
type Clock func() time.Time

// AdmissionGate gates low-priority submissions when the system is backed
// up (spec.md §4.5 anti-starvation intent). scheduler.AdmissionBreaker
// implements this; defined here rather than imported from scheduler since
// scheduler already imports jobs.
type AdmissionGate interface {
	ShouldAdmit(queueDepth int, agentSaturation float64) bool
}

// AdmissionProbe reports the current low+medium queue depth and the
// fraction of live agents that are busy, the inputs an AdmissionGate needs.
type AdmissionProbe func(ctx context.Context) (queueDepth int, agentSaturation float64, err error)

// JobRecordTTL is the default retention window after a job reaches a
// terminal state (spec.md §3 "Lifecycle").
const JobRecordTTL = 24 * time.Hour

// SubmitRequest is the input to Submit (spec.md §4.2).
type SubmitRequest struct {
	ID       string
	Tenant   string
	Build    string
	Artifact string
	Priority Priority // optional, defaults to PriorityMedium
	Target   Target   // optional, defaults to TargetEmulator
}

// Filter narrows List results (spec.md §4.2).
type Filter struct {
	Tenant string
	State  State
	Build  string
	Limit  int
}

// Registry is the Job Registry: CRUD plus state-machine transitions backed
// by a Store (spec.md §4.2, component B).
type Registry struct {
	store     store.Store
	queues    Enqueuer
	clock     Clock
	recTTL    time.Duration
	publisher streaming.Publisher
	admission AdmissionGate
	probe     AdmissionProbe
}

// NewRegistry constructs a Registry. queues must not be nil; Submit appends
// every new job to its priority queue immediately after persisting it.
func NewRegistry(s store.Store, queues Enqueuer) *Registry {
	return &Registry{
		store:  s,
		queues: queues,
		clock:  time.Now,
		recTTL: JobRecordTTL,
	}
}

// WithClock overrides the registry's clock (for tests).
func (r *Registry) WithClock(c Clock) *Registry {
	r.clock = c
	return r
}

// WithPublisher attaches a streaming.Publisher so Submit announces new jobs
// on the "job.submitted" topic. Publishing is best-effort: a publish
// failure is counted but never fails the submit itself (spec.md §4.2 has no
// notion of a submit that depends on a downstream subscriber).
func (r *Registry) WithPublisher(p streaming.Publisher) *Registry {
	r.publisher = p
	return r
}

// WithAdmission attaches an AdmissionGate and the probe it needs. Only
// low-priority submissions are gated (spec.md §4.5 anti-starvation intent):
// a tenant flooding low-priority work must never be able to block its own
// or anyone else's high-priority submissions.
func (r *Registry) WithAdmission(gate AdmissionGate, probe AdmissionProbe) *Registry {
	r.admission = gate
	r.probe = probe
	return r
}

func (r *Registry) publish(ctx context.Context, topic string, payload interface{}) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// Submit validates req, creates the job record in state pending, persists
// it, and appends it to its priority queue — in that order, so that any
// reader observing the queue can always resolve the id (spec.md §4.2).
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (*Job, int, error) {
	if req.Tenant == "" {
		return nil, 0, &apierrors.ValidationError{Field: "tenant", Reason: "must not be empty"}
	}
	if req.Build == "" {
		return nil, 0, &apierrors.ValidationError{Field: "build", Reason: "must not be empty"}
	}
	if req.Artifact == "" {
		return nil, 0, &apierrors.ValidationError{Field: "artifact", Reason: "must not be empty"}
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return nil, 0, &apierrors.ValidationError{Field: "priority", Reason: "must be high, medium, or low"}
	}

	target := req.Target
	if target == "" {
		target = TargetEmulator
	}
	target = NormalizeTarget(target)
	if !ValidTarget(target) {
		return nil, 0, &apierrors.ValidationError{Field: "target", Reason: "must be emulator, device, or cloud"}
	}

	if priority == PriorityLow && r.admission != nil && r.probe != nil {
		depth, saturation, err := r.probe(ctx)
		if err == nil && !r.admission.ShouldAdmit(depth, saturation) {
			observability.SchedulerRejections.WithLabelValues("admission_breaker_open").Inc()
			return nil, 0, &apierrors.AdmissionRejectedError{Reason: "system backed up, retry later"}
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := r.load(ctx, id); err == nil {
		return nil, 0, &apierrors.ConflictError{Kind: "job", ID: id, Reason: "id already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, wrapStoreErr("submit", err)
	}

	now := r.now()
	job := &Job{
		ID:        id,
		Tenant:    req.Tenant,
		Build:     req.Build,
		Artifact:  req.Artifact,
		Priority:  priority,
		Target:    target,
		State:     StatePending,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.save(ctx, job); err != nil {
		return nil, 0, wrapStoreErr("submit", err)
	}

	qlen, err := r.queues.Append(ctx, priority, id)
	if err != nil {
		return nil, 0, wrapStoreErr("submit", err)
	}

	r.publish(ctx, "job.submitted", job)
	return job.Clone(), qlen, nil
}

// Get returns the job with id, or apierrors.NotFoundError.
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	job, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "job", ID: id}
		}
		return nil, wrapStoreErr("get", err)
	}
	return job.Clone(), nil
}

// List returns jobs matching filter, ordered by descending CreatedAt
// (spec.md §4.2).
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Job, error) {
	keys, err := r.store.Scan(ctx, store.JobScanPrefix())
	if err != nil {
		return nil, wrapStoreErr("list", err)
	}

	var out []*Job
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, wrapStoreErr("list", err)
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		if filter.Tenant != "" && job.Tenant != filter.Tenant {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Build != "" && job.Build != filter.Build {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Cancel transitions id to cancelled. Permitted only from pending or running
// (spec.md §4.2) — a narrower precondition than the general state machine,
// which also allows queued-for-group -> cancelled for internal use.
func (r *Registry) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "job", ID: id}
		}
		return nil, wrapStoreErr("cancel", err)
	}

	if job.State != StatePending && job.State != StateRunning {
		return nil, &apierrors.IllegalStateError{Kind: "job", ID: id, From: string(job.State), To: string(StateCancelled)}
	}

	return r.Transition(ctx, id, StateCancelled, Patch{})
}

// Patch carries the explicit optional fields a transition may set, replacing
// the source's dynamic field-bag merging (spec.md §9).
type Patch struct {
	AssignedAgent    *string
	LastError        *string
	Result           []byte
	IncrementAttempt bool
	GroupKey         *string
	GroupAgent       *string
}

// Transition moves job id from its current state to newState if the edge is
// legal, stamping timestamps and applying patch. It is the single entry
// point for timestamp stamping (spec.md §9).
func (r *Registry) Transition(ctx context.Context, id string, newState State, patch Patch) (*Job, error) {
	job, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "job", ID: id}
		}
		return nil, wrapStoreErr("transition", err)
	}

	if job.State.Terminal() {
		return nil, &apierrors.IllegalStateError{Kind: "job", ID: id, From: string(job.State), To: string(newState)}
	}
	if !legalTransition(job.State, newState) {
		return nil, &apierrors.IllegalStateError{Kind: "job", ID: id, From: string(job.State), To: string(newState)}
	}

	now := r.now()
	job.State = newState
	job.UpdatedAt = now

	switch newState {
	case StateRunning:
		job.StartedAt = &now
	case StateCompleted, StateFailed, StateCancelled:
		job.CompletedAt = &now
	}

	if patch.AssignedAgent != nil {
		job.AssignedAgent = *patch.AssignedAgent
	}
	if patch.LastError != nil {
		job.LastError = *patch.LastError
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.IncrementAttempt {
		job.Attempt++
	}
	if patch.GroupKey != nil {
		job.GroupKey = *patch.GroupKey
	}
	if patch.GroupAgent != nil {
		job.GroupAgent = *patch.GroupAgent
	}

	if err := r.save(ctx, job); err != nil {
		return nil, wrapStoreErr("transition", err)
	}
	return job.Clone(), nil
}

// RevertToPending forces a running job back to pending without
// incrementing attempt, clearing AssignedAgent and StartedAt. It bypasses
// the normal state-machine edge table because it is the reconciliation
// sweep's crash-recovery path (spec.md §4.7), not a caller-facing
// transition — the only edge a non-transactional store cannot otherwise
// repair through Transition.
func (r *Registry) RevertToPending(ctx context.Context, id string) (*Job, error) {
	job, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apierrors.NotFoundError{Kind: "job", ID: id}
		}
		return nil, wrapStoreErr("revert", err)
	}
	if job.State != StateRunning {
		return nil, &apierrors.IllegalStateError{Kind: "job", ID: id, From: string(job.State), To: string(StatePending)}
	}

	job.State = StatePending
	job.UpdatedAt = r.now()
	job.AssignedAgent = ""
	job.StartedAt = nil

	if err := r.save(ctx, job); err != nil {
		return nil, wrapStoreErr("revert", err)
	}
	return job.Clone(), nil
}

func (r *Registry) load(ctx context.Context, id string) (*Job, error) {
	raw, err := r.store.Get(ctx, store.JobKey(id))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, &apierrors.InternalError{Reason: "corrupt job record: " + err.Error()}
	}
	return &job, nil
}

func (r *Registry) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return &apierrors.InternalError{Reason: "marshal job: " + err.Error()}
	}
	ttl := time.Duration(0)
	if job.State.Terminal() {
		ttl = r.recTTL
	}
	return r.store.Put(ctx, store.JobKey(job.ID), raw, ttl)
}

func wrapStoreErr(op string, err error) error {
	return &apierrors.StoreUnavailableError{Op: op, Err: err}
}
