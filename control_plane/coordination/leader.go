// Package coordination adds an optional HA mode on top of the otherwise
// single-process orchestrator core (spec.md §5): a Redis-backed lease races
// multiple processes for leadership, fenced by a durable Postgres epoch so a
// Redis flush or network partition cannot mint two leaders with the same
// fencing token. Only the leader runs the Scheduler Loop and the Lifecycle
// Driver's reconciliation sweep; followers keep serving the whole HTTP API,
// writes included, against the shared store.
// Grounded on control_plane/coordination/leader.go and janitor.go.
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testmesh/orchestrator/control_plane/observability"
	"github.com/testmesh/orchestrator/control_plane/store"
)

// leaderElectionResource is the durable-epoch resource ID the elector fences
// on; the orchestrator runs at most one HA lease, so this is fixed.
const leaderElectionResource = "leader_election"

// leaderLockKey is the Redis key the lease lives under.
const leaderLockKey = "orchestrator:lock:leader"

// leaseMetadata is the JSON payload stored as the lease's value, identifying
// its owner and the epoch it was minted under.
type leaseMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderState is a read-only snapshot of the elector's status, useful for a
// status endpoint or log line.
type LeaderState struct {
	IsLeader     bool
	CurrentEpoch int64
	Transitions  int64
	NodeID       string
}

// LeaderElector runs the acquire/renew loop for one orchestrator process. A
// single-instance deployment can ignore this package entirely; nothing here
// is required for spec.md's baseline behavior.
type LeaderElector struct {
	coordinator store.Coordinator
	epochs      store.DurableEpochStore
	nodeID      string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	transitions  int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()
}

// NewLeaderElector constructs an elector for nodeID. ttl bounds how long a
// lease survives without renewal.
func NewLeaderElector(c store.Coordinator, epochs store.DurableEpochStore, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		epochs:      epochs,
		nodeID:      nodeID,
		ttl:         ttl,
	}
}

// SetCallbacks registers the hooks run on leadership gain/loss. onElected
// receives a context cancelled the instant leadership is lost — long-running
// work (the scheduler loop, the reconciliation sweep) should select on it.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start runs the election loop until ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

// IsLeader reports whether this process currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// State returns a snapshot for diagnostics.
func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	failures := 0
	const maxFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					failures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					failures++
					log.Printf("coordination: lease renew failed (%d/%d): %v", failures, maxFailures, err)
					if failures >= maxFailures {
						log.Printf("coordination: too many renew failures, stepping down")
						l.stepDown()
						failures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					failures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, leaderElectionResource)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		log.Printf("coordination: epoch jumped from %d to %d; contention or recovery from partition", l.currentEpoch, epoch)
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := leaseMetadata{
		OwnerNode: l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}

	acquired, err := l.coordinator.AcquireLease(ctx, leaderLockKey, string(payload), l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = string(payload)
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.coordinator.ReleaseLease(ctx, leaderLockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	epoch := l.currentEpoch
	l.mu.Unlock()

	log.Printf("coordination: node %s acquired leadership (epoch %d)", l.nodeID, epoch)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("coordination: node %s lost leadership", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
