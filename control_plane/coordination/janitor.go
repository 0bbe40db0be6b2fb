package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/testmesh/orchestrator/control_plane/store"
)

// lockScanPattern matches every lease this orchestrator's coordination
// package could hold, including the epoch-suffixed housekeeping key some
// Coordinator implementations use internally.
const lockScanPattern = "orchestrator:lock:*"

// LockJanitor force-releases leases that have gone stale or that belong to
// an epoch the durable store has since superseded. It exists because a
// process that dies mid-lease leaves Redis holding a lock no one will ever
// renew or release; TTL expiry alone handles the common case, but a
// partitioned owner can also hold a lease whose epoch is already behind the
// current one, which TTL alone would not catch until expiry. Grounded on
// control_plane/coordination/janitor.go.
type LockJanitor struct {
	coordinator store.Coordinator
	epochs      store.DurableEpochStore
	interval    time.Duration
}

// NewLockJanitor constructs a janitor that sweeps every interval.
func NewLockJanitor(c store.Coordinator, epochs store.DurableEpochStore, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, epochs: epochs, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockJanitor) sweep(ctx context.Context) {
	currentEpoch, err := j.epochs.GetDurableEpoch(ctx, leaderElectionResource)
	if err != nil {
		log.Printf("coordination: janitor failed to read durable epoch: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, lockScanPattern)
	if err != nil {
		log.Printf("coordination: janitor scan failed: %v", err)
		return
	}

	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}

		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta leaseMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("coordination: janitor could not parse lease %s: %v", key, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("coordination: fencing stale-epoch lease %s (epoch %d < %d)", key, meta.Epoch, currentEpoch)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("coordination: janitor failed to release fenced lease %s: %v", key, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("coordination: reclaiming expired lease %s (expired %s)", key, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("coordination: janitor failed to release expired lease %s: %v", key, err)
			}
		}
	}
}
