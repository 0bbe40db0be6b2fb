package scheduler

import (
	"sync"
	"time"

	"github.com/testmesh/orchestrator/control_plane/observability"
)

// CircuitState is the admission circuit's position (spec.md §4.5 is
// silent on backpressure for submit; this is a supplemented feature
// grounded on control_plane/scheduler/circuit_breaker.go).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// AdmissionBreaker gates low-priority submissions when the medium/low
// queues are badly backed up relative to live capacity. High-priority
// submissions are exempt (spec.md §4.5 anti-starvation intent): a tenant
// flooding low-priority work must not be able to starve its own
// high-priority jobs by tripping a breaker that blocks everything.
type AdmissionBreaker struct {
	mu sync.Mutex

	state CircuitState

	queueThreshold      int
	saturationThreshold float64
	cooldown            time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewAdmissionBreaker creates a breaker that opens once low/medium queue
// depth exceeds queueThreshold or agent saturation exceeds 95%.
func NewAdmissionBreaker(queueThreshold int) *AdmissionBreaker {
	return &AdmissionBreaker{
		state:               CircuitClosed,
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldown:            30 * time.Second,
		testLimit:           5,
	}
}

// ShouldAdmit reports whether a low-priority submission should be
// accepted, given the current combined low+medium queue depth and the
// fraction of live agents that are busy.
func (cb *AdmissionBreaker) ShouldAdmit(queueDepth int, agentSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			cb.publishState()
			return true
		}
		if queueDepth < cb.queueThreshold/2 && agentSaturation < cb.saturationThreshold {
			cb.state = CircuitClosed
			cb.publishState()
			return true
		}
		cb.publishState()
		return false
	}

	if queueDepth > cb.queueThreshold || agentSaturation > cb.saturationThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.publishState()
		return false
	}

	cb.publishState()
	return cb.state == CircuitClosed
}

// RecordOutcome lets the half-open probe confirm or re-trip the breaker.
func (cb *AdmissionBreaker) RecordOutcome(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitHalfOpen {
		return
	}
	if success {
		if cb.testCount >= cb.testLimit {
			cb.state = CircuitClosed
		}
	} else {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
	cb.publishState()
}

// State returns the current breaker state.
func (cb *AdmissionBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *AdmissionBreaker) publishState() {
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == cb.state {
			v = 1
		}
		observability.AdmissionCircuitState.WithLabelValues(s.String()).Set(v)
	}
}
