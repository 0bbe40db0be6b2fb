package scheduler

import "time"

// DefaultTenantWeight is assigned to tenants absent from the configured
// weight map (spec.md §4.5 step 2b).
const DefaultTenantWeight = 10

// DefaultTickInterval is the scheduler's fixed cadence (spec.md §6).
const DefaultTickInterval = 5 * time.Second

// DefaultGroupMaxIdle bounds how long a non-processing build-affinity
// group survives before housekeeping drops it (spec.md §4.5 step 3).
const DefaultGroupMaxIdle = 10 * time.Minute

// Config holds the scheduler's tunables, loaded once at process start
// (spec.md §6 "Configuration").
type Config struct {
	TickInterval  time.Duration
	LivenessTTL   time.Duration
	JobMaxRuntime time.Duration
	GroupMaxIdle  time.Duration
	TenantWeights map[string]int
}

// WeightOf returns tenant's configured weight, or DefaultTenantWeight if
// unconfigured.
func (c Config) WeightOf(tenant string) int {
	if w, ok := c.TenantWeights[tenant]; ok {
		return w
	}
	return DefaultTenantWeight
}
