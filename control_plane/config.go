package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's ambient configuration, loaded once at
// startup (spec.md §6 "Configuration"). YAML is optional — every field has
// an env-var or package-default fallback, the way the teacher's main.go
// reads individual env vars with hardcoded defaults, generalized here into
// one struct so the defaults live in one place.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	TickIntervalSeconds   int            `yaml:"tick_interval_seconds"`
	LivenessTTLSeconds    int            `yaml:"liveness_ttl_seconds"`
	AgentRecordTTLSeconds int            `yaml:"agent_record_ttl_seconds"`
	JobMaxRuntimeMinutes  int            `yaml:"job_max_runtime_minutes"`
	GroupMaxIdleMinutes   int            `yaml:"group_max_idle_minutes"`
	TenantWeights         map[string]int `yaml:"tenant_weights"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`

	HA struct {
		Enabled                bool   `yaml:"enabled"`
		RedisAddr              string `yaml:"redis_addr"`
		PostgresConnStr        string `yaml:"postgres_conn_str"`
		LeaseTTLSeconds        int    `yaml:"lease_ttl_seconds"`
		JanitorIntervalSeconds int    `yaml:"janitor_interval_seconds"`
	} `yaml:"ha"`
}

// defaultConfig mirrors scheduler.Config/dispatch's package defaults so a
// deployment with no config file still behaves per spec.md.
func defaultConfig() Config {
	return Config{
		ListenAddr:               ":8080",
		TickIntervalSeconds:      5,
		LivenessTTLSeconds:       120,
		AgentRecordTTLSeconds:    300,
		JobMaxRuntimeMinutes:     30,
		GroupMaxIdleMinutes:      10,
		ReconcileIntervalSeconds: 30,
	}
}

// loadConfig reads path if set and present, overlaying it onto the
// defaults; a missing path is not an error, matching the teacher's
// tolerance for unset env vars.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) tickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c Config) livenessTTL() time.Duration {
	return time.Duration(c.LivenessTTLSeconds) * time.Second
}

func (c Config) agentRecordTTL() time.Duration {
	return time.Duration(c.AgentRecordTTLSeconds) * time.Second
}

func (c Config) jobMaxRuntime() time.Duration {
	return time.Duration(c.JobMaxRuntimeMinutes) * time.Minute
}

func (c Config) groupMaxIdle() time.Duration {
	return time.Duration(c.GroupMaxIdleMinutes) * time.Minute
}

func (c Config) reconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}
