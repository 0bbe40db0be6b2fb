package store

import "fmt"

// Key layout, per spec.md §4.1 and §6 "Persisted layout".
const (
	jobPrefix   = "job:"
	agentPrefix = "agent:"
	queuePrefix = "queue:"
)

// JobKey returns the storage key for a job record.
func JobKey(id string) string { return jobPrefix + id }

// AgentKey returns the storage key for an agent record.
func AgentKey(id string) string { return agentPrefix + id }

// QueueKey returns the storage key for a priority queue's backing list.
func QueueKey(priority string) string { return fmt.Sprintf("%s%s", queuePrefix, priority) }

// JobScanPrefix is the prefix passed to Scan to enumerate all job records.
func JobScanPrefix() string { return jobPrefix }

// AgentScanPrefix is the prefix passed to Scan to enumerate all agent records.
func AgentScanPrefix() string { return agentPrefix }
