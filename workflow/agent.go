package workflow

import "time"

// AgentStatus is the liveness status of a registered agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

// Agent is one registry entry for a running executor process. Type is free
// text, unbounded: the engine has no compile-time knowledge of agent types.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	Type          string      `json:"agent_type"`
	PlatformID    string      `json:"platform_id,omitempty"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}
