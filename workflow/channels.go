package workflow

import "fmt"

// Channel names on the message substrate. Task channels are per agent type;
// results and lifecycle events share one channel each. Every channel is
// mirrored to a durable stream named "stream:<channel>" by the substrate.
const (
	// ResultChannel carries AgentResult messages back to the orchestrator.
	ResultChannel = "orchestrator:results"
	// EventChannel carries workflow lifecycle events for subscribers.
	EventChannel = "orchestrator:events"

	// ResultConsumerGroup is the single orchestrator-side consumer group on
	// the result channel.
	ResultConsumerGroup = "orchestrator-group"
)

// TaskChannel returns the task channel for an agent type.
func TaskChannel(agentType string) string {
	return fmt.Sprintf("agent:%s:tasks", agentType)
}

// TaskConsumerGroup returns the consumer group shared by all agent instances
// of a type. One consumer name per instance keeps horizontal scaling safe.
func TaskConsumerGroup(agentType string) string {
	return fmt.Sprintf("agent-%s-group", agentType)
}
