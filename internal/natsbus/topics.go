package natsbus

import "fmt"

// Subject patterns for agent traffic and lifecycle events.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEventsNegotiation(conversationID string) string {
	return fmt.Sprintf("events.negotiation.%s", conversationID)
}

func TopicEventsWorkflow(runID string) string {
	return fmt.Sprintf("events.workflow.%s", runID)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsNegotiations = "events.negotiation.*"
	TopicEventsWorkflows    = "events.workflow.*"
	TopicEventsSchedule     = "events.schedule.executed"
)
