package messaging

// Subject constants for the opsrelay bus.
// Pattern: {domain}.{action}.{resource}
const (
	// SubjectAgentDeliverPrefix prefixes per-agent delivery subjects.
	// Routed events go to agents.deliver.<target>.
	SubjectAgentDeliverPrefix = "agents.deliver."

	// SubjectCorrelationAggregates carries flushed correlation groups.
	SubjectCorrelationAggregates = "correlation.aggregates"

	// SubjectIncidentTransitions carries every applied incident transition.
	SubjectIncidentTransitions = "incidents.transitions"
)

// Queue group names for load-balanced consumers.
const (
	QueueAgentWorkers    = "agent-workers"    // Pool of agent delivery consumers
	QueueIncidentWorkers = "incident-workers" // Pool of transition processors
)

// AgentDeliverSubject returns the delivery subject for a named agent target.
// Example: agents.deliver.threshold-evaluator
func AgentDeliverSubject(target string) string {
	return SubjectAgentDeliverPrefix + target
}
