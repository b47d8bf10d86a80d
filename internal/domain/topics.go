package domain

// Broker topics shared by the API service and the demo worker.
const (
	CommandsTopic     = "runs.commands"
	DeadLetterTopic   = "runs.dlq"
	EventsTopicPrefix = "runs.events."
)

// EventsTopic returns the per-run event topic name.
func EventsTopic(runID string) string {
	return EventsTopicPrefix + runID
}
