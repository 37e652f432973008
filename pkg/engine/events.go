package engine

// EventType labels notifications on the engine's event channel.
type EventType string

const (
	// EventNodeUpdate carries the focal node and a full tree snapshot,
	// published after back-propagation so statistics are current.
	EventNodeUpdate EventType = "node_update"

	// EventAnswerReady carries the synthesized answer and confidence.
	EventAnswerReady EventType = "answer_ready"
)

// Event is one engine notification. Node and Tree are set for node updates,
// Answer and Confidence for the final answer.
type Event struct {
	Type       EventType
	Node       *NodeSnapshot
	Tree       TreeSnapshot
	Answer     string
	Confidence float64
}
