// Package events carries the WebSocket protocol: the client frame format,
// the typed server event payloads, and the connection manager that owns
// socket lifecycles and serialized writes.
//
// Clients send JSON frames discriminated by "type":
//
//	{"type": "ask",      "question": "...", "video_ids": [...], "max_iterations": 12}
//	{"type": "compare",  "question": "...", "video_ids": [...], "max_iterations": 12}
//	{"type": "discover", "max_iterations": 15, "max_depth": 4}
//	{"type": "ping"}
//
// The server answers with JSON events discriminated by "event". One frame is
// processed at a time per connection; progress events stream while the
// request runs. An unknown frame type produces an error event and leaves the
// connection open.
package events

// Server event names. Each payload struct in payloads.go sets its Event
// field to exactly one of these.
const (
	EventSearchStarted      = "search_started"
	EventNodeUpdate         = "node_update"
	EventAnswerReady        = "answer_ready"
	EventSearchComplete     = "search_complete"
	EventPlainStep          = "plain_step"
	EventComparisonComplete = "comparison_complete"
	EventDiscoveryStarted   = "discovery_started"
	EventDiscoveryComplete  = "discovery_complete"
	EventError              = "error"
	EventPong               = "pong"
)

// Client frame types.
const (
	MessageAsk      = "ask"
	MessageCompare  = "compare"
	MessageDiscover = "discover"
	MessagePing     = "ping"
)

// Engine modes tagged onto progress events during comparison runs.
const (
	ModePlain = "plain"
	ModeMCTS  = "mcts"
)

// ClientMessage is the JSON structure for client → server frames. Fields
// beyond Type are optional; zero values fall back to configured defaults.
type ClientMessage struct {
	Type          string   `json:"type"`                     // "ask", "compare", "discover", "ping"
	Question      string   `json:"question,omitempty"`       // ask/compare
	VideoIDs      []string `json:"video_ids,omitempty"`      // ask/compare; empty means all loaded videos
	MaxIterations int      `json:"max_iterations,omitempty"` // search or discovery budget
	MaxDepth      int      `json:"max_depth,omitempty"`      // discover only
}
