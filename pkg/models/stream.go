package models

import "encoding/json"

// Stream item types recognized by subscribers. Every item carries a Type;
// unknown types pass through to the client untouched.
const (
	ItemTypeContent    = "content"
	ItemTypeToolCall   = "tool_call"
	ItemTypeToolResult = "tool_result"
	ItemTypeStatus     = "status"
	ItemTypeWarning    = "warning"
	ItemTypePing       = "ping"
	ItemTypeAssistant  = "assistant"
	ItemTypeUser       = "user"
)

// Control signals published on the per-run control channels.
const (
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)

// StreamItem is a single JSON object emitted by the agent generator, appended
// to the run's response log and fanned out to subscribers.
type StreamItem struct {
	Type     string          `json:"type"`
	Status   RunStatus       `json:"status,omitempty"`
	Content  string          `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"arguments,omitempty"`
	Output   string          `json:"output,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// IsTerminalStatus reports whether the item ends a run's stream.
func (it StreamItem) IsTerminalStatus() bool {
	return it.Type == ItemTypeStatus && it.Status.IsTerminal()
}

// StatusItem builds a status stream item.
func StatusItem(status RunStatus, message string) StreamItem {
	return StreamItem{Type: ItemTypeStatus, Status: status, Message: message}
}

// Marshal serializes the item for the response log. A StreamItem is always
// marshalable; errors here indicate a programming bug and are swallowed into
// a status item so the stream still terminates.
func (it StreamItem) Marshal() string {
	b, err := json.Marshal(it)
	if err != nil {
		return `{"type":"status","status":"failed","message":"unserializable stream item"}`
	}
	return string(b)
}
