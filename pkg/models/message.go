package models

import (
	"encoding/json"
	"time"
)

// Message kinds. Only is_llm_message rows are replayed to the model.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeTool      = "tool"
	MessageTypeStatus    = "status"
)

// Message is one entry in a thread. Messages within a thread form a total
// order by (created_at, message_id); the conversation presented to the LLM
// follows this order exactly.
type Message struct {
	MessageID      string          `json:"message_id"`
	ThreadID       string          `json:"thread_id"`
	Type           string          `json:"type"`
	IsLLMMessage   bool            `json:"is_llm_message"`
	Content        json.RawMessage `json:"content"`
	AgentID        string          `json:"agent_id,omitempty"`
	AgentVersionID string          `json:"agent_version_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateMessageRequest contains fields for appending a message to a thread.
type CreateMessageRequest struct {
	ThreadID     string          `json:"thread_id"`
	Type         string          `json:"type"`
	IsLLMMessage bool            `json:"is_llm_message"`
	Content      json.RawMessage `json:"content"`
	AgentID      string          `json:"agent_id,omitempty"`
}
