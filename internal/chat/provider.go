package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yuelin/studydesk/internal/domain"
)

// EventType enumerates provider stream events.
type EventType string

const (
	EventContentDelta  EventType = "content_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallArgs  EventType = "tool_call_args_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// StreamEvent is one event from the provider stream. The core never inspects
// vendor-specific fields; adapters normalize into this shape.
type StreamEvent struct {
	Type       EventType
	Text       string // content_delta / thinking_delta payload
	ToolCallID string
	ToolName   string
	ToolArgs   string // accumulated JSON for tool_call_end, delta otherwise
	Usage      *Usage
	Err        error
}

// Usage is the token accounting a provider reports at stream end.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderMessage is one message in a provider call.
type ProviderMessage struct {
	Role       domain.MessageRole `json:"role"`
	Content    string             `json:"content"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Provider is the LLM port. Vendor adapters live outside the core.
type Provider interface {
	// CallStream starts a streaming completion. Events arrive on the
	// returned channel until done/error; the channel is closed afterwards.
	CallStream(ctx context.Context, messages []ProviderMessage, tools []ToolSpec) (<-chan StreamEvent, error)

	// CallNonStream runs a completion and returns the full text. Used for
	// summary and tag generation.
	CallNonStream(ctx context.Context, messages []ProviderMessage) (string, error)
}

// ParseJSONOutput unmarshals model output into v, tolerating a markdown code
// fence around the JSON body.
func ParseJSONOutput(output string, v interface{}) error {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return domain.Validationf("model output is not valid JSON: %v", err)
	}
	return nil
}
