package chat

import (
	"context"
	"encoding/json"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
)

// MessageBlockInput is the executor-facing block shape; session and message
// IDs come from the execution context.
type MessageBlockInput struct {
	BlockType  domain.BlockType
	BlockIndex int
	Content    string
	Metadata   domain.JSONMap
}

func (b *MessageBlockInput) toRow(sessionID, messageID string) *domain.MessageBlock {
	return &domain.MessageBlock{
		MessageID:  messageID,
		SessionID:  sessionID,
		BlockType:  b.BlockType,
		BlockIndex: b.BlockIndex,
		Content:    b.Content,
		Metadata:   b.Metadata,
	}
}

// Sensitivity classifies what a tool may touch. The pipeline may require
// user confirmation before running anything above read-only.
type Sensitivity int

const (
	SensitivityReadOnly Sensitivity = iota
	SensitivityWrite
	SensitivityDangerous
)

// ToolCall is one tool invocation streamed by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is what an executor hands back to the pipeline. Sources become
// retrieval resources with ref accounting; Refs point at catalog resources
// that already exist; Content is fed to the model.
type ToolResult struct {
	Success bool
	Content string
	Sources []catalog.RetrievalSource
	Refs    []domain.ContextRef
}

// ExecutionContext carries the per-call handles an executor needs.
type ExecutionContext struct {
	SessionID string
	MessageID string
	BlockID   string
	Emitter   Emitter
	Store     *Store
	Depth     int // subagent nesting depth of the running session

	// NextBlockIndex hands out ordering slots within the assistant message.
	// The pipeline owns the counter; tool blocks and streamed blocks share
	// the same sequence.
	NextBlockIndex func() int
}

// SaveToolBlock persists a tool block synchronously so client-visible blocks
// survive a mid-stream crash. The block takes the next ordering slot in the
// message.
func (e *ExecutionContext) SaveToolBlock(ctx context.Context, block *MessageBlockInput) error {
	if e.NextBlockIndex != nil {
		block.BlockIndex = e.NextBlockIndex()
	}
	return e.Store.SaveBlock(ctx, block.toRow(e.SessionID, e.MessageID))
}

// ToolDispatcher routes tool calls to registered executors. Implemented by
// the tools package; the pipeline depends only on this interface.
type ToolDispatcher interface {
	// Dispatch runs the call, emitting tool_call_* events and persisting a
	// tool block through ectx. Execution failures come back as a ToolResult
	// with Success=false, not an error; errors mean dispatch itself failed.
	Dispatch(ctx context.Context, call *ToolCall, ectx *ExecutionContext) (*ToolResult, error)

	// Specs lists the tool definitions offered to the model.
	Specs() []ToolSpec

	// SensitivityOf reports the declared level for a tool name.
	SensitivityOf(name string) Sensitivity
}
