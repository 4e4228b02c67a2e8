package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// Executor is one tool implementation.
type Executor interface {
	Name() string
	Spec() chat.ToolSpec
	Sensitivity() chat.Sensitivity

	// Execute runs the tool. A domain failure should come back as a result
	// with Success=false; an error means the tool could not run at all.
	Execute(ctx context.Context, args json.RawMessage, ectx *chat.ExecutionContext) (*chat.ToolResult, error)
}

// Registry routes tool calls to executors by canonical name. It implements
// chat.ToolDispatcher.
type Registry struct {
	executors map[string]Executor
	order     []string
	logger    *logger.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{executors: map[string]Executor{}, logger: log}
}

// Register adds an executor. Re-registering a name replaces the previous one.
func (r *Registry) Register(e Executor) {
	name := canonicalName(e.Name())
	if _, exists := r.executors[name]; !exists {
		r.order = append(r.order, name)
	}
	r.executors[name] = e
}

// canonicalName strips provider namespacing: "studydesk.rag_search" and
// "functions__rag_search" both resolve to "rag_search".
func canonicalName(name string) string {
	if i := strings.LastIndex(name, "__"); i >= 0 {
		name = name[i+2:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Specs lists the registered tool definitions in registration order.
func (r *Registry) Specs() []chat.ToolSpec {
	specs := make([]chat.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.executors[name].Spec())
	}
	return specs
}

// SensitivityOf reports the declared level; unknown names are treated as
// dangerous so the confirmation policy fails closed.
func (r *Registry) SensitivityOf(name string) chat.Sensitivity {
	if e, ok := r.executors[canonicalName(name)]; ok {
		return e.Sensitivity()
	}
	return chat.SensitivityDangerous
}

// Dispatch runs one tool call, persisting the call/result block pair and
// emitting tool_call events around execution.
func (r *Registry) Dispatch(ctx context.Context, call *chat.ToolCall, ectx *chat.ExecutionContext) (*chat.ToolResult, error) {
	name := canonicalName(call.Name)
	executor, ok := r.executors[name]
	if !ok {
		return nil, domain.Validationf("unknown tool %q", call.Name)
	}

	ectx.Emitter.Emit(chat.UIEvent{
		Type: chat.UIToolCallStart, MessageID: ectx.MessageID,
		Payload: map[string]interface{}{"tool": name, "args": json.RawMessage(call.Args)},
	})
	if err := ectx.SaveToolBlock(ctx, &chat.MessageBlockInput{
		BlockType: domain.BlockToolCall,
		Content:   string(call.Args),
		Metadata:  domain.JSONMap{"tool": name, "call_id": call.ID},
	}); err != nil {
		r.logger.WithError(err).Warn("Failed to persist tool_call block")
	}

	result, err := executor.Execute(ctx, call.Args, ectx)
	if err != nil {
		r.logger.WithFields(logger.Fields{
			logger.FieldSessionID: ectx.SessionID,
			"tool":                name,
		}).WithError(err).Error("Tool execution failed")
		result = &chat.ToolResult{Success: false, Content: "tool failed: " + err.Error()}
	}

	if err := ectx.SaveToolBlock(ctx, &chat.MessageBlockInput{
		BlockType: domain.BlockToolResult,
		Content:   result.Content,
		Metadata:  domain.JSONMap{"tool": name, "call_id": call.ID, "success": result.Success},
	}); err != nil {
		r.logger.WithError(err).Warn("Failed to persist tool_result block")
	}

	eventType := chat.UIToolCallEnd
	if !result.Success {
		eventType = chat.UIToolCallError
	}
	ectx.Emitter.Emit(chat.UIEvent{
		Type: eventType, MessageID: ectx.MessageID,
		Payload: map[string]interface{}{"tool": name, "success": result.Success},
	})
	return result, nil
}
