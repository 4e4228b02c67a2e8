package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// SessionRunner runs one exchange in a session. Satisfied by chat.Pipeline.
type SessionRunner interface {
	SendMessage(ctx context.Context, sessionID, content string, emitter chat.Emitter) (*domain.ChatMessage, error)
}

// SubagentTool spawns a child session that works on a focused task and
// returns its answer. Nesting is capped; depth lookups that fail refuse the
// spawn rather than risk unbounded recursion.
type SubagentTool struct {
	store    *chat.Store
	runner   SessionRunner
	maxDepth int
	logger   *logger.Logger
}

// NewSubagentTool wires the subagent executor.
func NewSubagentTool(store *chat.Store, runner SessionRunner, maxDepth int, log *logger.Logger) *SubagentTool {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	return &SubagentTool{store: store, runner: runner, maxDepth: maxDepth, logger: log}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *SubagentTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "subagent",
		Description: "Delegate a focused subtask to a worker that researches and answers independently. Use for multi-step lookups that would clutter the conversation.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{"type": "string", "description": "the complete task for the worker"},
			},
			"required": []string{"prompt"},
		},
	}
}

type subagentArgs struct {
	Prompt string `json:"prompt"`
}

func (t *SubagentTool) Execute(ctx context.Context, args json.RawMessage, ectx *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in subagentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("subagent arguments: %v", err)
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, domain.Validationf("subagent prompt is empty")
	}

	depth, err := t.store.SessionDepth(ctx, ectx.SessionID)
	if err != nil {
		// Fail closed: without a trustworthy depth a runaway chain of
		// workers spawning workers is possible.
		t.logger.WithField(logger.FieldSessionID, ectx.SessionID).
			WithError(err).Error("Subagent depth lookup failed, refusing spawn")
		return &chat.ToolResult{Success: false, Content: "subagent unavailable: could not verify nesting depth"}, nil
	}
	if depth+1 > t.maxDepth {
		return &chat.ToolResult{Success: false, Content: "subagent nesting limit reached"}, nil
	}

	child, err := t.store.CreateSession(ctx, domain.PrefixSubagent, "worker", domain.JSONMap{
		"parent_session_id": ectx.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := t.store.CreateSubagentTask(ctx, ectx.SessionID, child.ID, in.Prompt, depth+1); err != nil {
		return nil, err
	}

	ectx.Emitter.Emit(chat.UIEvent{
		Type: chat.UIWorkerReady, MessageID: ectx.MessageID,
		Payload: map[string]interface{}{"worker_session_id": child.ID},
	})

	answer, err := t.runner.SendMessage(ctx, child.ID, in.Prompt, chat.NopEmitter{})
	if err != nil {
		return &chat.ToolResult{Success: false, Content: "subagent failed: " + err.Error()}, nil
	}
	if answer == nil {
		return &chat.ToolResult{Success: false, Content: "subagent was cancelled before producing output"}, nil
	}

	text, err := t.assistantText(ctx, answer.ID)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return &chat.ToolResult{Success: true, Content: "The worker finished without a text answer."}, nil
	}
	return &chat.ToolResult{Success: true, Content: text}, nil
}

func (t *SubagentTool) assistantText(ctx context.Context, messageID string) (string, error) {
	blocks, err := t.store.ListBlocks(ctx, messageID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := range blocks {
		if blocks[i].BlockType == domain.BlockText {
			sb.WriteString(blocks[i].Content)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
