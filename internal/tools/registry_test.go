package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

type fakeTool struct {
	name    string
	sens    chat.Sensitivity
	result  *chat.ToolResult
	err     error
	gotArgs json.RawMessage
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{Name: f.name, Description: "fake " + f.name}
}

func (f *fakeTool) Sensitivity() chat.Sensitivity { return f.sens }

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage, ectx *chat.ExecutionContext) (*chat.ToolResult, error) {
	f.gotArgs = args
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &chat.ToolResult{Success: true, Content: "ok"}, nil
}

type captureEmitter struct {
	events []chat.UIEvent
}

func (c *captureEmitter) Emit(event chat.UIEvent) {
	c.events = append(c.events, event)
}

func newExecutionContext(t *testing.T) (*chat.ExecutionContext, *chat.Store, *captureEmitter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.ChatSession{}, &domain.ChatMessage{}, &domain.MessageBlock{},
		&domain.SessionSequence{}, &domain.SubagentTask{}, &domain.Resource{},
	))

	log := logger.New(&logger.Config{Level: "error"})
	store := chat.NewStore(db, catalog.NewResourceRepo(db), log)

	ctx := context.Background()
	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, session.ID, domain.RoleAssistant, domain.MessageMeta{})
	require.NoError(t, err)

	emitter := &captureEmitter{}
	next := 0
	return &chat.ExecutionContext{
		SessionID: session.ID,
		MessageID: msg.ID,
		Emitter:   emitter,
		Store:     store,
		NextBlockIndex: func() int {
			i := next
			next++
			return i
		},
	}, store, emitter
}

func newTestRegistry() *Registry {
	return NewRegistry(logger.New(&logger.Config{Level: "error"}))
}

func TestDispatchStripsProviderNamespaces(t *testing.T) {
	r := newTestRegistry()
	tool := &fakeTool{name: "rag_search"}
	r.Register(tool)
	ectx, _, _ := newExecutionContext(t)

	for _, name := range []string{"rag_search", "functions__rag_search", "studydesk.rag_search"} {
		result, err := r.Dispatch(context.Background(), &chat.ToolCall{
			ID: "call_1", Name: name, Args: json.RawMessage(`{"query":"x"}`),
		}, ectx)
		require.NoError(t, err, "name %q", name)
		require.True(t, result.Success)
	}
	require.JSONEq(t, `{"query":"x"}`, string(tool.gotArgs))
}

func TestDispatchUnknownToolFails(t *testing.T) {
	r := newTestRegistry()
	ectx, _, _ := newExecutionContext(t)

	_, err := r.Dispatch(context.Background(), &chat.ToolCall{Name: "does_not_exist"}, ectx)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDispatchPersistsCallAndResultBlocks(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeTool{name: "rag_search", result: &chat.ToolResult{Success: true, Content: "found it"}})
	ectx, store, emitter := newExecutionContext(t)

	_, err := r.Dispatch(context.Background(), &chat.ToolCall{
		ID: "call_1", Name: "rag_search", Args: json.RawMessage(`{"query":"limits"}`),
	}, ectx)
	require.NoError(t, err)

	blocks, err := store.ListBlocks(context.Background(), ectx.MessageID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, domain.BlockToolCall, blocks[0].BlockType)
	require.Equal(t, "call_1", blocks[0].Metadata["call_id"])
	require.Equal(t, domain.BlockToolResult, blocks[1].BlockType)
	require.Equal(t, "found it", blocks[1].Content)
	require.Equal(t, true, blocks[1].Metadata["success"])

	// Both blocks drew ordering slots from the message counter.
	require.Equal(t, 0, blocks[0].BlockIndex)
	require.Equal(t, 1, blocks[1].BlockIndex)

	require.Len(t, emitter.events, 2)
	require.Equal(t, chat.UIToolCallStart, emitter.events[0].Type)
	require.Equal(t, chat.UIToolCallEnd, emitter.events[1].Type)
}

func TestDispatchExecutorErrorBecomesFailedResult(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeTool{name: "web_search", err: errors.New("upstream down")})
	ectx, _, emitter := newExecutionContext(t)

	result, err := r.Dispatch(context.Background(), &chat.ToolCall{
		ID: "call_1", Name: "web_search", Args: json.RawMessage(`{}`),
	}, ectx)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Content, "upstream down")
	require.Equal(t, chat.UIToolCallError, emitter.events[len(emitter.events)-1].Type)
}

func TestSpecsKeepRegistrationOrder(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeTool{name: "rag_search"})
	r.Register(&fakeTool{name: "web_search"})
	r.Register(&fakeTool{name: "create_note"})

	specs := r.Specs()
	require.Len(t, specs, 3)
	require.Equal(t, "rag_search", specs[0].Name)
	require.Equal(t, "web_search", specs[1].Name)
	require.Equal(t, "create_note", specs[2].Name)

	// Re-registering replaces in place, keeping the slot.
	r.Register(&fakeTool{name: "web_search", sens: chat.SensitivityWrite})
	specs = r.Specs()
	require.Len(t, specs, 3)
	require.Equal(t, "web_search", specs[1].Name)
}

func TestSensitivityOfFailsClosed(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeTool{name: "rag_search", sens: chat.SensitivityReadOnly})
	r.Register(&fakeTool{name: "create_note", sens: chat.SensitivityWrite})

	require.Equal(t, chat.SensitivityReadOnly, r.SensitivityOf("functions__rag_search"))
	require.Equal(t, chat.SensitivityWrite, r.SensitivityOf("create_note"))
	require.Equal(t, chat.SensitivityDangerous, r.SensitivityOf("never_registered"))
}
