package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/prompts"
)

// PipelineConfig bounds one pipeline run.
type PipelineConfig struct {
	HistoryLimit      int
	MaxToolRounds     int
	SummaryTitleLimit int
	SummaryDescLimit  int
	MaxTags           int
	NonStreamTimeout  time.Duration
	ConfirmSensitive  bool // refuse tools above read-only without confirmation
}

// Pipeline runs one send-message exchange: validate, stream, dispatch tools,
// persist, account references, summarize.
type Pipeline struct {
	store    *Store
	catalog  *catalog.Service
	provider Provider
	tools    ToolDispatcher
	streams  *StreamManager
	cfg      PipelineConfig
	logger   *logger.Logger
}

// NewPipeline wires the chat pipeline.
func NewPipeline(store *Store, cat *catalog.Service, provider Provider, tools ToolDispatcher, streams *StreamManager, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.SummaryTitleLimit <= 0 {
		cfg.SummaryTitleLimit = 50
	}
	if cfg.SummaryDescLimit <= 0 {
		cfg.SummaryDescLimit = 100
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = 5
	}
	if cfg.NonStreamTimeout <= 0 {
		cfg.NonStreamTimeout = 20 * time.Second
	}
	return &Pipeline{
		store:    store,
		catalog:  cat,
		provider: provider,
		tools:    tools,
		streams:  streams,
		cfg:      cfg,
		logger:   log,
	}
}

// SendMessage runs the full exchange for one user message. The emitter
// receives incremental events; the returned message is the persisted
// assistant message, nil when the stream was cancelled before any output.
func (p *Pipeline) SendMessage(ctx context.Context, sessionID, content string, emitter Emitter) (*domain.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.Validationf("message content is empty")
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}

	// Stage 1: validate and load.
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PersistStatus == domain.SessionDeleted {
		return nil, domain.NotFoundf("session", sessionID)
	}
	history, err := p.store.ListMessages(ctx, sessionID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	streamCtx, err := p.streams.TryRegisterStream(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	guard := p.streams.Guard(sessionID)
	defer guard.Release()

	userMsg, err := p.store.AppendMessage(ctx, sessionID, domain.RoleUser, domain.MessageMeta{})
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveBlock(ctx, &domain.MessageBlock{
		MessageID: userMsg.ID,
		SessionID: sessionID,
		BlockType: domain.BlockText,
		Content:   content,
	}); err != nil {
		return nil, err
	}

	assistantMsg, err := p.store.AppendMessage(ctx, sessionID, domain.RoleAssistant, domain.MessageMeta{})
	if err != nil {
		return nil, err
	}

	// Stage 2: context assembly.
	messages := p.assembleContext(ctx, history, content)

	run := &pipelineRun{
		pipeline:  p,
		sessionID: sessionID,
		message:   assistantMsg,
		emitter:   emitter,
	}
	err = run.stream(streamCtx, messages)

	switch {
	case errors.Is(err, domain.ErrCancelled) || errors.Is(streamCtx.Err(), context.Canceled):
		// Stage 8: cancelled. Partial blocks are already persisted; keep the
		// message with a terminal marker only when anything was produced. A
		// cancel before the first block leaves no trace in history.
		if run.blockIndex == 0 {
			if derr := p.store.DeleteMessage(ctx, assistantMsg.ID); derr != nil {
				p.logger.WithField(logger.FieldSessionID, sessionID).
					WithError(derr).Warn("Failed to drop empty cancelled message")
			}
			emitter.Emit(UIEvent{Type: UICancelled, MessageID: assistantMsg.ID})
			return nil, nil
		}
		run.persistCancelled(ctx)
		emitter.Emit(UIEvent{Type: UICancelled, MessageID: assistantMsg.ID})
		return assistantMsg, nil
	case err != nil:
		run.emitError(err)
		return assistantMsg, err
	}

	// Stage 6: reference accounting.
	p.attachRefs(ctx, run)

	emitter.Emit(UIEvent{Type: UIDone, MessageID: assistantMsg.ID})

	// Stage 7: summary and tags, non-fatal.
	p.maybeSummarize(ctx, session, content, run.assistantHead(), emitter)

	return assistantMsg, nil
}

// assembleContext builds the provider message list from the system prompt
// and persisted history.
func (p *Pipeline) assembleContext(ctx context.Context, history []domain.ChatMessage, userContent string) []ProviderMessage {
	messages := make([]ProviderMessage, 0, len(history)+2)
	messages = append(messages, ProviderMessage{Role: domain.RoleSystem, Content: prompts.AssistantSystemPrompt})
	for i := range history {
		text := p.messageText(ctx, &history[i])
		if text == "" {
			continue
		}
		messages = append(messages, ProviderMessage{Role: history[i].Role, Content: text})
	}
	messages = append(messages, ProviderMessage{Role: domain.RoleUser, Content: userContent})
	return messages
}

func (p *Pipeline) messageText(ctx context.Context, msg *domain.ChatMessage) string {
	blocks, err := p.store.ListBlocks(ctx, msg.ID)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for i := range blocks {
		if blocks[i].BlockType == domain.BlockText {
			sb.WriteString(blocks[i].Content)
		}
	}
	return sb.String()
}

// pipelineRun is the mutable state of one exchange.
type pipelineRun struct {
	pipeline   *Pipeline
	sessionID  string
	message    *domain.ChatMessage
	emitter    Emitter
	blockIndex int
	textParts  []string
	refs       []domain.ContextRef
}

// nextBlockIndex hands out the next ordering slot within the assistant
// message. Streamed blocks and tool blocks draw from the same counter so
// ListBlocks reproduces the exchange order.
func (r *pipelineRun) nextBlockIndex() int {
	i := r.blockIndex
	r.blockIndex++
	return i
}

// stream drives the model, handling tool rounds until a round produces no
// tool calls or the round budget runs out.
func (r *pipelineRun) stream(ctx context.Context, messages []ProviderMessage) error {
	p := r.pipeline
	for round := 0; round < p.cfg.MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return domain.ErrCancelled
		}

		// Stages 3-4: the model drives retrieval through tools.
		events, err := p.provider.CallStream(ctx, messages, p.tools.Specs())
		if err != nil {
			return classifyProviderErr(err)
		}

		roundText, toolCalls, err := r.consume(ctx, events)
		if err != nil {
			return err
		}
		if roundText != "" {
			messages = append(messages, ProviderMessage{Role: domain.RoleAssistant, Content: roundText})
		}
		if len(toolCalls) == 0 {
			return nil
		}

		// Stage 5: tool handling.
		for i := range toolCalls {
			if err := ctx.Err(); err != nil {
				return domain.ErrCancelled
			}
			result := r.runTool(ctx, &toolCalls[i])
			messages = append(messages, ProviderMessage{
				Role:       domain.RoleTool,
				Content:    result.Content,
				ToolCallID: toolCalls[i].ID,
				ToolName:   toolCalls[i].Name,
			})
		}
	}
	return domain.Internalf("tool round budget exhausted for session %s", r.sessionID)
}

// consume reads one provider stream, persisting blocks and emitting UI
// events as deltas arrive.
func (r *pipelineRun) consume(ctx context.Context, events <-chan StreamEvent) (string, []ToolCall, error) {
	var (
		text       strings.Builder
		thinking   strings.Builder
		toolCalls  []ToolCall
		roundParts []string
		blockID    string
		blockType  domain.BlockType
	)

	closeBlock := func() {
		if blockID == "" {
			return
		}
		content := text.String()
		if blockType == domain.BlockThinking {
			content = thinking.String()
		}
		block := &domain.MessageBlock{
			ID:         blockID,
			MessageID:  r.message.ID,
			SessionID:  r.sessionID,
			BlockType:  blockType,
			BlockIndex: r.nextBlockIndex(),
			Content:    content,
		}
		if err := r.pipeline.store.SaveBlock(ctx, block); err != nil {
			r.pipeline.logger.WithField(logger.FieldSessionID, r.sessionID).
				WithError(err).Warn("Failed to persist streamed block")
		}
		r.emitter.Emit(UIEvent{Type: UIBlockEnd, MessageID: r.message.ID, BlockID: blockID})
		if blockType == domain.BlockText {
			r.textParts = append(r.textParts, content)
			roundParts = append(roundParts, content)
			text.Reset()
		} else {
			thinking.Reset()
		}
		blockID = ""
	}

	openBlock := func(t domain.BlockType) {
		if blockID != "" && blockType == t {
			return
		}
		closeBlock()
		blockType = t
		blockID = domain.NewID(domain.PrefixBlock)
		r.emitter.Emit(UIEvent{
			Type: UIBlockStart, MessageID: r.message.ID, BlockID: blockID,
			Payload: map[string]interface{}{"block_type": t},
		})
	}

	for event := range events {
		if err := ctx.Err(); err != nil {
			closeBlock()
			return text.String(), nil, domain.ErrCancelled
		}
		switch event.Type {
		case EventContentDelta:
			openBlock(domain.BlockText)
			text.WriteString(event.Text)
			r.emitter.Emit(UIEvent{
				Type: UIBlockDelta, MessageID: r.message.ID, BlockID: blockID,
				Payload: map[string]interface{}{"text": event.Text},
			})
		case EventThinkingDelta:
			openBlock(domain.BlockThinking)
			thinking.WriteString(event.Text)
			r.emitter.Emit(UIEvent{
				Type: UIBlockDelta, MessageID: r.message.ID, BlockID: blockID,
				Payload: map[string]interface{}{"text": event.Text},
			})
		case EventToolCallEnd:
			closeBlock()
			toolCalls = append(toolCalls, ToolCall{
				ID:   event.ToolCallID,
				Name: event.ToolName,
				Args: []byte(event.ToolArgs),
			})
		case EventError:
			closeBlock()
			return "", nil, classifyProviderErr(event.Err)
		case EventDone:
			closeBlock()
		}
	}

	return strings.Join(roundParts, ""), toolCalls, nil
}

// runTool dispatches one call. Failures become a tool_result with
// success=false so the model can recover; they never abort the stream.
func (r *pipelineRun) runTool(ctx context.Context, call *ToolCall) *ToolResult {
	p := r.pipeline

	if p.cfg.ConfirmSensitive && p.tools.SensitivityOf(call.Name) > SensitivityReadOnly {
		r.emitter.Emit(UIEvent{
			Type: UIToolCallError, MessageID: r.message.ID,
			Payload: map[string]interface{}{"tool": call.Name, "error": "tool requires user confirmation"},
		})
		return &ToolResult{Success: false, Content: "tool " + call.Name + " requires user confirmation and was not run"}
	}

	ectx := &ExecutionContext{
		SessionID:      r.sessionID,
		MessageID:      r.message.ID,
		Emitter:        r.emitter,
		Store:          p.store,
		NextBlockIndex: r.nextBlockIndex,
	}
	result, err := p.tools.Dispatch(ctx, call, ectx)
	if err != nil {
		p.logger.WithFields(logger.Fields{
			logger.FieldSessionID: r.sessionID,
			"tool":                call.Name,
		}).WithError(err).Error("Tool dispatch failed")
		return &ToolResult{Success: false, Content: "tool " + call.Name + " failed: " + err.Error()}
	}

	// Stage 6, first half: every source becomes a retrieval resource and one
	// ref occurrence, duplicates preserved.
	for i := range result.Sources {
		res, err := p.catalog.RegisterRetrieval(ctx, &result.Sources[i])
		if err != nil {
			p.logger.WithError(err).Warn("Failed to register retrieval source")
			continue
		}
		r.refs = append(r.refs, domain.ContextRef{
			ResourceID:  res.ID,
			ContentHash: res.ContentHash,
			Kind:        result.Sources[i].Kind,
		})
	}
	r.refs = append(r.refs, result.Refs...)
	return result
}

// attachRefs persists the context snapshot and increments each referenced
// resource once per occurrence. Failures are logged, never fatal.
func (p *Pipeline) attachRefs(ctx context.Context, run *pipelineRun) {
	if len(run.refs) == 0 {
		return
	}
	meta := domain.MessageMeta{
		ContextSnapshot: &domain.ContextSnapshot{RetrievalRefs: run.refs},
	}
	if err := p.store.UpdateMessageMeta(ctx, run.message.ID, meta); err != nil {
		p.logger.WithError(err).Warn("Failed to persist context snapshot")
		return
	}
	run.message.Meta = meta
	for _, ref := range run.refs {
		if _, err := p.catalog.Resources().IncrementRef(ctx, ref.ResourceID); err != nil {
			p.logger.WithField(logger.FieldResourceID, ref.ResourceID).
				WithError(err).Warn("Failed to increment retrieval ref")
		}
	}
}

func (r *pipelineRun) persistCancelled(ctx context.Context) {
	block := &domain.MessageBlock{
		MessageID:  r.message.ID,
		SessionID:  r.sessionID,
		BlockType:  domain.BlockText,
		BlockIndex: r.blockIndex,
		Content:    "",
		Metadata:   domain.JSONMap{"terminal": "cancelled"},
	}
	if err := r.pipeline.store.SaveBlock(ctx, block); err != nil {
		r.pipeline.logger.WithField(logger.FieldSessionID, r.sessionID).
			WithError(err).Warn("Failed to persist cancelled marker")
	}
}

func (r *pipelineRun) emitError(err error) {
	var llmErr *domain.LlmError
	message := "The request failed."
	if errors.As(err, &llmErr) {
		message = llmErr.Message
	}
	r.emitter.Emit(UIEvent{
		Type: UIBlockError, MessageID: r.message.ID,
		Payload: map[string]interface{}{"error": message},
	})
}

func (r *pipelineRun) assistantHead() string {
	head := strings.Join(r.textParts, "\n")
	runes := []rune(head)
	if len(runes) > 500 {
		head = string(runes[:500])
	}
	return head
}

func classifyProviderErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.LlmError{Kind: domain.LlmTimeout, Message: domain.LlmUserMessage(domain.LlmTimeout), Cause: err}
	}
	var llmErr *domain.LlmError
	if errors.As(err, &llmErr) {
		return err
	}
	return &domain.LlmError{Kind: domain.LlmTransient, Message: domain.LlmUserMessage(domain.LlmTransient), Cause: err}
}

type summaryOutput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// maybeSummarize regenerates the session title/description and tags when the
// conversation content changed since the last generation. Failures are
// logged and the step abandoned.
func (p *Pipeline) maybeSummarize(ctx context.Context, session *domain.ChatSession, userContent, assistantHead string, emitter Emitter) {
	hash := catalog.ContentHash(userContent, assistantHead)
	nctx, cancel := context.WithTimeout(ctx, p.cfg.NonStreamTimeout)
	defer cancel()

	if session.SummaryHash != hash {
		out, err := p.provider.CallNonStream(nctx, []ProviderMessage{
			{Role: domain.RoleSystem, Content: prompts.SummarySystemPrompt},
			{Role: domain.RoleUser, Content: "User: " + userContent + "\n\nAssistant: " + assistantHead},
		})
		if err != nil {
			p.logger.WithField(logger.FieldSessionID, session.ID).WithError(err).Warn("Summary generation failed")
		} else {
			title, description := parseSummary(out, p.cfg.SummaryTitleLimit, p.cfg.SummaryDescLimit)
			if title != "" {
				if err := p.store.UpdateSessionSummary(ctx, session.ID, title, description, hash); err != nil {
					p.logger.WithError(err).Warn("Failed to persist session summary")
				} else {
					emitter.Emit(UIEvent{Type: UISummaryUpdated, Payload: map[string]interface{}{"title": title}})
				}
			}
		}
	}

	if session.TagsHash != hash {
		out, err := p.provider.CallNonStream(nctx, []ProviderMessage{
			{Role: domain.RoleSystem, Content: prompts.TagsSystemPrompt},
			{Role: domain.RoleUser, Content: "User: " + userContent + "\n\nAssistant: " + assistantHead},
		})
		if err != nil {
			p.logger.WithField(logger.FieldSessionID, session.ID).WithError(err).Warn("Tag generation failed")
			return
		}
		var tags []string
		if err := ParseJSONOutput(out, &tags); err != nil {
			p.logger.WithError(err).Warn("Tag output was not valid JSON")
			return
		}
		if len(tags) > p.cfg.MaxTags {
			tags = tags[:p.cfg.MaxTags]
		}
		if err := p.store.UpdateSessionTags(ctx, session.ID, tags, hash); err != nil {
			p.logger.WithError(err).Warn("Failed to persist session tags")
		}
	}
}

// parseSummary accepts either a bare title line or a JSON object, tolerating
// markdown fencing, and clamps both fields.
func parseSummary(output string, titleLimit, descLimit int) (title, description string) {
	var parsed summaryOutput
	if err := ParseJSONOutput(output, &parsed); err == nil && parsed.Title != "" {
		title, description = parsed.Title, parsed.Description
	} else {
		title = strings.TrimSpace(strings.Trim(strings.TrimSpace(output), "\"`"))
		if i := strings.IndexByte(title, '\n'); i >= 0 {
			title = title[:i]
		}
	}
	title = clampRunes(title, titleLimit)
	description = clampRunes(description, descLimit)
	return title, description
}

func clampRunes(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}
