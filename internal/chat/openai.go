package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// OpenAIProvider speaks the OpenAI-compatible chat completions protocol,
// which every endpoint we target (OpenAI, DeepSeek, local servers) accepts.
type OpenAIProvider struct {
	client  *resty.Client
	model   string
	baseURL string
	logger  *logger.Logger
}

// NewOpenAIProvider builds a provider from a model endpoint config.
func NewOpenAIProvider(cfg *config.ModelConfig, log *logger.Logger) (*OpenAIProvider, error) {
	cfg.ResolveEnvVars()
	if cfg.BaseURL == "" {
		return nil, domain.Validationf("model %s has no base URL", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, domain.Validationf("model %s has no model ID", cfg.Name)
	}
	client := resty.New().
		SetTimeout(5 * time.Minute).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAIProvider{
		client:  client,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  log,
	}, nil
}

type openAIMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolEntry `json:"tool_calls,omitempty"`
}

type openAIToolEntry struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) buildRequest(messages []ProviderMessage, tools []ToolSpec, stream bool) *openAIRequest {
	req := &openAIRequest{Model: p.model, Stream: stream}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range messages {
		msg := openAIMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == domain.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range tools {
		var entry openAITool
		entry.Type = "function"
		entry.Function.Name = t.Name
		entry.Function.Description = t.Description
		entry.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, entry)
	}
	return req
}

// CallStream starts a streaming completion and normalizes SSE chunks into
// StreamEvents. The returned channel closes after done or error.
func (p *OpenAIProvider) CallStream(ctx context.Context, messages []ProviderMessage, tools []ToolSpec) (<-chan StreamEvent, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(messages, tools, true)).
		SetDoNotParseResponse(true).
		Post(p.baseURL + "/chat/completions")
	if err != nil {
		return nil, domain.NewLlmError(0, err)
	}
	if resp.StatusCode() != 200 {
		body := resp.RawBody()
		if body != nil {
			body.Close()
		}
		return nil, domain.NewLlmError(resp.StatusCode(), nil)
	}

	events := make(chan StreamEvent, 32)
	go p.readStream(ctx, resp, events)
	return events, nil
}

// toolCallAccum assembles one tool call from argument fragments.
type toolCallAccum struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAIProvider) readStream(ctx context.Context, resp *resty.Response, events chan<- StreamEvent) {
	body := resp.RawBody()
	defer body.Close()
	defer close(events)

	var (
		calls   []*toolCallAccum
		scanner = bufio.NewScanner(body)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	emit := func(e StreamEvent) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flushCalls := func() bool {
		for _, c := range calls {
			ok := emit(StreamEvent{
				Type:       EventToolCallEnd,
				ToolCallID: c.id,
				ToolName:   c.name,
				ToolArgs:   c.args.String(),
			})
			if !ok {
				return false
			}
		}
		calls = nil
		return true
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.WithError(err).Warn("Skipping malformed stream chunk")
			continue
		}
		if chunk.Usage != nil {
			if !emit(StreamEvent{Type: EventUsage, Usage: &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}}) {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !emit(StreamEvent{Type: EventThinkingDelta, Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !emit(StreamEvent{Type: EventContentDelta, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			for tc.Index >= len(calls) {
				calls = append(calls, &toolCallAccum{})
			}
			accum := calls[tc.Index]
			if tc.ID != "" {
				accum.id = tc.ID
			}
			if tc.Function.Name != "" {
				accum.name = tc.Function.Name
				if !emit(StreamEvent{Type: EventToolCallStart, ToolCallID: accum.id, ToolName: accum.name}) {
					return
				}
			}
			accum.args.WriteString(tc.Function.Arguments)
		}
		if chunk.Choices[0].FinishReason == "tool_calls" {
			if !flushCalls() {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Type: EventError, Err: domain.NewLlmError(0, err)})
		return
	}
	// Some endpoints finish without an explicit tool_calls reason.
	if !flushCalls() {
		return
	}
	emit(StreamEvent{Type: EventDone})
}

// CallNonStream runs a blocking completion, the summary/tag path.
func (p *OpenAIProvider) CallNonStream(ctx context.Context, messages []ProviderMessage) (string, error) {
	var parsed openAIResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(messages, nil, false)).
		SetResult(&parsed).
		Post(p.baseURL + "/chat/completions")
	if err != nil {
		return "", domain.NewLlmError(0, err)
	}
	if resp.StatusCode() != 200 {
		return "", domain.NewLlmError(resp.StatusCode(), nil)
	}
	if len(parsed.Choices) == 0 {
		return "", domain.Internalf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
